package mce

import (
	"time"

	"github.com/shopspring/decimal"
)

// buildStake constructs the WAL record for moving Bond from an agent's
// balance into escrow hold when it wins a bonded RFP (spec.md §4.4
// Escrow: STAKING). The caller (Engine.BondStake) is responsible for
// verifying the agent isn't already escrowed for a different task.
func buildStake(agentID, taskRef string, bond decimal.Decimal, now time.Time) Transaction {
	return Transaction{
		Timestamp: now,
		FromID:    agentID,
		ToID:      agentID,
		Amount:    bond,
		Type:      TxBondStake,
		TaskRef:   taskRef,
	}
}

// buildRelease constructs the release of a successfully completed bond:
// the bond itself returns to balance, plus a separate integrity-interest
// transfer funded by the system bank (spec.md §4.4 Escrow: RELEASED).
func buildRelease(agentID, taskRef string, bond decimal.Decimal, now time.Time) []Transaction {
	interest := IntegrityInterest(bond)
	return []Transaction{
		{
			Timestamp: now,
			FromID:    agentID,
			ToID:      agentID,
			Amount:    bond,
			Type:      TxBondRelease,
			TaskRef:   taskRef,
		},
		{
			Timestamp: now,
			FromID:    BankAccountID,
			ToID:      agentID,
			Amount:    interest,
			Type:      TxBondRelease,
			TaskRef:   taskRef,
		},
	}
}

// buildForfeit constructs a forfeiture: 50% of the bond accrues to the QA
// reporter (or the system bank if there was none), and 50% is burned
// permanently (spec.md §4.4 Escrow: FORFEITED). Both halves are recorded
// as explicit transaction types so the conservation check applies the
// correct equation across the mint/burn boundary.
func buildForfeit(agentID, taskRef, qaReporterID string, bond decimal.Decimal, now time.Time) []Transaction {
	half := round(bond.Div(decimal.NewFromInt(2)))
	burned := bond.Sub(half)

	reward := qaReporterID
	if reward == "" {
		reward = BankAccountID
	}

	return []Transaction{
		{
			Timestamp: now,
			FromID:    agentID,
			ToID:      reward,
			Amount:    half,
			Type:      TxBondBurn,
			TaskRef:   taskRef,
		},
		{
			Timestamp: now,
			FromID:    agentID,
			ToID:      VoidAccountID,
			Amount:    burned,
			Type:      TxBondBurn,
			TaskRef:   taskRef,
		},
	}
}
