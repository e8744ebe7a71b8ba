package mce

import "github.com/shopspring/decimal"

// BankAccountID and VoidAccountID are the two non-agent ledger endpoints:
// the system bank (tax, burns, integrity interest) and the void (mint
// source / burn sink), so every transaction still has a From and To for
// the conservation check (spec.md §4.4 Consistency).
const (
	BankAccountID = "SYSTEM_BANK"
	VoidAccountID = "VOID"
)

// applyTransaction mutates agents and bank in place per t.Type. Escrow
// staking and release move balance to/from the same agent's EscrowHold;
// every other type moves Amount from FromID's account to ToID's.
func applyTransaction(agents map[string]*Agent, bank *SystemBank, t Transaction) error {
	switch t.Type {
	case TxBondStake:
		a, ok := agents[t.FromID]
		if !ok {
			return ErrAgentNotFound
		}
		if a.Balance.LessThan(t.Amount) {
			return ErrInsufficientBalance
		}
		a.Balance = a.Balance.Sub(t.Amount)
		a.EscrowHold = a.EscrowHold.Add(t.Amount)
		a.EscrowStatus = EscrowStaking
		return nil

	case TxBondRelease:
		// Two BOND_RELEASE records land here per release: the bond itself
		// (FromID == ToID == agent, escrow hold returns to balance) and
		// the integrity interest (FromID == the bank, a plain credit).
		if t.FromID == t.ToID {
			a, ok := agents[t.ToID]
			if !ok {
				return ErrAgentNotFound
			}
			a.EscrowHold = a.EscrowHold.Sub(t.Amount)
			a.Balance = a.Balance.Add(t.Amount)
			a.EscrowStatus = EscrowReleased
			return nil
		}
		if err := debitEndpoint(agents, bank, t.FromID, t.Amount); err != nil {
			return err
		}
		return creditEndpoint(agents, bank, t.ToID, t.Amount)

	case TxBondBurn:
		a, ok := agents[t.FromID]
		if !ok {
			return ErrAgentNotFound
		}
		a.EscrowHold = a.EscrowHold.Sub(t.Amount)
		a.EscrowStatus = EscrowForfeited
		return creditEndpoint(agents, bank, t.ToID, t.Amount)

	default:
		if err := debitEndpoint(agents, bank, t.FromID, t.Amount); err != nil {
			return err
		}
		return creditEndpoint(agents, bank, t.ToID, t.Amount)
	}
}

func debitEndpoint(agents map[string]*Agent, bank *SystemBank, id string, amount decimal.Decimal) error {
	switch id {
	case VoidAccountID:
		return nil
	case BankAccountID:
		bank.Balance = bank.Balance.Sub(amount)
		return nil
	default:
		// Tax, penalty, and royalty debits are always applied, even below
		// zero: driving an agent under its debt ceiling is what triggers
		// PIP (spec.md §4.4 Bankruptcy & PIP), not a rejected transaction.
		// Only bond staking (above) enforces balance sufficiency.
		a, ok := agents[id]
		if !ok {
			return ErrAgentNotFound
		}
		a.Balance = a.Balance.Sub(amount)
		return nil
	}
}

func creditEndpoint(agents map[string]*Agent, bank *SystemBank, id string, amount decimal.Decimal) error {
	switch id {
	case VoidAccountID:
		return nil
	case BankAccountID:
		bank.Balance = bank.Balance.Add(amount)
		return nil
	default:
		a, ok := agents[id]
		if !ok {
			return ErrAgentNotFound
		}
		if a.InPIP {
			// Bankruptcy & PIP: earnings are garnished to the system bank
			// in full until the agent recovers solvency (spec.md §4.4).
			bank.Balance = bank.Balance.Add(amount)
			return nil
		}
		a.Balance = a.Balance.Add(amount)
		return nil
	}
}

// totalWealth returns every agent's wealth (balance plus escrow hold)
// keyed by agent id, for the Citadel's conservation check (spec.md §4.4).
// The bank balance is not included; commit passes it separately as
// BankBefore/BankAfter.
func totalWealth(agents map[string]*Agent, bank SystemBank) map[string]string {
	out := make(map[string]string, len(agents)+1)
	for id, a := range agents {
		out[id] = a.Balance.Add(a.EscrowHold).String()
	}
	return out
}
