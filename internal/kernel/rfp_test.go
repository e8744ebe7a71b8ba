package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexsystems/apex-payroll-kernel/internal/mce"
	"github.com/apexsystems/apex-payroll-kernel/internal/rpcstate"
)

func newTestRFPAgent(t *testing.T, e *mce.Engine, id string) {
	t.Helper()
	require.NoError(t, e.RegisterAgent(context.Background(), &mce.Agent{
		ID:           id,
		Tier:         mce.TierEstablished,
		Balance:      decimal.NewFromInt(500),
		DebtCeiling:  decimal.NewFromInt(-100),
		EscrowStatus: mce.EscrowNone,
		Econ: mce.EconomicParams{
			BasePayRate:  decimal.NewFromInt(50),
			BondRate:     decimal.NewFromFloat(0.1),
			RoyaltyShare: decimal.NewFromFloat(0.05),
			PenaltyMult:  decimal.NewFromInt(1),
			RiskProfile:  decimal.Zero,
		},
	}))
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandleRFPBond_StakeLockReleaseRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	newTestRFPAgent(t, e, "agent_rfp_1")
	k := &Kernel{ledger: e}

	ctx, trail := withAuditTrail(context.Background())

	rfp := mce.RFP{ID: "rfp-1", CeilingPrice: decimal.NewFromInt(100), BondRequired: true}

	out, rpcErr := k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{
		Action:  "stake",
		AgentID: "agent_rfp_1",
		RFP:     rfp,
	}))
	require.Nil(t, rpcErr)
	result := out.(map[string]any)
	assert.Equal(t, string(mce.EscrowStaking), result["status"])
	assert.NotEmpty(t, result["bond"])

	out, rpcErr = k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{
		Action:  "lock",
		AgentID: "agent_rfp_1",
		RFP:     rfp,
	}))
	require.Nil(t, rpcErr)
	assert.Equal(t, string(mce.EscrowLocked), out.(map[string]any)["status"])

	out, rpcErr = k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{
		Action:  "release",
		AgentID: "agent_rfp_1",
		RFP:     rfp,
	}))
	require.Nil(t, rpcErr)
	assert.Equal(t, string(mce.EscrowReleased), out.(map[string]any)["status"])

	agentID, _, txIDs := trail.snapshot()
	assert.Equal(t, "agent_rfp_1", agentID)
	assert.NotEmpty(t, txIDs, "release must record the ledger tx ids it committed")
}

func TestHandleRFPBond_Forfeit_RecordsTxIDs(t *testing.T) {
	e := newTestEngine(t)
	newTestRFPAgent(t, e, "agent_rfp_2")
	newTestRFPAgent(t, e, "qa_reporter_1")
	k := &Kernel{ledger: e}
	ctx, trail := withAuditTrail(context.Background())

	rfp := mce.RFP{ID: "rfp-2", CeilingPrice: decimal.NewFromInt(100), BondRequired: true}

	_, rpcErr := k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{Action: "stake", AgentID: "agent_rfp_2", RFP: rfp}))
	require.Nil(t, rpcErr)
	_, rpcErr = k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{Action: "lock", AgentID: "agent_rfp_2", RFP: rfp}))
	require.Nil(t, rpcErr)

	out, rpcErr := k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{
		Action:       "forfeit",
		AgentID:      "agent_rfp_2",
		RFP:          rfp,
		QAReporterID: "qa_reporter_1",
	}))
	require.Nil(t, rpcErr)
	assert.Equal(t, string(mce.EscrowForfeited), out.(map[string]any)["status"])

	_, _, txIDs := trail.snapshot()
	assert.NotEmpty(t, txIDs)
}

func TestHandleRFPBond_StakeWithoutBondRequired_Rejected(t *testing.T) {
	e := newTestEngine(t)
	newTestRFPAgent(t, e, "agent_rfp_3")
	k := &Kernel{ledger: e}
	ctx, _ := withAuditTrail(context.Background())

	_, rpcErr := k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{
		Action:  "stake",
		AgentID: "agent_rfp_3",
		RFP:     mce.RFP{ID: "rfp-3", CeilingPrice: decimal.NewFromInt(100), BondRequired: false},
	}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcstate.InvalidParams, rpcErr.Code)
}

func TestHandleRFPBond_UnknownAgent_MapsToInvalidParams(t *testing.T) {
	e := newTestEngine(t)
	k := &Kernel{ledger: e}
	ctx, _ := withAuditTrail(context.Background())

	_, rpcErr := k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{
		Action:  "stake",
		AgentID: "ghost",
		RFP:     mce.RFP{ID: "rfp-4", CeilingPrice: decimal.NewFromInt(100), BondRequired: true},
	}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcstate.InvalidParams, rpcErr.Code)
}

func TestHandleRFPBond_UnknownAction_Rejected(t *testing.T) {
	e := newTestEngine(t)
	newTestRFPAgent(t, e, "agent_rfp_5")
	k := &Kernel{ledger: e}
	ctx, _ := withAuditTrail(context.Background())

	_, rpcErr := k.handleRFPBond(ctx, mustMarshal(t, rfpBondParams{
		Action:  "nonsense",
		AgentID: "agent_rfp_5",
	}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcstate.InvalidParams, rpcErr.Code)
}

func TestHandleRFPRoyalty_QualifyingFinding_AppliesAndRecordsTxIDs(t *testing.T) {
	e := newTestEngine(t)
	newTestRFPAgent(t, e, "consumer_1")
	newTestRFPAgent(t, e, "author_1")
	k := &Kernel{ledger: e}
	ctx, trail := withAuditTrail(context.Background())

	out, rpcErr := k.handleRFPRoyalty(ctx, mustMarshal(t, royaltyParams{
		ConsumerID: "consumer_1",
		AuthorID:   "author_1",
		TaskRef:    "task-1",
		TaskReward: "200.00",
		Finding: mce.CodeReuseFinding{
			Similarity:    decimal.NewFromFloat(0.95),
			ASTEquivalent: true,
		},
	}))
	require.Nil(t, rpcErr)
	assert.Equal(t, "applied", out.(map[string]any)["status"])

	agentID, _, txIDs := trail.snapshot()
	assert.Equal(t, "consumer_1", agentID)
	assert.NotEmpty(t, txIDs)
}

func TestHandleRFPRoyalty_NonQualifyingFinding_Rejected(t *testing.T) {
	e := newTestEngine(t)
	newTestRFPAgent(t, e, "consumer_2")
	newTestRFPAgent(t, e, "author_2")
	k := &Kernel{ledger: e}
	ctx, _ := withAuditTrail(context.Background())

	_, rpcErr := k.handleRFPRoyalty(ctx, mustMarshal(t, royaltyParams{
		ConsumerID: "consumer_2",
		AuthorID:   "author_2",
		TaskRef:    "task-2",
		TaskReward: "200.00",
		Finding: mce.CodeReuseFinding{
			Similarity:    decimal.NewFromFloat(0.50),
			ASTEquivalent: true,
		},
	}))
	require.NotNil(t, rpcErr)
	assert.Equal(t, rpcstate.InvalidParams, rpcErr.Code)
}

func TestBondError_MapsSentinelsToWireTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code rpcstate.Code
	}{
		{mce.ErrInsufficientBalance, rpcstate.FiscalInsolvency},
		{mce.ErrBankFloorBreached, rpcstate.FiscalInsolvency},
		{mce.ErrEscrowInvalidState, rpcstate.InvalidParams},
		{mce.ErrAgentNotFound, rpcstate.InvalidParams},
		{mce.ErrConservationFailed, rpcstate.CitadelFailure},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, bondError(c.err).Code)
	}
}
