package kernel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/apexsystems/apex-payroll-kernel/internal/mce"
	"github.com/apexsystems/apex-payroll-kernel/internal/rpcstate"
)

// rfpBondParams drives an agent through the escrow bond state machine
// (spec.md §4.4 Escrow state machine) for a given RFP. Action selects
// the transition: "stake" (NONE→STAKING), "lock" (STAKING→LOCKED),
// "release" (LOCKED→RELEASED), or "forfeit" (LOCKED→FORFEITED).
type rfpBondParams struct {
	Action       string  `json:"action"`
	AgentID      string  `json:"agent_id"`
	RFP          mce.RFP `json:"rfp"`
	QAReporterID string  `json:"qa_reporter_id,omitempty"`
}

// handleRFPBond exercises the escrow bond methods (BondStake/BondLock/
// BondRelease/BondForfeit) the RFP-acceptance flow drives an agent
// through (spec.md §4.4, §8 scenario 3 "Bond forfeiture").
func (k *Kernel) handleRFPBond(ctx context.Context, params json.RawMessage) (any, *rpcstate.Error) {
	var p rfpBondParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}

	trail := auditTrailFrom(ctx)
	trail.setAgentID(p.AgentID)

	switch p.Action {
	case "stake":
		if !p.RFP.BondRequired {
			return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
		}
		bond, err := k.ledger.BondStake(ctx, p.AgentID, p.RFP.ID, p.RFP.CeilingPrice)
		if err != nil {
			return nil, bondError(err)
		}
		return map[string]any{"status": string(mce.EscrowStaking), "bond": bond.String()}, nil

	case "lock":
		if err := k.ledger.BondLock(ctx, p.AgentID); err != nil {
			return nil, bondError(err)
		}
		return map[string]any{"status": string(mce.EscrowLocked)}, nil

	case "release":
		ids, err := k.ledger.BondRelease(ctx, p.AgentID)
		if err != nil {
			return nil, bondError(err)
		}
		trail.recordTxIDs(ids)
		return map[string]any{"status": string(mce.EscrowReleased)}, nil

	case "forfeit":
		ids, err := k.ledger.BondForfeit(ctx, p.AgentID, p.QAReporterID)
		if err != nil {
			return nil, bondError(err)
		}
		trail.recordTxIDs(ids)
		return map[string]any{"status": string(mce.EscrowForfeited)}, nil

	default:
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}
}

// bondError maps a ledger sentinel error to the wire error taxonomy
// (spec.md §7): insufficient balance and a breached bank floor map to
// FiscalInsolvency, an invalid escrow state or unknown agent to
// InvalidParams, a failed conservation proof to CitadelFailure, and
// everything else to InternalError.
func bondError(err error) *rpcstate.Error {
	switch {
	case errors.Is(err, mce.ErrInsufficientBalance), errors.Is(err, mce.ErrBankFloorBreached):
		return rpcstate.NewError(rpcstate.FiscalInsolvency, "", "")
	case errors.Is(err, mce.ErrEscrowInvalidState), errors.Is(err, mce.ErrAgentNotFound):
		return rpcstate.NewError(rpcstate.InvalidParams, "", "")
	case errors.Is(err, mce.ErrConservationFailed):
		return rpcstate.NewError(rpcstate.CitadelFailure, "", "")
	default:
		return rpcstate.NewError(rpcstate.InternalError, "", "")
	}
}

// royaltyParams triggers a code-reuse license-fee payout once the
// POST_TOOL pipeline has reported a qualifying finding (spec.md §4.4
// Royalties: "similarity ≥ 0.92 AND AST-equivalence").
type royaltyParams struct {
	ConsumerID string             `json:"consumer_id"`
	AuthorID   string             `json:"author_id"`
	TaskRef    string             `json:"task_ref"`
	TaskReward string             `json:"task_reward"`
	Finding    mce.CodeReuseFinding `json:"finding"`
}

// handleRFPRoyalty applies Engine.Royalty, gated on the caller-supplied
// finding actually qualifying (Engine.Royalty's own doc comment: callers
// gate it on CodeReuseFinding.Qualifies()).
func (k *Kernel) handleRFPRoyalty(ctx context.Context, params json.RawMessage) (any, *rpcstate.Error) {
	var p royaltyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}
	if !p.Finding.Qualifies() {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}
	reward, err := decimal.NewFromString(p.TaskReward)
	if err != nil {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}

	trail := auditTrailFrom(ctx)
	trail.setAgentID(p.ConsumerID)

	ids, err := k.ledger.Royalty(ctx, p.ConsumerID, p.AuthorID, p.TaskRef, reward)
	if err != nil {
		return nil, bondError(err)
	}
	trail.recordTxIDs(ids)
	return map[string]any{"status": "applied"}, nil
}
