package hooks

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/apexsystems/apex-payroll-kernel/internal/mce"
)

// Ledger is the narrow read/write surface the pipeline needs from the
// MCE: a solvency snapshot and the ability to charge a fixed fine.
// Hooks never hold the live ledger; they talk to it only through this
// interface (spec.md §3 Ownership).
type Ledger interface {
	Snapshot(ctx context.Context, agentID string) (mce.Agent, error)
	Penalty(ctx context.Context, agentID, taskRef string, amount decimal.Decimal) ([]string, error)
}

// SolvencyGuard verifies balance ≥ bond-required before a tool call is
// dispatched (spec.md §4.3 PRE_TOOL phase). The tool allow-list is
// checked separately, by PermissionGuard.
type SolvencyGuard struct {
	base
	ledger      Ledger
	bondRequire func(req *Request) decimal.Decimal
}

func NewSolvencyGuard(id string, priority int, pattern string, ledger Ledger, bondRequire func(*Request) decimal.Decimal) *SolvencyGuard {
	if bondRequire == nil {
		bondRequire = func(*Request) decimal.Decimal { return decimal.Zero }
	}
	return &SolvencyGuard{
		base:        base{id: id, priority: priority, phase: PreTool, pattern: pattern},
		ledger:      ledger,
		bondRequire: bondRequire,
	}
}

func (g *SolvencyGuard) Execute(ctx context.Context, req *Request) (Outcome, error) {
	agent, err := g.ledger.Snapshot(ctx, req.AgentID)
	if err != nil {
		return HaltOutcome(HaltProtocol, "agent_lookup_failed", err), nil
	}

	bondRequired := g.bondRequire(req)
	if agent.Balance.LessThan(bondRequired) {
		return HaltOutcome(HaltResource,
			fmt.Sprintf("insufficient_balance:need=%s have=%s", bondRequired, agent.Balance), nil), nil
	}
	return ContinueOutcome(), nil
}

// PermissionGuard checks the method's required tool name against the
// agent's effective tool allow-list (PIP-restricted or otherwise).
type PermissionGuard struct {
	base
	ledger      Ledger
	toolForReq  func(req *Request) string
}

func NewPermissionGuard(id string, priority int, pattern string, ledger Ledger, toolForReq func(*Request) string) *PermissionGuard {
	return &PermissionGuard{
		base:       base{id: id, priority: priority, phase: PreTool, pattern: pattern},
		ledger:     ledger,
		toolForReq: toolForReq,
	}
}

func (g *PermissionGuard) Execute(ctx context.Context, req *Request) (Outcome, error) {
	agent, err := g.ledger.Snapshot(ctx, req.AgentID)
	if err != nil {
		return HaltOutcome(HaltProtocol, "agent_lookup_failed", err), nil
	}
	tool := g.toolForReq(req)
	if tool == "" {
		return ContinueOutcome(), nil
	}
	perms := agent.EffectivePermissions()
	for _, allowed := range perms.ToolsAllowed {
		if allowed == tool {
			return ContinueOutcome(), nil
		}
	}
	return HaltOutcome(HaltSecurity, fmt.Sprintf("tool_not_permitted:%s", tool), nil), nil
}
