package hooks

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexsystems/apex-payroll-kernel/internal/mce"
)

type fakeLedger struct {
	agents    map[string]mce.Agent
	penalties []decimal.Decimal
}

func (f *fakeLedger) Snapshot(ctx context.Context, agentID string) (mce.Agent, error) {
	a, ok := f.agents[agentID]
	if !ok {
		return mce.Agent{}, mce.ErrAgentNotFound
	}
	return a, nil
}

func (f *fakeLedger) Penalty(ctx context.Context, agentID, taskRef string, amount decimal.Decimal) ([]string, error) {
	f.penalties = append(f.penalties, amount)
	return []string{"fake-tx-" + agentID}, nil
}

func TestASTGuard_RejectsBlockedImport(t *testing.T) {
	g := NewASTGuard("python_ast_guard", 25, "tools/call", nil)
	req := &Request{Method: "tools/call", CodePayload: "import os\nos.system('rm -rf /')"}
	out, err := g.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Halt, out.Kind)
	assert.Equal(t, HaltSecurity, out.HaltKind)
	assert.Equal(t, "blocked_import:os", out.Reason)
}

func TestASTGuard_RejectsDynamicCall(t *testing.T) {
	g := NewASTGuard("python_ast_guard", 25, "*", nil)
	req := &Request{Method: "tools/call", CodePayload: "eval(user_input)"}
	out, _ := g.Execute(context.Background(), req)
	assert.Equal(t, Halt, out.Kind)
	assert.Contains(t, out.Reason, "dynamic_call:eval")
}

func TestASTGuard_RejectsDunderChain(t *testing.T) {
	g := NewASTGuard("python_ast_guard", 25, "*", nil)
	req := &Request{CodePayload: "().__class__.__bases__[0].__subclasses__()"}
	out, _ := g.Execute(context.Background(), req)
	assert.Equal(t, Halt, out.Kind)
	assert.Contains(t, out.Reason, "dunder_access")
}

func TestASTGuard_AllowsCleanCode(t *testing.T) {
	g := NewASTGuard("python_ast_guard", 25, "*", nil)
	req := &Request{CodePayload: "def add(a, b):\n    return a + b\n"}
	out, _ := g.Execute(context.Background(), req)
	assert.Equal(t, Continue, out.Kind)
}

func TestShellGuard_RejectsTraversalAndSudo(t *testing.T) {
	g := NewShellGuard("shell_guard", 30, "*")

	out, _ := g.Execute(context.Background(), &Request{ShellArgs: []string{"cat", "../../etc/passwd"}})
	assert.Equal(t, Halt, out.Kind)

	out, _ = g.Execute(context.Background(), &Request{ShellArgs: []string{"sudo", "reboot"}})
	assert.Equal(t, Halt, out.Kind)
	assert.Contains(t, out.Reason, "privileged_command")
}

func TestShellGuard_NetworkRequiresGrant(t *testing.T) {
	g := NewShellGuard("shell_guard", 30, "*")

	denied, _ := g.Execute(context.Background(), &Request{ShellArgs: []string{"curl", "http://x"}})
	assert.Equal(t, Halt, denied.Kind)

	allowed, _ := g.Execute(context.Background(), &Request{ShellArgs: []string{"curl", "http://x"}, NetworkGrant: true})
	assert.Equal(t, Continue, allowed.Kind)
}

func TestSolvencyGuard_RejectsBelowBond(t *testing.T) {
	ledger := &fakeLedger{agents: map[string]mce.Agent{
		"agent_1": {ID: "agent_1", Balance: decimal.NewFromInt(10)},
	}}
	g := NewSolvencyGuard("solvency", 40, "*", ledger, func(*Request) decimal.Decimal { return decimal.NewFromInt(50) })
	out, err := g.Execute(context.Background(), &Request{AgentID: "agent_1"})
	require.NoError(t, err)
	assert.Equal(t, Halt, out.Kind)
	assert.Equal(t, HaltResource, out.HaltKind)
}

func TestPipeline_HaltStopsSubsequentHooks(t *testing.T) {
	ledger := &fakeLedger{agents: map[string]mce.Agent{"a": {ID: "a", Balance: decimal.NewFromInt(100)}}}
	low := NewSolvencyGuard("a_low_priority", 21, "*", ledger, func(*Request) decimal.Decimal { return decimal.NewFromInt(1000) })
	high := NewASTGuard("b_high_priority", 22, "*", nil)

	p := New([]Hook{high, low})
	req := &Request{AgentID: "a", CodePayload: "import os"}
	out := p.Run(context.Background(), PreTool, req)
	assert.Equal(t, Halt, out.Kind)
	assert.Equal(t, HaltResource, out.HaltKind, "lower-priority solvency halt should fire before the AST guard runs")

	require.Len(t, req.Trail, 1, "the halted hook must be on the trail, and the AST guard it preempted must not be")
	assert.Equal(t, "a_low_priority", req.Trail[0].HookID)
	assert.Equal(t, "halt", req.Trail[0].Kind)
}

func TestPipeline_Run_AppendsOneOutcomePerExecutedHook(t *testing.T) {
	ledger := &fakeLedger{agents: map[string]mce.Agent{"a": {ID: "a", Balance: decimal.NewFromInt(100)}}}
	guard := NewASTGuard("python_ast_guard", 25, "*", nil)
	solvency := NewSolvencyGuard("solvency", 40, "*", ledger, func(*Request) decimal.Decimal { return decimal.Zero })

	p := New([]Hook{guard, solvency})
	req := &Request{AgentID: "a", CodePayload: "def add(a, b):\n    return a + b\n"}
	out := p.Run(context.Background(), PreTool, req)

	assert.Equal(t, Continue, out.Kind)
	require.Len(t, req.Trail, 2)
	assert.Equal(t, "python_ast_guard", req.Trail[0].HookID)
	assert.Equal(t, "continue", req.Trail[0].Kind)
	assert.Equal(t, "solvency", req.Trail[1].HookID)
	assert.Equal(t, "continue", req.Trail[1].Kind)
	assert.Equal(t, PreTool, req.Trail[0].Phase)
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "continue", Continue.String())
	assert.Equal(t, "halt", Halt.String())
	assert.Equal(t, "async_wait", AsyncWait.String())
	assert.Equal(t, "unknown", OutcomeKind(99).String())
}

func TestPipeline_TieBreakByID(t *testing.T) {
	ledger := &fakeLedger{agents: map[string]mce.Agent{"a": {ID: "a", Balance: decimal.NewFromInt(100)}}}
	alpha := NewSolvencyGuard("alpha", 30, "*", ledger, func(*Request) decimal.Decimal { return decimal.NewFromInt(1000) })
	zeta := NewSolvencyGuard("zeta", 30, "*", ledger, func(*Request) decimal.Decimal { return decimal.Zero })

	p := New([]Hook{zeta, alpha})
	require.Len(t, p.Hooks(), 2)
	assert.Equal(t, "alpha", p.Hooks()[0].ID())
	assert.Equal(t, "zeta", p.Hooks()[1].ID())
}

func TestTruncationHook_TruncatesLongOutput(t *testing.T) {
	h := NewTruncationHook("truncate", 60, "*", 10, 3)
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	req := &Request{ToolOutput: joinLines(lines)}
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Continue, out.Kind)
	assert.Contains(t, req.ToolOutput, "truncated")
}

func TestCognitiveRetryHook_ChargesAndWaitsOnce(t *testing.T) {
	ledger := &fakeLedger{agents: map[string]mce.Agent{"a": {ID: "a"}}}
	h := NewCognitiveRetryHook("cognitive_retry", 70, "*", ledger, func(r *Request) (FailureKind, string) {
		return FailureTimeout, "stack trace here"
	})

	req := &Request{AgentID: "a"}
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, AsyncWait, out.Kind)
	assert.Equal(t, 1, req.RetryCount)
	require.Len(t, ledger.penalties, 1)
	assert.True(t, ledger.penalties[0].Equal(decimal.NewFromInt(5)))

	out2, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Continue, out2.Kind, "must not retry a second time")
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
