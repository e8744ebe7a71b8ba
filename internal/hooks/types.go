// Package hooks implements the Hook Pipeline (Hypervisor): a
// deterministic, ordered middleware chain gating every PRE_PROMPT,
// PRE_TOOL, and POST_TOOL phase of an agent request (spec.md §4.3).
package hooks

import "context"

// Phase is one of the three pipeline phases, each owning a priority band.
type Phase string

const (
	PrePrompt Phase = "PRE_PROMPT" // priority 1-20
	PreTool   Phase = "PRE_TOOL"   // priority 21-50
	PostTool  Phase = "POST_TOOL"  // priority 51-100
)

// OutcomeKind is the pipeline's three-valued control flow: no Go error
// terminates a chain on its own, only an explicit Halt does.
type OutcomeKind int

const (
	Continue OutcomeKind = iota
	Halt
	AsyncWait
)

// HaltKind classifies a Halt outcome for audit and metrics (spec.md §4.3
// Failure semantics): security halts are final, resource halts may
// retry once, protocol halts return immediately with no ledger effect.
type HaltKind string

const (
	HaltSecurity HaltKind = "security"
	HaltResource HaltKind = "resource"
	HaltProtocol HaltKind = "protocol"
)

// Outcome is what a hook returns after inspecting or mutating a Request.
type Outcome struct {
	Kind     OutcomeKind
	HaltKind HaltKind
	Err      error
	Reason   string // audit-facing, e.g. "blocked_import:os"
}

func ContinueOutcome() Outcome { return Outcome{Kind: Continue} }

func HaltOutcome(kind HaltKind, reason string, err error) Outcome {
	return Outcome{Kind: Halt, HaltKind: kind, Reason: reason, Err: err}
}

func AsyncWaitOutcome(reason string) Outcome {
	return Outcome{Kind: AsyncWait, Reason: reason}
}

// String renders a Kind the way the audit log and metrics labels expect
// it: lowercase, matching audit.HookOutcome.Kind's vocabulary.
func (k OutcomeKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Halt:
		return "halt"
	case AsyncWait:
		return "async_wait"
	default:
		return "unknown"
	}
}

// HookOutcome is one executed hook's contribution to a request's audit
// trail (mirrors audit.HookOutcome's shape, spec.md §4.8), recorded
// regardless of whether the hook continued or halted the chain.
type HookOutcome struct {
	HookID    string
	Phase     Phase
	Kind      string
	Reason    string
	LatencyMs int64
}

// Request is the per-call working copy the pipeline threads through
// hooks. The pipeline owns no persistent state (spec.md §3 Ownership);
// everything here lives only for the duration of one call.
type Request struct {
	TraceID     string
	RequestID   string
	AgentID     string
	Method      string
	TaskRef     string
	Prompt      string
	CodePayload string // raw source for AST analysis
	ShellArgs   []string
	ToolOutput  string
	NetworkGrant bool
	RetryCount  int

	// Trail accumulates one HookOutcome per hook the pipeline actually
	// ran against this request, across all phases it passes through
	// (spec.md §4.8: "hook-chain outcomes per hook"). The kernel reads
	// this back after dispatch to build the audit.Record.
	Trail []HookOutcome

	// LedgerTxIDs accumulates the transaction ids any ledger mutation
	// triggered by this request committed (spec.md §4.8: "ledger
	// transaction ids"). Hooks and handlers append to it directly.
	LedgerTxIDs []string

	// Extra carries phase-specific scratch data (e.g. retrieved memory,
	// fiscal footer) that hooks append to without the pipeline needing
	// to know its shape.
	Extra map[string]any
}

// Hook is one pipeline stage. Hooks are pure with respect to the
// pipeline: any side effect (ledger mutation, audit write) happens
// through the collaborators passed at construction time, never through
// global state.
type Hook interface {
	ID() string
	Priority() int
	Phase() Phase
	// Matches reports whether this hook applies to method, using a glob
	// pattern ("*" matches any method, "tools/*" matches a prefix).
	Matches(method string) bool
	Execute(ctx context.Context, req *Request) (Outcome, error)
}
