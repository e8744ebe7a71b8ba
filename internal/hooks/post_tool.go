package hooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TruncationHook keeps the first and last N lines of an over-long tool
// output, replacing the middle with a summary marker (spec.md §4.3
// POST_TOOL phase).
type TruncationHook struct {
	base
	maxLines int
	keepEach int
}

func NewTruncationHook(id string, priority int, pattern string, maxLines, keepEach int) *TruncationHook {
	return &TruncationHook{
		base:     base{id: id, priority: priority, phase: PostTool, pattern: pattern},
		maxLines: maxLines,
		keepEach: keepEach,
	}
}

func (h *TruncationHook) Execute(ctx context.Context, req *Request) (Outcome, error) {
	lines := strings.Split(req.ToolOutput, "\n")
	if len(lines) <= h.maxLines {
		return ContinueOutcome(), nil
	}
	head := lines[:h.keepEach]
	tail := lines[len(lines)-h.keepEach:]
	omitted := len(lines) - 2*h.keepEach

	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	fmt.Fprintf(&b, "\n--- truncated: %d lines omitted ---\n", omitted)
	b.WriteString(strings.Join(tail, "\n"))
	req.ToolOutput = b.String()
	return ContinueOutcome(), nil
}

// retryCost is the fixed fine charged against an agent for each
// cognitive retry (spec.md §4.3 POST_TOOL phase: "a 5-APX retry cost").
var retryCost = decimal.NewFromInt(5)

// FailureKind classifies a POST_TOOL failure for the cognitive-retry
// decision. Security failures never retry; resource failures retry once.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureSyntaxError       FailureKind = "syntax_error"
	FailureMissingDependency FailureKind = "missing_dependency"
	FailureTimeout           FailureKind = "timeout"
)

// CognitiveRetryHook re-enters the pipeline at most once on a non-security
// tool failure, charging the agent a fixed retry cost and attaching a
// hidden retry prompt carrying the stack trace (spec.md §4.3 POST_TOOL
// phase).
type CognitiveRetryHook struct {
	base
	ledger   Ledger
	failure  func(req *Request) (FailureKind, string)
}

func NewCognitiveRetryHook(id string, priority int, pattern string, ledger Ledger, failure func(*Request) (FailureKind, string)) *CognitiveRetryHook {
	return &CognitiveRetryHook{
		base:    base{id: id, priority: priority, phase: PostTool, pattern: pattern},
		ledger:  ledger,
		failure: failure,
	}
}

func (h *CognitiveRetryHook) Execute(ctx context.Context, req *Request) (Outcome, error) {
	kind, trace := h.failure(req)
	if kind == FailureNone {
		return ContinueOutcome(), nil
	}
	if req.RetryCount >= 1 {
		return ContinueOutcome(), nil
	}

	txIDs, err := h.ledger.Penalty(ctx, req.AgentID, req.TaskRef, retryCost)
	if err != nil {
		return HaltOutcome(HaltProtocol, "retry_charge_failed", err), nil
	}
	req.LedgerTxIDs = append(req.LedgerTxIDs, txIDs...)
	req.RetryCount++
	if req.Extra == nil {
		req.Extra = map[string]any{}
	}
	req.Extra["retry_prompt"] = fmt.Sprintf("Previous attempt failed (%s):\n%s\nRetry cost: %s APX.", kind, trace, retryCost)
	return AsyncWaitOutcome(fmt.Sprintf("cognitive_retry:%s", kind)), nil
}
