// Package sandbox adapts the kernel to an external collaborator process
// that actually executes agent code (spec.md §4.7: "The core does not
// implement the sandbox; it consumes results"). The core's
// responsibility is limited to three things: payload-size enforcement,
// a pre-execution AST/regex audit via internal/hooks, and post-execution
// output truncation — everything else (wall-clock, memory, CPU-share,
// PID-count, network-egress enforcement) happens inside the collaborator
// and is merely declared here as a request.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apexsystems/apex-payroll-kernel/internal/circuitbreaker"
	"github.com/apexsystems/apex-payroll-kernel/internal/hooks"
	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
	"github.com/apexsystems/apex-payroll-kernel/internal/metrics"
)

// MaxPayloadBytes is the configured threshold above which a payload is
// rejected before ever reaching the collaborator (spec.md §4.7).
const MaxPayloadBytes = 256 * 1024

// ErrPayloadTooLarge is returned by Execute when payload exceeds
// MaxPayloadBytes.
var ErrPayloadTooLarge = errors.New("sandbox: payload exceeds configured size threshold")

// Limits carries the resource ceilings the collaborator is responsible
// for enforcing (spec.md §4.7 and §5 "parallelism, if any, lives in the
// external sandbox adapter").
type Limits struct {
	WallClock     time.Duration
	MemoryBytes   int64
	CPUShare      float64
	MaxPIDs       int
	NetworkEgress bool
}

// ExecutionResult is what the collaborator hands back.
type ExecutionResult struct {
	Output     string
	ExitCode   int
	TimedOut   bool
	Truncated  bool
	DurationMs int64
}

// Payload is one execution request.
type Payload struct {
	AgentID    string
	TaskRef    string
	Code       string
	ShellArgs  []string
	Limits     Limits
}

// Adapter talks to an external collaborator over HTTP, guarded by a
// circuit breaker keyed on the collaborator endpoint (so one flaky
// collaborator instance doesn't wedge every agent's requests) and by
// the hook pipeline's AST/shell guards, which StreamExecute runs
// pre-flight (Execute relies on its caller having run them).
type Adapter struct {
	endpoint   string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	pipeline   *hooks.Pipeline
	maxOutput  int
	keepHead   int
	keepTail   int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithMaxOutput overrides the post-execution truncation budget (default
// 64 KiB, keeping the first/last 8 KiB).
func WithMaxOutput(max, head, tail int) Option {
	return func(a *Adapter) { a.maxOutput, a.keepHead, a.keepTail = max, head, tail }
}

// New constructs an Adapter. StreamExecute runs pipeline's PRE_TOOL
// AST/shell guards against the payload before it is sent to the
// collaborator (spec.md §4.7: "pre-execution AST/regex audit (§4.3)");
// Execute does not use pipeline.
func New(endpoint string, pipeline *hooks.Pipeline, opts ...Option) *Adapter {
	a := &Adapter{
		endpoint:  endpoint,
		client:    &http.Client{Timeout: 2 * time.Minute},
		breaker:   circuitbreaker.New(5, 30*time.Second),
		pipeline:  pipeline,
		maxOutput: 64 * 1024,
		keepHead:  8 * 1024,
		keepTail:  8 * 1024,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Execute enforces payload size, dispatches to the collaborator guarded
// by the circuit breaker, and truncates output before returning. The
// PRE_TOOL AST/shell audit already ran in the caller's own pipeline pass
// (internal/kernel.handleToolsCall) against the same payload before
// Execute was ever called, so Execute does not run it again — unlike
// StreamExecute, which has no such caller-side gate yet.
func (a *Adapter) Execute(ctx context.Context, p Payload) (ExecutionResult, error) {
	if len(p.Code) > MaxPayloadBytes {
		return ExecutionResult{}, ErrPayloadTooLarge
	}

	if !a.breaker.Allow(a.endpoint) {
		return ExecutionResult{}, fmt.Errorf("sandbox: collaborator circuit open for %s", a.endpoint)
	}

	start := time.Now()
	result, err := a.dispatch(ctx, p)
	elapsed := time.Since(start)
	metrics.SandboxLatency.Observe(elapsed.Seconds())
	if err != nil {
		a.breaker.RecordFailure(a.endpoint)
		return ExecutionResult{}, err
	}
	a.breaker.RecordSuccess(a.endpoint)

	result.Output, result.Truncated = truncate(result.Output, a.maxOutput, a.keepHead, a.keepTail)
	if result.Truncated {
		logging.L(ctx).Warn("sandbox: output truncated", "agent_id", p.AgentID, "task_ref", p.TaskRef)
	}
	return result, nil
}

func (a *Adapter) dispatch(ctx context.Context, p Payload) (ExecutionResult, error) {
	body, err := json.Marshal(map[string]any{
		"agent_id":   p.AgentID,
		"task_ref":   p.TaskRef,
		"code":       p.Code,
		"shell_args": p.ShellArgs,
		"limits":     p.Limits,
	})
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("sandbox: marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("sandbox: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("sandbox: collaborator unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, int64(a.maxOutput)*4)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("sandbox: read collaborator response: %w", err)
	}

	var result ExecutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ExecutionResult{}, fmt.Errorf("sandbox: decode collaborator response: %w", err)
	}
	return result, nil
}

// truncate keeps the first head and last tail bytes of s when it
// exceeds max, inserting a marker between them (same shape as
// hooks.TruncationHook, applied here to the sandbox's own output rather
// than a tool's).
func truncate(s string, max, head, tail int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	marker := "\n--- truncated ---\n"
	return s[:head] + marker + s[len(s)-tail:], true
}
