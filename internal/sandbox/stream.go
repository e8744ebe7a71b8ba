package sandbox

import (
	"context"
	"fmt"
	"net/url"

	"github.com/apexsystems/apex-payroll-kernel/internal/hooks"
	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
	"github.com/gorilla/websocket"
)

// StreamChunk is one incremental piece of collaborator output, used by
// StreamExecute for long-running executions where a single buffered
// HTTP response would delay feedback past the task's usefulness.
type StreamChunk struct {
	Output string `json:"output"`
	Done   bool   `json:"done"`
	Result *ExecutionResult `json:"result,omitempty"`
}

// StreamExecute runs Execute's payload-size and circuit-breaker checks
// plus the PRE_TOOL pipeline, then opens a
// websocket to the collaborator and forwards chunks to onChunk as they
// arrive, returning the final ExecutionResult once the collaborator
// sends Done. Generalizes the teacher's HTTP request/response
// forwarding (internal/gateway/proxy.go) to a bidirectional stream,
// since a single sandboxed run can run long enough that a caller needs
// partial output before completion.
func (a *Adapter) StreamExecute(ctx context.Context, p Payload, onChunk func(StreamChunk)) (ExecutionResult, error) {
	if len(p.Code) > MaxPayloadBytes {
		return ExecutionResult{}, ErrPayloadTooLarge
	}

	req := &hooks.Request{
		AgentID:     p.AgentID,
		TaskRef:     p.TaskRef,
		Method:      "tools/call",
		CodePayload: p.Code,
		ShellArgs:   p.ShellArgs,
	}
	if a.pipeline != nil {
		outcome := a.pipeline.Run(ctx, hooks.PreTool, req)
		if outcome.Kind == hooks.Halt {
			return ExecutionResult{}, fmt.Errorf("sandbox: pre-execution audit halted: %s", outcome.Reason)
		}
	}

	if !a.breaker.Allow(a.endpoint) {
		return ExecutionResult{}, fmt.Errorf("sandbox: collaborator circuit open for %s", a.endpoint)
	}

	wsURL := toWebsocketURL(a.endpoint)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		a.breaker.RecordFailure(a.endpoint)
		return ExecutionResult{}, fmt.Errorf("sandbox: collaborator stream dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(map[string]any{
		"agent_id":   p.AgentID,
		"task_ref":   p.TaskRef,
		"code":       p.Code,
		"shell_args": p.ShellArgs,
		"limits":     p.Limits,
	}); err != nil {
		a.breaker.RecordFailure(a.endpoint)
		return ExecutionResult{}, fmt.Errorf("sandbox: send stream request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			a.breaker.RecordFailure(a.endpoint)
			return ExecutionResult{}, ctx.Err()
		default:
		}

		var chunk StreamChunk
		if err := conn.ReadJSON(&chunk); err != nil {
			a.breaker.RecordFailure(a.endpoint)
			return ExecutionResult{}, fmt.Errorf("sandbox: read stream chunk: %w", err)
		}

		if chunk.Output != "" {
			truncated, wasTruncated := truncate(chunk.Output, a.maxOutput, a.keepHead, a.keepTail)
			if wasTruncated {
				logging.L(ctx).Warn("sandbox: stream chunk truncated", "agent_id", p.AgentID, "task_ref", p.TaskRef)
			}
			chunk.Output = truncated
			onChunk(chunk)
		}

		if chunk.Done {
			a.breaker.RecordSuccess(a.endpoint)
			if chunk.Result == nil {
				return ExecutionResult{}, fmt.Errorf("sandbox: stream ended without a final result")
			}
			result := *chunk.Result
			result.Output, result.Truncated = truncate(result.Output, a.maxOutput, a.keepHead, a.keepTail)
			return result, nil
		}
	}
}

// toWebsocketURL rewrites an http(s) collaborator endpoint to its
// ws(s) equivalent for the streaming path.
func toWebsocketURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}
