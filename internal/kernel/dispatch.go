package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apexsystems/apex-payroll-kernel/internal/audit"
	"github.com/apexsystems/apex-payroll-kernel/internal/hooks"
	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
	"github.com/apexsystems/apex-payroll-kernel/internal/mce"
	"github.com/apexsystems/apex-payroll-kernel/internal/rpcstate"
	"github.com/apexsystems/apex-payroll-kernel/internal/sandbox"
	"github.com/apexsystems/apex-payroll-kernel/internal/soul"
	"github.com/apexsystems/apex-payroll-kernel/internal/telemetry"
	"github.com/apexsystems/apex-payroll-kernel/internal/traces"
	"github.com/apexsystems/apex-payroll-kernel/internal/transport"
)

// readLoop is the kernel's single read task: it decodes one frame at a
// time and dispatches requests to their own goroutine, since responses
// may be emitted in any order (spec.md §5 "Ordering guarantees").
func (k *Kernel) readLoop(ctx context.Context) error {
	for {
		raw, err := k.transport.ReadFrame()
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				k.writeErrorEnvelope(nil, rpcstate.NewError(rpcstate.InternalError, "", ""))
				if k.noteInvalidFrame() {
					return &ExitError{Code: 2, Reason: "peer protocol violation: oversized frame threshold exceeded"}
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kernel: reading frame: %w", err)
		}
		if len(raw) == 0 {
			continue
		}

		env, kind := rpcstate.Decode(raw)
		if kind == rpcstate.KindInvalid {
			k.writeErrorEnvelope(nil, rpcstate.NewError(rpcstate.ParseError, "", ""))
			if k.noteInvalidFrame() {
				return &ExitError{Code: 2, Reason: "peer protocol violation: consecutive invalid frame threshold exceeded"}
			}
			continue
		}
		k.invalidFrames.Store(0)

		if kind != rpcstate.KindRequest {
			continue
		}

		// Acquiring a slot before reading the next frame is the actual
		// concurrency gate (spec.md §5): once ConcurrencyCeil requests are
		// in flight, this blocks and the kernel genuinely stops reading
		// until a handler finishes and frees a slot.
		select {
		case k.inFlight <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		go func(env rpcstate.Envelope) {
			defer func() { <-k.inFlight }()
			k.handleRequest(ctx, env)
		}(env)
	}
}

// noteInvalidFrame increments the consecutive-invalid-frame counter and
// reports whether it has reached the configured threshold (spec.md §6
// "exit code 2").
func (k *Kernel) noteInvalidFrame() bool {
	return int(k.invalidFrames.Add(1)) >= k.cfg.MaxInvalidFrames
}

// handleRequest registers, pipelines, and resolves one inbound request,
// writing exactly one terminal response frame.
func (k *Kernel) handleRequest(ctx context.Context, env rpcstate.Envelope) {
	traceID := uuid.NewString()
	requestID := string(env.ID)
	ctx = logging.WithTraceID(ctx, traceID)
	ctx = logging.WithRequestID(ctx, requestID)

	ctx, span := traces.StartSpan(ctx, "kernel.dispatch",
		traces.TraceID(traceID), traces.RequestID(requestID), traces.Method(env.Method))
	defer span.End()

	start := time.Now()
	var owner struct {
		AgentID string `json:"agent_id"`
	}
	_ = json.Unmarshal(env.Params, &owner)
	if err := k.requests.Register(requestID, owner.AgentID, env.Method); err != nil {
		k.writeErrorEnvelope(env.ID, rpcstate.NewError(rpcstate.InvalidRequest, traceID, ""))
		return
	}
	defer k.requests.Resolve(requestID, rpcstate.StatusCompleted)

	ctx, trail := withAuditTrail(ctx)
	result, rpcErr := k.dispatchMethod(ctx, env)
	duration := time.Since(start)

	agentID, hookOutcomes, txIDs := trail.snapshot()
	k.auditLog.Append(ctx, audit.Record{
		TraceID:      traceID,
		RequestID:    requestID,
		AgentID:      agentID,
		Method:       env.Method,
		HookOutcomes: hookOutcomes,
		LedgerTxIDs:  txIDs,
		TimestampUTC: start.UTC(),
		DurationMs:   duration.Milliseconds(),
	})

	if rpcErr != nil {
		rpcErr.Data = &rpcstate.ErrorData{TraceID: traceID}
		k.writeErrorEnvelope(env.ID, rpcErr)
		return
	}
	k.writeResultEnvelope(env.ID, result)
}

// dispatchMethod routes to the concrete handler for one of the external
// methods in spec.md §6.
func (k *Kernel) dispatchMethod(ctx context.Context, env rpcstate.Envelope) (any, *rpcstate.Error) {
	switch env.Method {
	case "initialize":
		return k.handleInitialize(), nil
	case "tools/list":
		return k.handleToolsList(env.Params)
	case "tools/call":
		return k.handleToolsCall(ctx, env.Params)
	case "resources/read":
		return k.handleResourcesRead(ctx, env.Params)
	case "prompts/get":
		return k.handlePromptsGet(ctx, env.Params)
	case "rfp/bond":
		return k.handleRFPBond(ctx, env.Params)
	case "rfp/royalty":
		return k.handleRFPRoyalty(ctx, env.Params)
	default:
		return nil, rpcstate.NewError(rpcstate.MethodNotFound, "", "")
	}
}

func (k *Kernel) handleInitialize() map[string]any {
	return map[string]any{
		"capabilities": map[string]bool{
			"tools":     true,
			"resources": true,
			"prompts":   true,
		},
	}
}

type toolsListParams struct {
	Tier string `json:"tier"`
}

func (k *Kernel) handleToolsList(params json.RawMessage) (any, *rpcstate.Error) {
	var p toolsListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
		}
	}
	return k.tools.List(p.Tier), nil
}

type toolCallParams struct {
	AgentID    string         `json:"agent_id"`
	TaskRef    string         `json:"task_ref"`
	Name       string         `json:"name"`
	Code       string         `json:"code"`
	ShellArgs  []string       `json:"shell_args"`
	Complexity mce.Complexity `json:"complexity"`
	Tokens     toolCallTokens `json:"tokens"`
	Limits     sandbox.Limits `json:"limits"`
}

type toolCallTokens struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Benchmark int64 `json:"benchmark"`
}

func (k *Kernel) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *rpcstate.Error) {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}

	trail := auditTrailFrom(ctx)
	trail.setAgentID(p.AgentID)

	agent, err := k.ledger.Snapshot(ctx, p.AgentID)
	if err != nil {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}
	tier := string(agent.EffectiveTier())

	_, exists, permitted := k.tools.Get(p.Name, tier)
	if !exists {
		return nil, rpcstate.NewError(rpcstate.MethodNotFound, "", "")
	}
	if !permitted {
		return nil, rpcstate.NewError(rpcstate.SandboxEscapeAttempt, "", "permission_guard")
	}
	if !soul.GrantFor(tier).ComplexityPermitted(p.Complexity) {
		return nil, rpcstate.NewError(rpcstate.SandboxEscapeAttempt, "", "permission_guard")
	}

	preReq := &hooks.Request{
		AgentID:     p.AgentID,
		TaskRef:     p.TaskRef,
		Method:      "tools/call",
		CodePayload: p.Code,
		ShellArgs:   p.ShellArgs,
		Extra:       map[string]any{"tool_name": p.Name},
	}
	outcome := k.pipeline.Run(ctx, hooks.PreTool, preReq)
	trail.recordHooks(preReq.Trail)
	if outcome.Kind == hooks.Halt {
		return nil, haltToRPCError(outcome)
	}

	code := p.Code
	var result sandbox.ExecutionResult
	for attempt := 0; ; attempt++ {
		r, err := k.sandbox.Execute(ctx, sandbox.Payload{
			AgentID:   p.AgentID,
			TaskRef:   p.TaskRef,
			Code:      code,
			ShellArgs: p.ShellArgs,
			Limits:    p.Limits,
		})
		if err != nil {
			return nil, rpcstate.NewError(rpcstate.InternalError, "", "")
		}
		result = r

		postReq := &hooks.Request{
			AgentID:    p.AgentID,
			TaskRef:    p.TaskRef,
			Method:     "tools/call",
			ToolOutput: result.Output,
			RetryCount: attempt,
			Extra: map[string]any{
				"exit_code": result.ExitCode,
				"timed_out": result.TimedOut,
			},
		}
		outcome = k.pipeline.Run(ctx, hooks.PostTool, postReq)
		trail.recordHooks(postReq.Trail)
		trail.recordTxIDs(postReq.LedgerTxIDs)
		result.Output = postReq.ToolOutput

		if outcome.Kind == hooks.AsyncWait && attempt == 0 {
			retryPrompt, _ := postReq.Extra["retry_prompt"].(string)
			code = fmt.Sprintf("%s\n# %s", p.Code, retryPrompt)
			continue
		}
		break
	}

	merit, err := k.ledger.TaskReward(ctx, p.AgentID, p.TaskRef, mce.MeritInput{
		BasePayRate:  agent.Econ.BasePayRate,
		Complexity:   p.Complexity,
		Streak:       agent.Streak,
		InputTokens:  p.Tokens.Input,
		OutputTokens: p.Tokens.Output,
		Benchmark:    p.Tokens.Benchmark,
	}, mce.TaskScoreInput{
		Success:         result.ExitCode == 0 && !result.TimedOut,
		BenchmarkTokens: p.Tokens.Benchmark,
		ActualTokens:    p.Tokens.Input + p.Tokens.Output,
	})
	if err != nil {
		return nil, rpcstate.NewError(rpcstate.CitadelFailure, "", "")
	}
	trail.recordTxIDs(merit.TxIDs)
	if merit.Payout.IsPositive() {
		k.flow.credit(merit.Payout)
	} else if merit.Payout.IsNegative() {
		k.flow.debit(merit.Payout.Abs())
	}

	return map[string]any{
		"output":    result.Output,
		"exit_code": result.ExitCode,
		"timed_out": result.TimedOut,
		"truncated": result.Truncated,
		"payout":    merit.Payout.String(),
	}, nil
}

// haltToRPCError maps a pipeline Halt outcome to the wire error
// taxonomy (spec.md §7).
func haltToRPCError(outcome hooks.Outcome) *rpcstate.Error {
	switch outcome.HaltKind {
	case hooks.HaltSecurity:
		return rpcstate.NewError(rpcstate.SandboxEscapeAttempt, "", outcome.Reason)
	case hooks.HaltResource:
		return rpcstate.NewError(rpcstate.FiscalInsolvency, "", outcome.Reason)
	default:
		return rpcstate.NewError(rpcstate.ProtocolViolation, "", outcome.Reason)
	}
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (k *Kernel) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, *rpcstate.Error) {
	var p resourceReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}
	return readResource(ctx, k, p.URI)
}

type promptsGetParams struct {
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables"`
}

func (k *Kernel) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, *rpcstate.Error) {
	var p promptsGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}

	persona, ok := k.personas.Lookup(p.Name)
	if !ok {
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
	}

	trail := auditTrailFrom(ctx)
	trail.setAgentID(p.Name)

	req := &hooks.Request{AgentID: p.Name, Method: "prompts/get", Prompt: persona.Body}
	k.pipeline.Run(ctx, hooks.PrePrompt, req)
	trail.recordHooks(req.Trail)
	footer := strings.TrimPrefix(req.Prompt, persona.Body)

	values := promptValues(p.Variables)
	return map[string]any{"text": persona.Substitute(ctx, values) + footer}, nil
}

func promptValues(vars map[string]string) soul.Values {
	return soul.Values{
		Balance:        vars["balance"],
		Streak:         vars["streak"],
		DebtWarning:    vars["debt_warning"],
		ContextSummary: vars["context_summary"],
	}
}

// writeNotification sends a method-only (no id) JSON-RPC frame.
func (k *Kernel) writeNotification(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  json.RawMessage(raw),
	})
	if err != nil {
		return
	}
	if err := k.transport.WriteFrame(frame); err != nil {
		k.logger.Warn("failed to write notification frame", "method", method, "error", err)
	}
}

func (k *Kernel) writeResultEnvelope(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		k.writeErrorEnvelope(id, rpcstate.NewError(rpcstate.InternalError, "", ""))
		return
	}
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"result":  json.RawMessage(raw),
	})
	if err != nil {
		return
	}
	if err := k.transport.WriteFrame(frame); err != nil {
		k.logger.Warn("failed to write result frame", "error", err)
	}
}

func (k *Kernel) writeErrorEnvelope(id json.RawMessage, rpcErr *rpcstate.Error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error":   rpcErr,
	})
	if err != nil {
		return
	}
	if err := k.transport.WriteFrame(frame); err != nil {
		k.logger.Warn("failed to write error frame", "error", err)
	}
}

// emitTelemetry wires a telemetry.Snapshot to notifications/telemetry.
func (k *Kernel) emitTelemetry(snap telemetry.Snapshot) {
	k.writeNotification("notifications/telemetry", snap)
}
