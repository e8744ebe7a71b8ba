// Package kernel wires every subsystem — transport, hook pipeline, MCE,
// Citadel, persona registry, sandbox adapter, request registry, audit
// log, telemetry heartbeat — into the single process described by
// spec.md: one stdio peer, one event loop, no preemption.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/shopspring/decimal"

	"github.com/apexsystems/apex-payroll-kernel/internal/audit"
	"github.com/apexsystems/apex-payroll-kernel/internal/citadel"
	"github.com/apexsystems/apex-payroll-kernel/internal/config"
	"github.com/apexsystems/apex-payroll-kernel/internal/hooks"
	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
	"github.com/apexsystems/apex-payroll-kernel/internal/mce"
	"github.com/apexsystems/apex-payroll-kernel/internal/memory"
	"github.com/apexsystems/apex-payroll-kernel/internal/metrics"
	"github.com/apexsystems/apex-payroll-kernel/internal/rpcstate"
	"github.com/apexsystems/apex-payroll-kernel/internal/sandbox"
	"github.com/apexsystems/apex-payroll-kernel/internal/soul"
	"github.com/apexsystems/apex-payroll-kernel/internal/telemetry"
	"github.com/apexsystems/apex-payroll-kernel/internal/traces"
	"github.com/apexsystems/apex-payroll-kernel/internal/transport"
)

// ExitError carries the process exit code a fatal condition maps to
// (spec.md §6 "Exit codes").
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string { return e.Reason }

// Kernel owns every subsystem handle for one process lifetime.
type Kernel struct {
	cfg    *config.Config
	logger *slog.Logger

	ledger    *mce.Engine
	prover    *citadel.Citadel
	pipeline  *hooks.Pipeline
	personas  *soul.Registry
	tools     *soul.ToolRegistry
	vector    *memory.Client
	sandbox   *sandbox.Adapter
	requests  *rpcstate.Registry
	auditLog  *audit.Log
	heartbeat *telemetry.Heartbeat

	transport *transport.Transport

	// inFlight gates concurrent handleRequest goroutines at
	// cfg.ConcurrencyCeil (spec.md §5): readLoop blocks acquiring a slot
	// before it reads the next frame, so the kernel genuinely stops
	// reading once the ceiling is reached rather than only notifying.
	inFlight chan struct{}

	timeoutFine decimal.Decimal
	flow        economicFlowAccumulator

	invalidFrames atomic.Int32

	cancelRun     context.CancelFunc
	metricsSrv    *http.Server
	traceShutdown func(context.Context) error
}

// New constructs a Kernel from cfg, opening the ledger and audit log
// under cfg.Root and performing a Citadel self-test before returning
// (spec.md §6 "exit code 3: Citadel unavailable at startup").
func New(cfg *config.Config, logger *slog.Logger) (*Kernel, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, &ExitError{Code: 1, Reason: fmt.Sprintf("kernel: creating APEX_ROOT: %v", err)}
	}

	bankFloor, err := decimal.NewFromString(cfg.BankFloor)
	if err != nil {
		return nil, &ExitError{Code: 1, Reason: fmt.Sprintf("kernel: invalid APEX_BANK_FLOOR: %v", err)}
	}

	timeoutFine, err := decimal.NewFromString(cfg.TimeoutFine)
	if err != nil {
		return nil, &ExitError{Code: 1, Reason: fmt.Sprintf("kernel: invalid APEX_TIMEOUT_FINE: %v", err)}
	}

	prover := citadel.New(
		citadel.WithTimeout(cfg.CitadelTimeout),
		citadel.WithCacheSize(cfg.CitadelCacheEntries),
	)
	if err := selfTestCitadel(prover); err != nil {
		return nil, &ExitError{Code: 3, Reason: fmt.Sprintf("kernel: citadel unavailable at startup: %v", err)}
	}

	engine, err := mce.Open(mce.Options{
		Root:      cfg.Root,
		Prover:    prover,
		BankFloor: bankFloor,
	})
	if err != nil {
		return nil, &ExitError{Code: 1, Reason: fmt.Sprintf("kernel: opening ledger: %v", err)}
	}

	auditLog, err := audit.Open(filepath.Join(cfg.Root, "audit.log"))
	if err != nil {
		return nil, &ExitError{Code: 1, Reason: fmt.Sprintf("kernel: opening audit log: %v", err)}
	}

	traceShutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, logger)
	if err != nil {
		return nil, &ExitError{Code: 1, Reason: fmt.Sprintf("kernel: initializing tracer: %v", err)}
	}

	vector := memory.New(cfg.VectorStoreEndpoint)
	pipeline := buildPipeline(engine, vector)
	personas := soul.NewRegistry(engine)
	tools := builtinToolRegistry()
	sb := sandbox.New(cfg.SandboxEndpoint, pipeline)

	k := &Kernel{
		cfg:       cfg,
		logger:    logger,
		ledger:    engine,
		prover:    prover,
		pipeline:  pipeline,
		personas:  personas,
		tools:     tools,
		vector:    vector,
		sandbox:   sb,
		requests:      rpcstate.NewRegistry(time.Duration(cfg.TTLSeconds) * time.Second),
		auditLog:      auditLog,
		traceShutdown: traceShutdown,
		inFlight:      make(chan struct{}, cfg.ConcurrencyCeil),
		timeoutFine:   timeoutFine,
	}
	k.heartbeat = telemetry.NewHeartbeat(k, k.emitTelemetry, cfg.HeartbeatInterval)

	if err := k.loadPersonas(context.Background()); err != nil {
		return nil, &ExitError{Code: 1, Reason: fmt.Sprintf("kernel: loading personas: %v", err)}
	}

	return k, nil
}

// selfTestCitadel proves a trivially-conserving delta to confirm the
// Citadel collaborator actually answers before the kernel commits to
// serving traffic.
func selfTestCitadel(prover *citadel.Citadel) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	verdict, err := prover.Prove(ctx, mce.ConservationDelta{
		BalancesBefore: map[string]string{"self_test": "0"},
		BankBefore:     "0",
		BalancesAfter:  map[string]string{"self_test": "0"},
		BankAfter:      "0",
	})
	if err != nil {
		return err
	}
	if verdict != mce.VerdictUnsat {
		return fmt.Errorf("self-test theorem did not resolve UNSAT (got %v)", verdict)
	}
	return nil
}

// builtinToolRegistry registers the kernel's fixed tool descriptors,
// gated per call by internal/soul's tier table.
func builtinToolRegistry() *soul.ToolRegistry {
	r := soul.NewToolRegistry()
	r.Register(mcp.Tool{Name: "read_file", Description: "Read a file's contents from the agent's workspace."})
	r.Register(mcp.Tool{Name: "list_dir", Description: "List files within a workspace directory."})
	r.Register(mcp.Tool{Name: "write_file", Description: "Write or overwrite a file in the agent's workspace."})
	r.Register(mcp.Tool{Name: "run_tests", Description: "Execute the workspace's test suite in the sandbox."})
	r.Register(mcp.Tool{Name: "shell_exec", Description: "Run a shell command in the sandbox."})
	r.Register(mcp.Tool{Name: "network_fetch", Description: "Fetch a URL from the sandbox, subject to network egress rules."})
	r.Register(mcp.Tool{Name: "spawn_subagent", Description: "Delegate a sub-task to a new agent persona."})
	return r
}

// buildPipeline assembles the kernel's deterministic hook chain
// (spec.md §4.3): PRE_PROMPT fiscal injection and memory retrieval,
// PRE_TOOL AST/shell/solvency/permission guards, POST_TOOL truncation
// and cognitive retry. Memory retrieval only runs when the vector store
// collaborator is configured, since a lookup against an empty endpoint
// never succeeds.
func buildPipeline(engine *mce.Engine, vector *memory.Client) *hooks.Pipeline {
	hs := []hooks.Hook{
		hooks.NewFiscalInjectionHook("fiscal_injection", 10, "prompts/*", engine),
	}
	if vector.Configured() {
		hs = append(hs, hooks.NewMemoryRetrievalHook("memory_retrieval", 11, "prompts/*", vector, 5))
	}
	hs = append(hs,
		hooks.NewASTGuard("python_ast_guard", 21, "tools/call", hooks.DefaultBlockedImports),
		hooks.NewShellGuard("shell_guard", 22, "tools/call"),
		hooks.NewSolvencyGuard("solvency_guard", 30, "tools/call", engine, nil),
		hooks.NewPermissionGuard("permission_guard", 31, "tools/call", engine, toolForRequest),
		hooks.NewTruncationHook("output_truncation", 60, "tools/call", 500, 50),
		hooks.NewCognitiveRetryHook("cognitive_retry", 61, "tools/call", engine, classifyToolFailure),
	)
	return hooks.New(hs)
}

// classifyToolFailure reads the exit status the tools/call handler
// stashes on req.Extra before the POST_TOOL pass to decide whether
// CognitiveRetryHook should charge a retry (spec.md §4.3 POST_TOOL
// phase). Security failures never reach here: ASTGuard/ShellGuard halt
// in PRE_TOOL, before the tool ever runs.
func classifyToolFailure(req *hooks.Request) (hooks.FailureKind, string) {
	if req.Extra == nil {
		return hooks.FailureNone, ""
	}
	if timedOut, _ := req.Extra["timed_out"].(bool); timedOut {
		return hooks.FailureTimeout, req.ToolOutput
	}
	exitCode, _ := req.Extra["exit_code"].(int)
	if exitCode != 0 {
		return hooks.FailureSyntaxError, req.ToolOutput
	}
	return hooks.FailureNone, ""
}

// toolForRequest recovers the tool name a PermissionGuard checks from a
// Request's Extra scratch map, populated by the tools/call handler
// before the pipeline runs.
func toolForRequest(req *hooks.Request) string {
	if req.Extra == nil {
		return ""
	}
	name, _ := req.Extra["tool_name"].(string)
	return name
}

// loadPersonas ingests every *.soul document under cfg.Root/personas at
// startup, registering any not-yet-known agent into the ledger with the
// persona's declared tier and base pay rate.
func (k *Kernel) loadPersonas(ctx context.Context) error {
	dir := filepath.Join(k.cfg.Root, "personas")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading persona directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".soul" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading persona %s: %w", entry.Name(), err)
		}
		persona, err := k.personas.Register(ctx, raw)
		if err != nil {
			return fmt.Errorf("registering persona %s: %w", entry.Name(), err)
		}
		if _, err := k.ledger.Snapshot(ctx, persona.Header.AgentID); err == mce.ErrAgentNotFound {
			if err := k.ledger.RegisterAgent(ctx, &mce.Agent{
				ID:          persona.Header.AgentID,
				Tier:        mce.Tier(persona.Header.Tier),
				DebtCeiling: decimalOrDefault(k.cfg.DebtCeiling),
				PersonaHash: persona.ContentHash,
				Econ: mce.EconomicParams{
					BasePayRate: persona.Header.BasePayRate,
				},
			}); err != nil {
				return fmt.Errorf("registering agent %s: %w", persona.Header.AgentID, err)
			}
		}
	}
	return nil
}

func decimalOrDefault(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Run starts the reaper, heartbeat, and read loop, blocking until the
// peer closes stdin, a signal arrives, or ctx is cancelled. It returns
// an *ExitError when the process should exit non-zero.
func (k *Kernel) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	k.cancelRun = cancel
	defer cancel()

	k.transport = transport.New(os.Stdin, os.Stdout, k.onBusy, k.onDrain).WithMaxFrameBytes(k.cfg.MaxFrameBytes)

	go k.requests.RunReaper(runCtx, k.cfg.ReaperInterval, k.onTimeout)
	go k.heartbeat.Run(runCtx)
	go metrics.StartRuntimeCollector(runCtx.Done(), 15*time.Second)
	if k.cfg.MetricsAddr != "" {
		k.startMetricsServer()
	}

	readErrCh := make(chan error, 1)
	go func() { readErrCh <- k.readLoop(runCtx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-readErrCh:
		runErr = err
	case sig := <-sigChan:
		k.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		k.logger.Info("context cancelled")
	}

	if shutdownErr := k.Shutdown(); shutdownErr != nil && runErr == nil {
		runErr = shutdownErr
	}
	return runErr
}

// Shutdown stops background goroutines and closes every owned handle.
func (k *Kernel) Shutdown() error {
	if k.cancelRun != nil {
		k.cancelRun()
	}
	if k.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.metricsSrv.Shutdown(shutdownCtx)
	}
	if err := k.auditLog.Close(); err != nil {
		k.logger.Error("audit log close failed", "error", err)
	}
	if k.traceShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := k.traceShutdown(shutdownCtx); err != nil {
			k.logger.Warn("tracer shutdown failed", "error", err)
		}
	}
	if err := k.ledger.Close(); err != nil {
		return fmt.Errorf("kernel: closing ledger: %w", err)
	}
	return nil
}

// onBusy/onDrain translate transport watermark crossings into
// notifications/busy frames (spec.md §4.1).
func (k *Kernel) onBusy() {
	k.writeNotification("notifications/busy", map[string]any{"state": "busy"})
}

func (k *Kernel) onDrain() {
	k.writeNotification("notifications/busy", map[string]any{"state": "drained"})
}

// onTimeout is the reaper's TimeoutHandler: it assesses a penalty
// against the responsible agent and emits notifications/cancelled
// (spec.md §4.2).
func (k *Kernel) onTimeout(ctx context.Context, entry rpcstate.Entry) {
	if _, err := k.ledger.Penalty(ctx, entry.AgentID, entry.Method, k.timeoutFine); err != nil {
		logging.L(ctx).Warn("timeout penalty assessment failed", "agent_id", entry.AgentID, "error", err)
	}
	k.writeNotification("notifications/cancelled", map[string]any{
		"request_id": entry.ID,
		"reason":     "ttl_expired",
	})
}

// economicFlowAccumulator tracks credited/debited APX for the telemetry
// window; Kernel's Sampler methods (sampler.go) read and reset it.
type economicFlowAccumulator struct {
	mu       sync.Mutex
	credited decimal.Decimal
	debited  decimal.Decimal
}

func (f *economicFlowAccumulator) credit(amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credited = f.credited.Add(amount)
}

func (f *economicFlowAccumulator) debit(amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debited = f.debited.Add(amount)
}

// drain returns the accumulated credit/debit totals and resets them,
// defining one telemetry window per call.
func (f *economicFlowAccumulator) drain() (credited, debited decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	credited, debited = f.credited, f.debited
	f.credited, f.debited = decimal.Zero, decimal.Zero
	return credited, debited
}
