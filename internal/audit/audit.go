// Package audit implements the append-only audit log (spec.md §4.8):
// one record per request, chained by the same SHA-256 hash scheme the
// ledger WAL uses (internal/meroot), so tampering with history is
// detectable by re-verification from genesis independently of the
// ledger's own chain.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
	"github.com/apexsystems/apex-payroll-kernel/internal/meroot"
)

// HookOutcome is one hook's contribution to a request's audit trail.
type HookOutcome struct {
	HookID    string `json:"hook_id"`
	Phase     string `json:"phase"`
	Kind      string `json:"kind"` // continue, halt, async_wait
	Reason    string `json:"reason,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Record is one append-only audit entry (spec.md §4.8: "trace id,
// request id, agent id, hook-chain outcomes per hook, ledger transaction
// ids, and timing").
type Record struct {
	TraceID      string        `json:"trace_id"`
	RequestID    string        `json:"request_id"`
	AgentID      string        `json:"agent_id"`
	Method       string        `json:"method"`
	HookOutcomes []HookOutcome `json:"hook_outcomes"`
	LedgerTxIDs  []string      `json:"ledger_tx_ids,omitempty"`
	TimestampUTC time.Time     `json:"timestamp"`
	DurationMs   int64         `json:"duration_ms"`
	PrevDigest   string        `json:"prev_hash"`
	Digest       string        `json:"checksum"`
}

func (r Record) PrevHash() string { return r.PrevDigest }
func (r Record) Checksum() string { return r.Digest }

func (r Record) unchecksummed() any {
	return struct {
		TraceID      string        `json:"trace_id"`
		RequestID    string        `json:"request_id"`
		AgentID      string        `json:"agent_id"`
		Method       string        `json:"method"`
		HookOutcomes []HookOutcome `json:"hook_outcomes"`
		LedgerTxIDs  []string      `json:"ledger_tx_ids,omitempty"`
		TimestampUTC time.Time     `json:"timestamp"`
		DurationMs   int64         `json:"duration_ms"`
	}{r.TraceID, r.RequestID, r.AgentID, r.Method, r.HookOutcomes, r.LedgerTxIDs, r.TimestampUTC, r.DurationMs}
}

// ringBufferCapacity bounds the degrade-to-memory fallback when the
// audit file becomes unwritable (spec.md §7 Propagation policy: a
// telemetry failure never blocks a response).
const ringBufferCapacity = 4096

// Log is the append-only, hash-chained audit log. Writes are
// best-effort: an I/O failure degrades to an in-memory ring buffer
// rather than blocking or failing the request the record describes.
type Log struct {
	mu         sync.Mutex
	path       string
	f          *os.File
	w          *bufio.Writer
	lastDigest string
	degraded   bool
	ring       []Record
	ringHead   int
	ringFull   bool
}

// Open opens (creating if needed) the audit log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	last, err := lastDigestOf(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Log{
		path:       path,
		f:          f,
		w:          bufio.NewWriter(f),
		lastDigest: last,
		ring:       make([]Record, ringBufferCapacity),
	}, nil
}

// lastDigestOf scans an existing log file for its final record's
// checksum, so a restarted kernel continues the same chain instead of
// resetting to genesis.
func lastDigestOf(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return meroot.Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: read existing log: %w", err)
	}
	defer func() { _ = f.Close() }()

	last := meroot.Genesis
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		last = rec.Digest
	}
	return last, nil
}

// Append computes rec's chained digest and writes it, falling back to
// the in-memory ring buffer on any I/O error.
func (l *Log) Append(ctx context.Context, rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.PrevDigest = l.lastDigest
	sum, err := meroot.Checksum(l.lastDigest, rec.unchecksummed())
	if err != nil {
		logging.L(ctx).Error("audit: failed to compute record checksum", "error", err)
		return
	}
	rec.Digest = sum

	if !l.degraded {
		raw, err := json.Marshal(rec)
		if err == nil {
			_, werr := l.w.Write(append(raw, '\n'))
			if werr == nil {
				werr = l.w.Flush()
			}
			if werr == nil {
				l.lastDigest = sum
				return
			}
			err = werr
		}
		l.degraded = true
		logging.L(ctx).Warn("audit: log write failed, degrading to in-memory ring buffer", "error", err)
	}

	l.ring[l.ringHead] = rec
	l.ringHead = (l.ringHead + 1) % ringBufferCapacity
	if l.ringHead == 0 {
		l.ringFull = true
	}
	l.lastDigest = sum
}

// Degraded reports whether the log has fallen back to the ring buffer.
func (l *Log) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// RecentRecords returns the records currently held in the in-memory
// ring buffer, oldest first. It is empty unless the log has degraded at
// least once (spec.md §6 supplement: `system://logs/{level}` is served
// from this same ring buffer, so a misbehaving sink never starves it).
func (l *Log) RecentRecords() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ringFull {
		out := make([]Record, l.ringHead)
		copy(out, l.ring[:l.ringHead])
		return out
	}
	out := make([]Record, 0, ringBufferCapacity)
	out = append(out, l.ring[l.ringHead:]...)
	out = append(out, l.ring[:l.ringHead]...)
	return out
}

// Level classifies a Record for system://logs/{level} filtering: a
// record whose hook chain halted surfaces as "warn", otherwise "info".
func (r Record) Level() string {
	for _, outcome := range r.HookOutcomes {
		if outcome.Kind == "halt" {
			return "warn"
		}
	}
	return "info"
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		_ = l.w.Flush()
	}
	return l.f.Close()
}

// VerifyChain re-reads path from genesis and confirms every record's
// checksum commits to the previous record's, per meroot's chain scheme
// (spec.md §8 invariant 3: the audit log's tamper-detection must be
// testable).
func VerifyChain(path string) (bool, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, -1, fmt.Errorf("audit: open for verification: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return false, len(records), fmt.Errorf("audit: decode record: %w", err)
		}
		records = append(records, rec)
	}
	ok, idx := meroot.Verify(records, func(r Record) any { return r.unchecksummed() })
	return ok, idx, nil
}
