package mce

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apexsystems/apex-payroll-kernel/internal/meroot"
	"github.com/apexsystems/apex-payroll-kernel/internal/metrics"
)

// walRecord is one WAL line: either a single transaction or a grouped
// multi-step commit (escrow + reward + tax in one atomic record, per
// spec.md §4.4 Atomicity).
type walRecord struct {
	Txns []Transaction `json:"txns"`
}

// wal appends transaction groups to a newline-delimited log file, flushing
// with an explicit Sync() call after every append (spec.md §4.4 Durability).
// An advisory file lock, held for the process lifetime, serialises writers
// (spec.md §4.4 Isolation; spec.md §5 cross-process durability).
type wal struct {
	path string
	f    *os.File
}

func openWAL(root string) (*wal, error) {
	path := filepath.Join(root, "ledger.wal")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if err := acquireAdvisoryLock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("mce: acquiring WAL lock: %w", err)
	}
	return &wal{path: path, f: f}, nil
}

// Append writes one grouped WAL record and fsyncs before returning, so the
// record survives a crash before the in-memory ledger is mutated.
func (w *wal) Append(txns []Transaction) error {
	start := time.Now()
	defer func() { metrics.LedgerFsyncLatency.Observe(time.Since(start).Seconds()) }()

	raw, err := json.Marshal(walRecord{Txns: txns})
	if err != nil {
		return err
	}
	if _, err := w.f.Write(append(raw, '\n')); err != nil {
		return err
	}
	return w.f.Sync()
}

// Replay reads every WAL record from the file, in order. Callers apply
// them to an in-memory ledger starting from the last checkpoint.
func (w *wal) Replay() ([][]Transaction, error) {
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(w.f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var groups [][]Transaction
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("mce: corrupt WAL record: %w", err)
		}
		groups = append(groups, rec.Txns)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if _, err := w.f.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return groups, nil
}

// Truncate resets the WAL to empty, called by the checkpoint writer after
// a full document snapshot has been durably written.
func (w *wal) Truncate() error {
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	_, err := w.f.Seek(0, io.SeekStart)
	return err
}

func (w *wal) Close() error {
	return w.f.Close()
}

// VerifyChain checks that every transaction in the supplied history forms
// an unbroken SHA-256 hash chain (spec.md §8 invariant 3).
func VerifyChain(history []Transaction) (bool, int) {
	return meroot.Verify(history, func(t Transaction) any { return t.unchecksummed() })
}
