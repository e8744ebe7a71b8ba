package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(requestID string) Record {
	return Record{
		TraceID:   "trace-1",
		RequestID: requestID,
		AgentID:   "agent_R",
		Method:    "tools/call",
		HookOutcomes: []HookOutcome{
			{HookID: "ast_guard", Phase: "PRE_TOOL", Kind: "continue", LatencyMs: 1},
		},
		TimestampUTC: time.Unix(0, 0).UTC(),
		DurationMs:   12,
	}
}

func TestAppend_ChainsDigests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	l.Append(context.Background(), sampleRecord("req-1"))
	l.Append(context.Background(), sampleRecord("req-2"))

	ok, idx, err := VerifyChain(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1, idx)
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	l.Append(context.Background(), sampleRecord("req-1"))
	l.Append(context.Background(), sampleRecord("req-2"))
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, raw[start:i])
			start = i + 1
		}
	}
	var rec Record
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	rec.AgentID = "tampered_agent"
	tampered, err := json.Marshal(rec)
	require.NoError(t, err)
	lines[0] = tampered

	var out []byte
	for _, line := range lines {
		out = append(out, line...)
		out = append(out, '\n')
	}
	require.NoError(t, os.WriteFile(path, out, 0o644))

	ok, idx, err := VerifyChain(path)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, idx)
}

func TestOpen_ResumesChainFromExistingLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	l1, err := Open(path)
	require.NoError(t, err)
	l1.Append(context.Background(), sampleRecord("req-1"))
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	l2.Append(context.Background(), sampleRecord("req-2"))
	require.NoError(t, l2.Close())

	ok, idx, err := VerifyChain(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1, idx)
}

func TestAppend_DegradesToRingBufferOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.f.Close())
	l.Append(context.Background(), sampleRecord("req-1"))
	assert.True(t, l.Degraded())
}

func TestRecentRecords_EmptyUntilDegraded(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	defer l.Close()

	l.Append(context.Background(), sampleRecord("req-1"))
	assert.Empty(t, l.RecentRecords())

	require.NoError(t, l.f.Close())
	l.Append(context.Background(), sampleRecord("req-2"))

	recent := l.RecentRecords()
	require.Len(t, recent, 1)
	assert.Equal(t, "req-2", recent[0].RequestID)
}

func TestRecentRecords_WrapsRingBuffer(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.f.Close())

	for i := 0; i < ringBufferCapacity+3; i++ {
		l.Append(context.Background(), sampleRecord("req"))
	}

	recent := l.RecentRecords()
	assert.Len(t, recent, ringBufferCapacity)
}

func TestRecord_Level(t *testing.T) {
	clean := sampleRecord("req-1")
	assert.Equal(t, "info", clean.Level())

	halted := sampleRecord("req-2")
	halted.HookOutcomes = append(halted.HookOutcomes, HookOutcome{HookID: "solvency_guard", Phase: "PRE_TOOL", Kind: "halt"})
	assert.Equal(t, "warn", halted.Level())
}
