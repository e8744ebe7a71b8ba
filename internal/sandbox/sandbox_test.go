package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T, result ExecutionResult) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_PayloadTooLargeRejected(t *testing.T) {
	a := New("http://unused", nil)
	_, err := a.Execute(context.Background(), Payload{Code: strings.Repeat("x", MaxPayloadBytes+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestExecute_DispatchesToCollaborator(t *testing.T) {
	srv := newEchoServer(t, ExecutionResult{Output: "ok", ExitCode: 0})
	a := New(srv.URL, nil)

	result, err := a.Execute(context.Background(), Payload{AgentID: "agent_R", Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecute_TruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("a", 200)
	srv := newEchoServer(t, ExecutionResult{Output: long})
	a := New(srv.URL, nil, WithMaxOutput(100, 40, 40))

	result, err := a.Execute(context.Background(), Payload{AgentID: "agent_R"})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Less(t, len(result.Output), len(long))
	assert.Contains(t, result.Output, "--- truncated ---")
}

func TestTruncate_UnderLimitUnchanged(t *testing.T) {
	out, truncated := truncate("short", 100, 10, 10)
	assert.False(t, truncated)
	assert.Equal(t, "short", out)
}
