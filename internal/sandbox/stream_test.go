package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexsystems/apex-payroll-kernel/internal/hooks"
)

func newStreamingServer(t *testing.T, chunks []StreamChunk) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req map[string]any
		require.NoError(t, conn.ReadJSON(&req))

		for _, c := range chunks {
			require.NoError(t, conn.WriteJSON(c))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamExecute_ForwardsChunksAndReturnsFinalResult(t *testing.T) {
	srv := newStreamingServer(t, []StreamChunk{
		{Output: "line one\n"},
		{Output: "line two\n"},
		{Done: true, Result: &ExecutionResult{Output: "line one\nline two\n", ExitCode: 0}},
	})
	httpURL := "http" + strings.TrimPrefix(srv.URL, "http")
	a := New(httpURL, nil)

	var collected []string
	result, err := a.StreamExecute(context.Background(), Payload{AgentID: "agent_R"}, func(c StreamChunk) {
		collected = append(collected, c.Output)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Len(t, collected, 2)
	assert.Equal(t, "line one\n", collected[0])
}

func TestStreamExecute_PayloadTooLargeRejected(t *testing.T) {
	a := New("http://unused", nil)
	_, err := a.StreamExecute(context.Background(), Payload{Code: strings.Repeat("x", MaxPayloadBytes+1)}, func(StreamChunk) {})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestStreamExecute_PreToolAuditHalts(t *testing.T) {
	guard := hooks.NewASTGuard("ast_guard", 25, "*", hooks.DefaultBlockedImports)
	pipeline := hooks.New([]hooks.Hook{guard})
	a := New("http://unused", pipeline)

	_, err := a.StreamExecute(context.Background(), Payload{Code: "import os\n"}, func(StreamChunk) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pre-execution audit halted")
}

func TestToWebsocketURL_RewritesScheme(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/sandbox", toWebsocketURL("http://localhost:8080/sandbox"))
	assert.Equal(t, "wss://example.com/sandbox", toWebsocketURL("https://example.com/sandbox"))
}
