package soul

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistry_ListFiltersByTier(t *testing.T) {
	r := NewToolRegistry()
	r.Register(mcp.Tool{Name: "read_file", Description: "read a file"})
	r.Register(mcp.Tool{Name: "shell_exec", Description: "run a shell command"})

	novice := r.List("novice")
	assert.Len(t, novice, 1)
	assert.Equal(t, "read_file", novice[0].Name)

	advanced := r.List("advanced")
	names := map[string]bool{}
	for _, tool := range advanced {
		names[tool.Name] = true
	}
	assert.True(t, names["shell_exec"])
}

func TestToolRegistry_GetReportsPermission(t *testing.T) {
	r := NewToolRegistry()
	r.Register(mcp.Tool{Name: "shell_exec", Description: "run a shell command"})

	_, exists, permitted := r.Get("shell_exec", "novice")
	require.True(t, exists)
	assert.False(t, permitted)

	_, exists, permitted = r.Get("shell_exec", "advanced")
	require.True(t, exists)
	assert.True(t, permitted)
}

func TestToolRegistry_GetUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	_, exists, _ := r.Get("nonexistent", "master")
	assert.False(t, exists)
}
