package soul

import "github.com/mark3labs/mcp-go/mcp"

// ToolRegistry holds the kernel's tool descriptors, gated per call by
// the requesting agent's current tier (spec.md §4.6, §6 "tools/list").
// It borrows mcp-go's `mcp.Tool` wire shape (name, description,
// JSON-Schema input) so descriptors serialize in the same shape MCP
// clients already expect, without adopting mcp-go's own stdio server or
// dispatch loop — those are the kernel's own (internal/transport,
// internal/rpcstate).
type ToolRegistry struct {
	tools map[string]mcp.Tool
}

// NewToolRegistry builds an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]mcp.Tool)}
}

// Register adds a tool descriptor.
func (r *ToolRegistry) Register(tool mcp.Tool) {
	r.tools[tool.Name] = tool
}

// List returns every registered descriptor permitted for tier, per the
// tier→permission gating table (spec.md §4.6). Resolution happens here,
// at call time, not at registration time, since tier can change between
// calls.
func (r *ToolRegistry) List(tier string) []mcp.Tool {
	grant := GrantFor(tier)
	out := make([]mcp.Tool, 0, len(r.tools))
	for name, tool := range r.tools {
		if grant.ToolPermitted(name) {
			out = append(out, tool)
		}
	}
	return out
}

// Get returns the descriptor for name and whether tier is permitted to
// call it.
func (r *ToolRegistry) Get(name, tier string) (mcp.Tool, bool, bool) {
	tool, exists := r.tools[name]
	if !exists {
		return mcp.Tool{}, false, false
	}
	return tool, true, GrantFor(tier).ToolPermitted(name)
}
