package hooks

import "strings"

// matchMethod implements the pipeline's method pattern matching: "*"
// matches anything, a trailing "/*" matches a literal prefix, anything
// else must match exactly.
func matchMethod(pattern, method string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(method, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == method
}

// base is embedded by every built-in hook to satisfy the Hook interface's
// identity and scheduling fields without repeating boilerplate.
type base struct {
	id       string
	priority int
	phase    Phase
	pattern  string
}

func (b base) ID() string         { return b.id }
func (b base) Priority() int      { return b.priority }
func (b base) Phase() Phase       { return b.phase }
func (b base) Matches(m string) bool { return matchMethod(b.pattern, m) }
