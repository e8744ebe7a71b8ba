package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ShellGuard rejects shell command payloads containing path traversal,
// absolute access to sensitive roots, privilege-altering commands, or
// network egress tools absent an explicit NetworkGrant (spec.md §4.3
// PRE_TOOL phase).
type ShellGuard struct {
	base
	traversal  *regexp.Regexp
	sensitive  *regexp.Regexp
	privileged *regexp.Regexp
	network    *regexp.Regexp
}

func NewShellGuard(id string, priority int, pattern string) *ShellGuard {
	return &ShellGuard{
		base:       base{id: id, priority: priority, phase: PreTool, pattern: pattern},
		traversal:  regexp.MustCompile(`\.\.`),
		sensitive:  regexp.MustCompile(`(^|\s)/(etc|root|dev)(/|\s|$)`),
		privileged: regexp.MustCompile(`\b(chmod|chown|sudo|su)\b`),
		network:    regexp.MustCompile(`\b(curl|wget|nc|ping)\b`),
	}
}

func (g *ShellGuard) Execute(ctx context.Context, req *Request) (Outcome, error) {
	cmd := strings.Join(req.ShellArgs, " ")
	if cmd == "" {
		return ContinueOutcome(), nil
	}

	if g.traversal.MatchString(cmd) {
		return HaltOutcome(HaltSecurity, "path_traversal", nil), nil
	}
	if m := g.sensitive.FindString(cmd); m != "" {
		return HaltOutcome(HaltSecurity, fmt.Sprintf("sensitive_path:%s", strings.TrimSpace(m)), nil), nil
	}
	if m := g.privileged.FindString(cmd); m != "" {
		return HaltOutcome(HaltSecurity, fmt.Sprintf("privileged_command:%s", m), nil), nil
	}
	if m := g.network.FindString(cmd); m != "" && !req.NetworkGrant {
		return HaltOutcome(HaltSecurity, fmt.Sprintf("network_egress_denied:%s", m), nil), nil
	}
	return ContinueOutcome(), nil
}
