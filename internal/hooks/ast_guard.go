package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ASTGuard rejects code payloads containing a configured import
// blocklist, any call to eval/exec/compile/getattr/setattr, or
// dunder-chain attribute access (spec.md §4.3 PRE_TOOL phase). Calls are
// matched by name alone: the arguments are not inspected, so a call with
// a literal argument is rejected the same as one with a dynamic argument.
//
// "AST analysis" here is implemented with Go's regexp package, which
// compiles to RE2 and is non-backtracking by construction — exactly the
// O(n) guarantee spec.md requires — so no third-party parsing library is
// needed for this guard; a real per-language AST walk is a natural
// future replacement behind the same Hook interface.
type ASTGuard struct {
	base
	blockedImports []string
	callPattern    *regexp.Regexp
	dunderPattern  *regexp.Regexp
	importPattern  *regexp.Regexp
}

// DefaultBlockedImports is spec.md's default import blocklist.
var DefaultBlockedImports = []string{"os", "subprocess", "socket", "requests", "ctypes"}

// NewASTGuard constructs the PRE_TOOL AST guard at the given priority
// (21-50) for methods matching pattern (e.g. "tools/call").
func NewASTGuard(id string, priority int, pattern string, blockedImports []string) *ASTGuard {
	if blockedImports == nil {
		blockedImports = DefaultBlockedImports
	}
	return &ASTGuard{
		base:           base{id: id, priority: priority, phase: PreTool, pattern: pattern},
		blockedImports: blockedImports,
		callPattern:    regexp.MustCompile(`\b(eval|exec|compile|getattr|setattr)\s*\(`),
		dunderPattern:  regexp.MustCompile(`__(subclasses|globals|builtins|mro)__`),
		importPattern:  regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][\w.]*)`),
	}
}

func (g *ASTGuard) Execute(ctx context.Context, req *Request) (Outcome, error) {
	code := req.CodePayload
	if code == "" {
		return ContinueOutcome(), nil
	}

	if m := g.importPattern.FindAllStringSubmatch(code, -1); m != nil {
		for _, match := range m {
			module := match[1]
			for _, blocked := range g.blockedImports {
				if module == blocked || strings.Contains(module, blocked) {
					return HaltOutcome(HaltSecurity,
						fmt.Sprintf("blocked_import:%s", blocked), nil), nil
				}
			}
		}
	}

	if g.callPattern.MatchString(code) {
		call := g.callPattern.FindString(code)
		return HaltOutcome(HaltSecurity, fmt.Sprintf("dynamic_call:%s", strings.TrimRight(call, "( ")), nil), nil
	}

	if g.dunderPattern.MatchString(code) {
		return HaltOutcome(HaltSecurity, fmt.Sprintf("dunder_access:%s", g.dunderPattern.FindString(code)), nil), nil
	}

	return ContinueOutcome(), nil
}
