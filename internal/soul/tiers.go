package soul

import "github.com/apexsystems/apex-payroll-kernel/internal/mce"

// TierGrant is one row of the tier→permission gating table (spec.md
// §4.6: "table-driven novice..master → allowed tool sets and complexity
// access").
type TierGrant struct {
	ToolsAllowed     []string
	ComplexityAccess []mce.Complexity
}

// tierTable is resolved at PRE_TOOL time, never at parse time, because
// an agent's tier can change (promotion, bankruptcy demotion) between
// calls — see internal/mce bankruptcy.go and hooks.PermissionGuard.
// ComplexityAccess uses the same RFP complexity vocabulary the merit
// formula does (internal/mce/merit.go Complexity), so a tool-call's
// declared complexity can be checked against it directly.
var tierTable = map[string]TierGrant{
	"novice": {
		ToolsAllowed:     []string{"read_file", "list_dir"},
		ComplexityAccess: []mce.Complexity{mce.ComplexitySimple},
	},
	"established": {
		ToolsAllowed:     []string{"read_file", "list_dir", "write_file", "run_tests"},
		ComplexityAccess: []mce.Complexity{mce.ComplexitySimple, mce.ComplexityMedium},
	},
	"advanced": {
		ToolsAllowed:     []string{"read_file", "list_dir", "write_file", "run_tests", "shell_exec"},
		ComplexityAccess: []mce.Complexity{mce.ComplexitySimple, mce.ComplexityMedium, mce.ComplexityComplex},
	},
	"expert": {
		ToolsAllowed:     []string{"read_file", "list_dir", "write_file", "run_tests", "shell_exec", "network_fetch"},
		ComplexityAccess: []mce.Complexity{mce.ComplexitySimple, mce.ComplexityMedium, mce.ComplexityComplex, mce.ComplexityExpert},
	},
	"master": {
		ToolsAllowed:     []string{"read_file", "list_dir", "write_file", "run_tests", "shell_exec", "network_fetch", "spawn_subagent"},
		ComplexityAccess: []mce.Complexity{mce.ComplexitySimple, mce.ComplexityMedium, mce.ComplexityComplex, mce.ComplexityExpert},
	},
}

// GrantFor resolves a tier name's current permissions. An unrecognised
// tier (corrupt persona, or a tier demoted past novice) resolves to the
// novice grant — the narrowest, fail-safe default.
func GrantFor(tier string) TierGrant {
	if g, ok := tierTable[tier]; ok {
		return g
	}
	return tierTable["novice"]
}

// ToolPermitted reports whether tool is in tier's allowed set.
func (g TierGrant) ToolPermitted(tool string) bool {
	for _, t := range g.ToolsAllowed {
		if t == tool {
			return true
		}
	}
	return false
}

// ComplexityPermitted reports whether complexity is within tier's
// reach.
func (g TierGrant) ComplexityPermitted(complexity mce.Complexity) bool {
	for _, c := range g.ComplexityAccess {
		if c == complexity {
			return true
		}
	}
	return false
}
