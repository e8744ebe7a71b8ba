package soul

import (
	"context"
	"strings"

	"github.com/apexsystems/apex-payroll-kernel/internal/logging"
)

// knownPlaceholders is the fixed substitution set (spec.md §4.6:
// "Substitution is non-recursive and uses a fixed placeholder set").
var knownPlaceholders = map[string]bool{
	"{{BALANCE}}":         true,
	"{{STREAK}}":          true,
	"{{DEBT_WARNING}}":    true,
	"{{CONTEXT_SUMMARY}}": true,
}

// placeholderSpan is a pre-indexed occurrence of a placeholder token in
// a persona body, so prompt assembly substitutes in O(length) rather
// than re-scanning the body on every call.
type placeholderSpan struct {
	Start, End int // byte offsets into Body, End exclusive
	Token      string
}

// indexPlaceholders scans body once for "{{...}}" tokens and records
// their positions. Unknown tokens are indexed too, so Substitute can
// replace them with the empty string and log them without a second
// scan.
func indexPlaceholders(body string) []placeholderSpan {
	var spans []placeholderSpan
	i := 0
	for {
		start := strings.Index(body[i:], "{{")
		if start < 0 {
			break
		}
		start += i
		end := strings.Index(body[start:], "}}")
		if end < 0 {
			break
		}
		end = start + end + len("}}")
		spans = append(spans, placeholderSpan{Start: start, End: end, Token: body[start:end]})
		i = end
	}
	return spans
}

// Values supplies the live substitution values for one prompt assembly
// (spec.md §4.6, §4.5 fiscal injection).
type Values struct {
	Balance       string
	Streak        string
	DebtWarning   string
	ContextSummary string
}

func (v Values) lookup(token string) (string, bool) {
	switch token {
	case "{{BALANCE}}":
		return v.Balance, true
	case "{{STREAK}}":
		return v.Streak, true
	case "{{DEBT_WARNING}}":
		return v.DebtWarning, true
	case "{{CONTEXT_SUMMARY}}":
		return v.ContextSummary, true
	default:
		return "", false
	}
}

// Substitute replaces every pre-indexed placeholder in p.Body with its
// live value, in a single left-to-right pass. Unknown placeholders
// (present in the body but outside knownPlaceholders — e.g. a typo, or
// a field retired since the persona was authored) are replaced with the
// empty string and logged, never left in the rendered prompt.
func (p *Persona) Substitute(ctx context.Context, v Values) string {
	if len(p.Placeholders) == 0 {
		return p.Body
	}
	var b strings.Builder
	b.Grow(len(p.Body))
	cursor := 0
	for _, span := range p.Placeholders {
		b.WriteString(p.Body[cursor:span.Start])
		if !knownPlaceholders[span.Token] {
			logging.L(ctx).Warn("soul: unknown placeholder replaced with empty string", "agent_id", p.Header.AgentID, "token", span.Token)
			cursor = span.End
			continue
		}
		val, _ := v.lookup(span.Token)
		b.WriteString(val)
		cursor = span.End
	}
	b.WriteString(p.Body[cursor:])
	return b.String()
}
