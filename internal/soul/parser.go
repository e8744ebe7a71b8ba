package soul

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// delimiter separates a persona document's structured header from its
// free-text body: a single line containing exactly three dashes
// (spec.md §6 persona document format).
const delimiter = "---"

// knownFields maps a header key to a setter, so an unrecognised key is
// detected instead of silently ignored.
var knownFields = map[string]func(*Header, string) error{
	"agent_id":          func(h *Header, v string) error { h.AgentID = v; return nil },
	"parent_hash":       func(h *Header, v string) error { h.ParentHash = v; return nil },
	"tier":              func(h *Header, v string) error { h.Tier = v; return nil },
	"complexity_access": func(h *Header, v string) error { h.ComplexityAccess = v; return nil },
	"temperature": func(h *Header, v string) error {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		h.Temperature = d
		return nil
	},
	"base_pay_rate": func(h *Header, v string) error {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		h.BasePayRate = d
		return nil
	},
}

// Parse splits raw on the header/body delimiter, strictly parses the
// header (rejecting any key outside knownFields with
// PersonaCorruptionError), and indexes the body's placeholders. It does
// not perform the fiscal cross-check against the ledger — callers do
// that via Registry.Register, since Parse has no ledger access.
func Parse(raw []byte) (*Persona, error) {
	text := string(raw)
	idx := findDelimiterLine(text)
	if idx < 0 {
		return nil, ErrMissingDelimiter
	}
	headerBlock := text[:idx]
	body := text[idx+len(delimiter):]
	body = strings.TrimPrefix(body, "\n")

	var h Header
	for _, line := range strings.Split(headerBlock, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &PersonaCorruptionError{Field: line}
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		setter, known := knownFields[key]
		if !known {
			return nil, &PersonaCorruptionError{Field: key}
		}
		if err := setter(&h, val); err != nil {
			return nil, fmt.Errorf("soul: invalid value for %s: %w", key, err)
		}
	}
	if h.AgentID == "" {
		return nil, ErrMissingAgentID
	}

	sum := sha256.Sum256(raw)
	return &Persona{
		Header:       h,
		Body:         body,
		ContentHash:  hex.EncodeToString(sum[:]),
		Placeholders: indexPlaceholders(body),
	}, nil
}

// findDelimiterLine returns the byte offset of the first line that is
// exactly "---", or -1 if none exists.
func findDelimiterLine(text string) int {
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(strings.TrimSuffix(line, "\n"), "\r")
		if strings.TrimSpace(trimmed) == delimiter {
			return offset
		}
		offset += len(line)
	}
	return -1
}
