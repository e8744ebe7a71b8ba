// Package soul implements the Soul Parser & Agent Registry: ingests
// versioned persona documents, compiles them into token-budgeted system
// prompts with runtime fiscal interpolation, and gates tool access by
// tier (spec.md §4.6).
package soul

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Header is a persona document's genotype: immutable w.r.t. AgentID and
// ParentHash, semi-mutable w.r.t. Tier/ComplexityAccess (written only by
// the MCE), mutable w.r.t. Temperature/BasePayRate (written only by the
// offline optimiser) — spec.md §3 Persona.
type Header struct {
	AgentID          string          `soul:"agent_id"`
	ParentHash       string          `soul:"parent_hash"`
	Tier             string          `soul:"tier"`
	ComplexityAccess string          `soul:"complexity_access"`
	Temperature      decimal.Decimal `soul:"temperature"`
	BasePayRate      decimal.Decimal `soul:"base_pay_rate"`
}

// Persona is one compiled, registered agent persona.
type Persona struct {
	Header      Header
	Body        string // verbatim phenotype text, placeholders un-substituted
	ContentHash string // sha256 hex of header+body as ingested
	Placeholders []placeholderSpan
	RegisteredAt time.Time
}

// PersonaCorruptionError is returned when a header contains a field
// outside the known genotype schema (spec.md §4.6: "unknown fields →
// PersonaCorruptionError").
type PersonaCorruptionError struct {
	Field string
}

func (e *PersonaCorruptionError) Error() string {
	return "soul: persona corruption: unknown header field " + e.Field
}

// FiscalTamperingError is returned when a persona's declared
// base_pay_rate disagrees with the ledger's authorised rate for that
// agent (spec.md §4.6).
type FiscalTamperingError struct {
	AgentID  string
	Declared decimal.Decimal
	Ledger   decimal.Decimal
}

func (e *FiscalTamperingError) Error() string {
	return "soul: fiscal tampering: agent " + e.AgentID + " declares a base pay rate that disagrees with the ledger"
}

var (
	ErrMissingDelimiter = errors.New("soul: persona document missing header/body delimiter")
	ErrMissingAgentID   = errors.New("soul: persona header missing required field agent_id")
)
