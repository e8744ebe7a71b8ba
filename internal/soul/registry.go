package soul

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// LedgerRate is the narrow view onto the MCE a Registry needs to
// cross-check a persona's declared base_pay_rate against the ledger's
// authorised rate for that agent (spec.md §4.6). Kept separate from
// hooks.Ledger: soul only ever reads one field.
type LedgerRate interface {
	AuthorisedBaseRate(ctx context.Context, agentID string) (rateKnown bool, rate string, err error)
}

// Registry holds the set of registered personas, published as an
// immutable snapshot so readers (prompt assembly, PRE_TOOL permission
// resolution) never block on ingestion and never observe a partially
// updated map (spec.md §4.6: "atomic snapshot publishing for the
// read-mostly persona registry").
type Registry struct {
	snapshot atomic.Pointer[map[string]*Persona]
	mu       sync.Mutex // serializes writers; readers never take this
	ledger   LedgerRate
}

// NewRegistry constructs an empty Registry backed by ledger for the
// fiscal cross-check.
func NewRegistry(ledger LedgerRate) *Registry {
	r := &Registry{ledger: ledger}
	empty := map[string]*Persona{}
	r.snapshot.Store(&empty)
	return r
}

// Register parses raw, cross-checks its base_pay_rate against the
// ledger, and publishes it into the registry. Returns
// *FiscalTamperingError if the declared rate disagrees with the
// ledger's authorised rate for an already-known agent.
func (r *Registry) Register(ctx context.Context, raw []byte) (*Persona, error) {
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if r.ledger != nil {
		known, rate, err := r.ledger.AuthorisedBaseRate(ctx, p.Header.AgentID)
		if err != nil {
			return nil, fmt.Errorf("soul: ledger rate lookup failed: %w", err)
		}
		if known {
			ledgerRate, perr := decimal.NewFromString(rate)
			if perr != nil || !ledgerRate.Equal(p.Header.BasePayRate) {
				return nil, &FiscalTamperingError{
					AgentID:  p.Header.AgentID,
					Declared: p.Header.BasePayRate,
					Ledger:   ledgerRate,
				}
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := *r.snapshot.Load()
	next := make(map[string]*Persona, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[p.Header.AgentID] = p
	r.snapshot.Store(&next)
	return p, nil
}

// Lookup returns the currently published persona for agentID, if any.
func (r *Registry) Lookup(agentID string) (*Persona, bool) {
	m := *r.snapshot.Load()
	p, ok := m[agentID]
	return p, ok
}

// Len reports the number of registered personas.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}
