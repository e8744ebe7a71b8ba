package mce

import "context"

// Verdict is the Citadel's answer to a proposed theorem (spec.md §4.5).
type Verdict int

const (
	VerdictUnsat Verdict = iota
	VerdictSat
	VerdictUnknown
)

// Prover is the narrow interface the MCE uses to consult the Citadel
// before committing a state delta. It is implemented by internal/citadel;
// defined here (rather than imported) so mce has no dependency on the
// concrete prover implementation — only on the shape of the question it
// asks, per spec.md's "narrow interface" framing of external collaborators.
type Prover interface {
	// Prove formulates and decides the conservation theorem for a proposed
	// commit: UNSAT means conservation holds and the write is authorised.
	Prove(ctx context.Context, delta ConservationDelta) (Verdict, error)
}

// ConservationDelta describes a proposed transaction group's effect on
// total system wealth, for the Citadel to verify (spec.md §4.4 Consistency).
type ConservationDelta struct {
	BalancesBefore map[string]string // agent id -> decimal string, escrow included
	BankBefore     string
	BalancesAfter  map[string]string
	BankAfter      string
	Minted         string
	Burned         string
}
