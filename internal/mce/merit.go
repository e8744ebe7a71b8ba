package mce

import (
	"math"

	"github.com/shopspring/decimal"
)

// Complexity is an RFP's task complexity, selecting the merit-formula
// multiplier C (spec.md §4.4).
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
	ComplexityExpert  Complexity = "expert"
)

var complexityMultiplier = map[Complexity]decimal.Decimal{
	ComplexitySimple:  decimal.NewFromFloat(1.0),
	ComplexityMedium:  decimal.NewFromFloat(1.5),
	ComplexityComplex: decimal.NewFromFloat(2.5),
	ComplexityExpert:  decimal.NewFromFloat(5.0),
}

// precision is the fixed number of fractional digits every APX amount is
// stored and transmitted at (spec.md §4.4 Merit formula: Rounding).
const precision = 6

// round applies the ledger's fixed six-fractional-digit precision using
// banker's rounding (round-half-to-even), as required at the final write.
func round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(precision)
}

// StreakMultiplier computes S = 1 + log10(streak + 1).
// A streak of 0 yields S = 1.0; a streak of 9 yields S = 2.0 (spec.md §8).
func StreakMultiplier(streak int64) decimal.Decimal {
	s := 1 + math.Log10(float64(streak)+1)
	return decimal.NewFromFloat(s)
}

// MeritInput carries every input to the merit formula
// P = (B·C·S) − (T·μ) − ΣF (spec.md §4.4).
type MeritInput struct {
	BasePayRate    decimal.Decimal
	Complexity     Complexity
	Streak         int64
	InputTokens    int64
	OutputTokens   int64
	TokenTax       decimal.Decimal // μ, per-token tax
	Benchmark      int64           // T_benchmark for the task category
	VerbosityTax   decimal.Decimal // τ, applied to tokens over benchmark
	Fines          decimal.Decimal // ΣF
}

// MeritResult is the computed payout and its components, useful for audit
// logging without recomputing.
type MeritResult struct {
	Payout        decimal.Decimal
	TotalTokens   int64
	BaseComponent decimal.Decimal
	TokenTax      decimal.Decimal
	VerbosityTax  decimal.Decimal

	// TxIDs carries the committed ledger transaction id(s) once
	// TaskReward has applied the payout (spec.md §4.8); empty on a
	// Merit() computation that was never committed.
	TxIDs []string
}

// Merit computes a task payout per the formula in spec.md §4.4, rounded to
// six fractional digits with banker's rounding.
func Merit(in MeritInput) MeritResult {
	c, ok := complexityMultiplier[in.Complexity]
	if !ok {
		c = decimal.NewFromFloat(1.0)
	}
	s := StreakMultiplier(in.Streak)
	base := in.BasePayRate.Mul(c).Mul(s)

	total := in.InputTokens + in.OutputTokens
	tax := decimal.NewFromInt(total).Mul(in.TokenTax)

	var verbosity decimal.Decimal
	if total > in.Benchmark {
		over := total - in.Benchmark
		verbosity = decimal.NewFromInt(over).Mul(in.VerbosityTax)
	}

	payout := base.Sub(tax).Sub(verbosity).Sub(in.Fines)

	return MeritResult{
		Payout:        round(payout),
		TotalTokens:   total,
		BaseComponent: round(base),
		TokenTax:      round(tax),
		VerbosityTax:  round(verbosity),
	}
}

// Bond computes the escrow stake required to accept a bonded RFP:
// Bond = R · bond_rate · (1 + ρ), ρ ∈ [-0.1, 0.5] (spec.md §4.4 Escrow: STAKING).
func Bond(rewardCeiling, bondRate, riskProfile decimal.Decimal) decimal.Decimal {
	return round(rewardCeiling.Mul(bondRate).Mul(decimal.NewFromInt(1).Add(riskProfile)))
}

// IntegrityInterest is the 5% bonus paid from the system bank when a bond
// is released on task success (spec.md §4.4 Escrow: RELEASED).
func IntegrityInterest(bond decimal.Decimal) decimal.Decimal {
	return round(bond.Mul(decimal.NewFromFloat(0.05)))
}

const reputationAlpha = 0.1  // α in R_new = R_old·(1-α) + TaskScore·α
const reputationLambda = 0.023 // λ in half-life decay

// ReputationUpdate computes R_new from a completed task's score.
func ReputationUpdate(old, taskScore decimal.Decimal) decimal.Decimal {
	alpha := decimal.NewFromFloat(reputationAlpha)
	one := decimal.NewFromInt(1)
	return round(old.Mul(one.Sub(alpha)).Add(taskScore.Mul(alpha)))
}

// ReputationDecay applies the lazy half-life decay R_t = R_0 · exp(-λ·days)
// on agent touch, for an agent idle for daysIdle days (spec.md §4.4 Reputation).
func ReputationDecay(r0 decimal.Decimal, daysIdle float64) decimal.Decimal {
	factor := math.Exp(-reputationLambda * daysIdle)
	return round(r0.Mul(decimal.NewFromFloat(factor)))
}

// TaskScoreInput are the three components combined into TaskScore ∈ [0,1]
// (spec.md §4.4 Reputation).
type TaskScoreInput struct {
	Success          bool
	BenchmarkTokens  int64
	ActualTokens     int64
	QAResistanceRate decimal.Decimal // 0..1, fraction of disputes survived
}

// TaskScore combines success, token-efficiency, and QA-resistance into a
// single [0,1] score feeding ReputationUpdate.
func TaskScore(in TaskScoreInput) decimal.Decimal {
	var successScore decimal.Decimal
	if in.Success {
		successScore = decimal.NewFromInt(1)
	}

	efficiency := decimal.NewFromInt(1)
	if in.ActualTokens > 0 && in.BenchmarkTokens > 0 {
		efficiency = decimal.NewFromInt(in.BenchmarkTokens).Div(decimal.NewFromInt(in.ActualTokens))
		if efficiency.GreaterThan(decimal.NewFromInt(1)) {
			efficiency = decimal.NewFromInt(1)
		}
	}

	third := decimal.NewFromFloat(1.0 / 3.0)
	score := successScore.Add(efficiency).Add(in.QAResistanceRate).Mul(third)
	if score.GreaterThan(decimal.NewFromInt(1)) {
		score = decimal.NewFromInt(1)
	}
	if score.LessThan(decimal.Zero) {
		score = decimal.Zero
	}
	return round(score)
}
