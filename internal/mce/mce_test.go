package mce

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alwaysUnsat is a stub Citadel that authorises every proposed delta,
// standing in for internal/citadel in tests that exercise MCE logic in
// isolation.
type alwaysUnsat struct{}

func (alwaysUnsat) Prove(ctx context.Context, delta ConservationDelta) (Verdict, error) {
	return VerdictUnsat, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Options{
		Root:            t.TempDir(),
		Prover:          alwaysUnsat{},
		BankFloor:       dec("-1000000"),
		CheckpointEvery: 1000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustRegister(t *testing.T, e *Engine, a *Agent) {
	t.Helper()
	require.NoError(t, e.RegisterAgent(context.Background(), a))
}

func TestMerit_HappyPathReward(t *testing.T) {
	result := Merit(MeritInput{
		BasePayRate:  dec("85.00"),
		Complexity:   ComplexityComplex,
		Streak:       4,
		InputTokens:  800,
		OutputTokens: 0,
		TokenTax:     dec("0.001"),
		Benchmark:    900,
		VerbosityTax: dec("0.0005"),
	})
	assert.True(t, result.Payout.Sub(dec("360.23")).Abs().LessThan(dec("0.01")),
		"expected ~360.23, got %s", result.Payout)
}

func TestMerit_VerbosityTax(t *testing.T) {
	result := Merit(MeritInput{
		BasePayRate:  dec("85.00"),
		Complexity:   ComplexityComplex,
		Streak:       4,
		InputTokens:  1500,
		OutputTokens: 0,
		TokenTax:     dec("0.001"),
		Benchmark:    900,
		VerbosityTax: dec("0.0005"),
	})
	assert.True(t, result.Payout.Sub(dec("359.23")).Abs().LessThan(dec("0.01")),
		"expected ~359.23, got %s", result.Payout)
}

func TestStreakMultiplier_Boundaries(t *testing.T) {
	assert.True(t, StreakMultiplier(0).Equal(dec("1")))
	nine := StreakMultiplier(9)
	assert.True(t, nine.Sub(dec("2.0")).Abs().LessThan(dec("0.0001")))
}

func TestEngine_TaskReward_UpdatesStreakAndBalance(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, &Agent{
		ID:          "builder_01",
		Tier:        TierExpert,
		Balance:     dec("100.00"),
		DebtCeiling: dec("-100.00"),
		Streak:      4,
		Econ:        EconomicParams{BasePayRate: dec("85.00")},
	})

	_, err := e.TaskReward(ctx, "builder_01", "task-1", MeritInput{
		BasePayRate:  dec("85.00"),
		Complexity:   ComplexityComplex,
		Streak:       4,
		InputTokens:  800,
		Benchmark:    900,
		TokenTax:     dec("0.001"),
		VerbosityTax: dec("0.0005"),
	}, TaskScoreInput{Success: true, BenchmarkTokens: 900, ActualTokens: 800})
	require.NoError(t, err)

	snap, err := e.Snapshot(ctx, "builder_01")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Streak)
	assert.True(t, snap.Balance.Sub(dec("460.23")).Abs().LessThan(dec("0.01")),
		"expected ~460.23, got %s", snap.Balance)
}

func TestEngine_BondForfeiture(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, &Agent{
		ID:          "agent_R",
		Balance:     dec("80.00"),
		DebtCeiling: dec("-50.00"),
		Econ:        EconomicParams{BondRate: dec("0.25"), RiskProfile: dec("0.1")},
	})
	mustRegister(t, e, &Agent{ID: "qa_reporter_09", Balance: dec("0.00"), DebtCeiling: dec("-50.00")})

	bond, err := e.BondStake(ctx, "agent_R", "task-2", dec("100.00"))
	require.NoError(t, err)
	assert.True(t, bond.Equal(dec("27.50")), "expected bond 27.50, got %s", bond)

	snap, _ := e.Snapshot(ctx, "agent_R")
	assert.True(t, snap.Balance.Equal(dec("52.50")))
	assert.True(t, snap.EscrowHold.Equal(dec("27.50")))

	require.NoError(t, e.BondLock(ctx, "agent_R"))
	_, err = e.BondForfeit(ctx, "agent_R", "qa_reporter_09")
	require.NoError(t, err)

	snap, _ = e.Snapshot(ctx, "agent_R")
	assert.True(t, snap.Balance.Equal(dec("52.50")))
	assert.True(t, snap.EscrowHold.IsZero())

	reporter, err := e.Snapshot(ctx, "qa_reporter_09")
	require.NoError(t, err)
	assert.True(t, reporter.Balance.Equal(dec("13.75")))
}

func TestEngine_BondRelease_PaysIntegrityInterest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, &Agent{
		ID:          "agent_R",
		Balance:     dec("80.00"),
		DebtCeiling: dec("-50.00"),
		Econ:        EconomicParams{BondRate: dec("0.25"), RiskProfile: dec("0.1")},
	})

	_, err := e.BondStake(ctx, "agent_R", "task-3", dec("100.00"))
	require.NoError(t, err)
	require.NoError(t, e.BondLock(ctx, "agent_R"))
	_, err = e.BondRelease(ctx, "agent_R")
	require.NoError(t, err)

	snap, _ := e.Snapshot(ctx, "agent_R")
	assert.True(t, snap.EscrowHold.IsZero())
	assert.True(t, snap.Balance.Equal(dec("81.375")), "expected 80.00 + 1.375 interest, got %s", snap.Balance)
}

func TestEngine_Penalty_TriggersBankruptcyPIP(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, &Agent{
		ID:          "agent_broke",
		Balance:     dec("-99.50"),
		DebtCeiling: dec("-100.00"),
		Tier:        TierAdvanced,
	})

	_, err := e.Penalty(ctx, "agent_broke", "timeout-1", dec("1.00"))
	require.NoError(t, err)

	snap, err := e.Snapshot(ctx, "agent_broke")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("-100.50")))
	assert.True(t, snap.InPIP)
	assert.Equal(t, TierNovice, snap.EffectiveTier())
}

func TestEngine_Royalty_SplitsLicenseFee(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, &Agent{ID: "consumer_01", Balance: dec("1000.00"), DebtCeiling: dec("-100")})
	mustRegister(t, e, &Agent{ID: "author_07", Balance: dec("0.00"), DebtCeiling: dec("-100")})

	_, err := e.Royalty(ctx, "consumer_01", "author_07", "task-9", dec("100.00"))
	require.NoError(t, err)

	consumer, _ := e.Snapshot(ctx, "consumer_01")
	author, _ := e.Snapshot(ctx, "author_07")
	bank, _ := e.BankSnapshot(ctx)

	assert.True(t, consumer.Balance.Equal(dec("998.50")))
	assert.True(t, author.Balance.Equal(dec("0.75")))
	assert.True(t, bank.Balance.Equal(dec("0.75")))
}

func TestEngine_MintAndBurn(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustRegister(t, e, &Agent{ID: "agent_x", Balance: dec("10.00"), DebtCeiling: dec("-100")})

	_, err := e.Mint(ctx, "agent_x", "genesis-grant", dec("50.00"))
	require.NoError(t, err)
	snap, _ := e.Snapshot(ctx, "agent_x")
	assert.True(t, snap.Balance.Equal(dec("60.00")))

	_, err = e.Burn(ctx, "agent_x", "deflation", dec("5.00"))
	require.NoError(t, err)
	snap, _ = e.Snapshot(ctx, "agent_x")
	assert.True(t, snap.Balance.Equal(dec("55.00")))
}

func TestEngine_WALReplay_RestoresState(t *testing.T) {
	root := t.TempDir()
	e, err := Open(Options{Root: root, Prover: alwaysUnsat{}, BankFloor: dec("-1e9"), CheckpointEvery: 1000})
	require.NoError(t, err)
	ctx := context.Background()
	mustRegister(t, e, &Agent{ID: "agent_y", Balance: dec("10.00"), DebtCeiling: dec("-100")})
	_, err = e.Mint(ctx, "agent_y", "seed", dec("90.00"))
	require.NoError(t, err)

	// Close without forcing a checkpoint boundary other than at Close.
	require.NoError(t, e.Close())

	reopened, err := Open(Options{Root: root, Prover: alwaysUnsat{}, BankFloor: dec("-1e9"), CheckpointEvery: 1000})
	require.NoError(t, err)
	snap, err := reopened.Snapshot(ctx, "agent_y")
	require.NoError(t, err)
	assert.True(t, snap.Balance.Equal(dec("100.00")))
	require.NoError(t, reopened.Close())
}

func TestCodeReuseFinding_Qualifies(t *testing.T) {
	assert.True(t, CodeReuseFinding{Similarity: dec("0.95"), ASTEquivalent: true}.Qualifies())
	assert.False(t, CodeReuseFinding{Similarity: dec("0.80"), ASTEquivalent: true}.Qualifies())
	assert.False(t, CodeReuseFinding{Similarity: dec("0.99"), ASTEquivalent: false}.Qualifies())
}

func TestAgent_SolventBoundary(t *testing.T) {
	a := &Agent{Balance: dec("-100.00"), DebtCeiling: dec("-100.00")}
	assert.True(t, a.Solvent())
	a.Balance = dec("-100.01")
	assert.False(t, a.Solvent())
}
