package mce

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apexsystems/apex-payroll-kernel/internal/meroot"
	"github.com/apexsystems/apex-payroll-kernel/internal/metrics"
	"github.com/apexsystems/apex-payroll-kernel/internal/syncutil"
)

// ledgerLockKey is the single serialisation point for the engine's
// in-process writers (spec.md §4.4 Isolation: "a single serialisation
// point"). A sharded mutex of key-space 1 degenerates to a plain mutex,
// but reusing the context-aware primitive gets cancellation for free.
const ledgerLockKey = "ledger"

// Engine is the Master Compensation Engine: the sole owner of the ledger
// (spec.md §3 Ownership). All mutation goes through its public operations,
// each of which proposes a transaction group, consults the Citadel, and
// only then appends to the WAL and applies to memory.
type Engine struct {
	root   string
	wal    *wal
	prover Prover
	lock   *syncutil.ContextShardedMutex

	bankFloor         decimal.Decimal
	checkpointEvery   int
	sinceCheckpoint   int

	agents  map[string]*Agent
	bank    SystemBank
	history []Transaction
}

// Options configures an Engine at open time.
type Options struct {
	Root            string
	Prover          Prover
	BankFloor       decimal.Decimal
	CheckpointEvery int // commit groups between automatic checkpoints
}

// Open loads the last checkpoint, opens the WAL under an advisory lock,
// and replays any records written since (spec.md §4.4 Persistence model).
func Open(opts Options) (*Engine, error) {
	doc, err := loadCheckpoint(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("mce: loading checkpoint: %w", err)
	}
	w, err := openWAL(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("mce: opening WAL: %w", err)
	}

	e := &Engine{
		root:            opts.Root,
		wal:             w,
		prover:          opts.Prover,
		lock:            syncutil.NewContextShardedMutex(),
		bankFloor:       opts.BankFloor,
		checkpointEvery: opts.CheckpointEvery,
		agents:          doc.Agents,
		bank:            doc.Bank,
		history:         doc.History,
	}
	if e.checkpointEvery <= 0 {
		e.checkpointEvery = 100
	}

	groups, err := w.Replay()
	if err != nil {
		return nil, fmt.Errorf("mce: replaying WAL: %w", err)
	}
	for _, group := range groups {
		for _, t := range group {
			if err := applyTransaction(e.agents, &e.bank, t); err != nil {
				return nil, fmt.Errorf("mce: replaying transaction %s: %w", t.UUID, err)
			}
			e.history = append(e.history, t)
		}
	}
	if ok, idx := VerifyChain(e.history); !ok {
		return nil, fmt.Errorf("mce: ledger hash chain broken at index %d", idx)
	}
	return e, nil
}

// Close flushes a final checkpoint and releases the WAL file.
func (e *Engine) Close() error {
	if err := e.checkpoint(); err != nil {
		return err
	}
	return e.wal.Close()
}

// RegisterAgent adds a new agent record (used by the persona registry on
// first sight of a genotype, spec.md §3 Soul Parser & Agent Registry).
func (e *Engine) RegisterAgent(ctx context.Context, a *Agent) error {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return err
	}
	defer unlock()
	e.agents[a.ID] = a
	return nil
}

// Snapshot returns a read-only copy of one agent's record, or
// ErrAgentNotFound. Callers outside mce never hold the live pointer
// (spec.md §3 Ownership: "all other components obtain read snapshots").
func (e *Engine) Snapshot(ctx context.Context, agentID string) (Agent, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return Agent{}, err
	}
	defer unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return *a, nil
}

// BankSnapshot returns a read-only copy of the system bank.
func (e *Engine) BankSnapshot(ctx context.Context) (SystemBank, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return SystemBank{}, err
	}
	defer unlock()
	return e.bank, nil
}

// AuthorisedBaseRate reports the ledger's recorded base_pay_rate for
// agentID, satisfying internal/soul's narrow LedgerRate interface for
// the persona fiscal cross-check (spec.md §4.6: a persona's declared
// base_pay_rate must agree with the ledger's authorised rate). An
// unregistered agent is reported as rateKnown=false rather than an
// error — a brand-new persona has nothing to cross-check against yet.
func (e *Engine) AuthorisedBaseRate(ctx context.Context, agentID string) (rateKnown bool, rate string, err error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return false, "", err
	}
	defer unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return false, "", nil
	}
	return true, a.Econ.BasePayRate.String(), nil
}

// TaskReward pays an agent B·C·S − T·μ − ΣF for a completed task,
// updates streak, reputation, and reconciles PIP state.
func (e *Engine) TaskReward(ctx context.Context, agentID, taskRef string, in MeritInput, score TaskScoreInput) (MeritResult, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return MeritResult{}, err
	}
	defer unlock()

	a, ok := e.agents[agentID]
	if !ok {
		return MeritResult{}, ErrAgentNotFound
	}
	result := Merit(in)
	if result.Payout.IsNegative() {
		return result, ErrInvalidAmount
	}

	now := time.Now()
	txn := Transaction{
		Timestamp: now,
		FromID:    BankAccountID,
		ToID:      agentID,
		Amount:    result.Payout,
		Type:      TxTaskReward,
		TaskRef:   taskRef,
	}
	ids, err := e.commit(ctx, []Transaction{txn})
	if err != nil {
		return result, err
	}
	result.TxIDs = ids

	a.Streak++
	a.Reputation = ReputationUpdate(a.Reputation, TaskScore(score))
	a.LastActive = now
	reconcileSolvency(a)
	return result, nil
}

// Penalty debits an agent a fine (timeout, sandbox escape, bankruptcy
// entry, etc.) to the system bank and resets its streak, returning the
// committed transaction id.
func (e *Engine) Penalty(ctx context.Context, agentID, taskRef string, amount decimal.Decimal) ([]string, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, ok := e.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	txn := Transaction{
		Timestamp: time.Now(),
		FromID:    agentID,
		ToID:      BankAccountID,
		Amount:    amount,
		Type:      TxTaskPenalty,
		TaskRef:   taskRef,
	}
	ids, err := e.commit(ctx, []Transaction{txn})
	if err != nil {
		return nil, err
	}
	a.Streak = 0
	reconcileSolvency(a)
	return ids, nil
}

// Tax debits an agent's balance to the system bank (e.g. an explicit
// token tax reconciliation outside the reward path).
func (e *Engine) Tax(ctx context.Context, agentID, taskRef string, amount decimal.Decimal) ([]string, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, ok := e.agents[agentID]; !ok {
		return nil, ErrAgentNotFound
	}
	txn := Transaction{
		Timestamp: time.Now(),
		FromID:    agentID,
		ToID:      BankAccountID,
		Amount:    amount,
		Type:      TxTax,
		TaskRef:   taskRef,
	}
	return e.commit(ctx, []Transaction{txn})
}

// BondStake moves Bond from the agent's balance to escrow, transitioning
// NONE → STAKING. Fails with ErrEscrowInvalidState if the agent already
// holds an open bond for a different task.
func (e *Engine) BondStake(ctx context.Context, agentID, taskRef string, rewardCeiling decimal.Decimal) (decimal.Decimal, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()

	a, ok := e.agents[agentID]
	if !ok {
		return decimal.Zero, ErrAgentNotFound
	}
	if a.EscrowStatus != "" && a.EscrowStatus != EscrowNone && a.EscrowStatus != EscrowReleased && a.EscrowStatus != EscrowForfeited {
		return decimal.Zero, ErrEscrowInvalidState
	}
	bond := Bond(rewardCeiling, a.Econ.BondRate, a.Econ.RiskProfile)
	if a.Balance.LessThan(bond) {
		return decimal.Zero, ErrInsufficientBalance
	}

	txn := buildStake(agentID, taskRef, bond, time.Now())
	if _, err := e.commit(ctx, []Transaction{txn}); err != nil {
		return decimal.Zero, err
	}
	a.EscrowTaskID = taskRef
	return bond, nil
}

// BondLock transitions STAKING → LOCKED: no ledger mutation, just a state
// change making the bond immutable for the task duration (spec.md §4.4
// Escrow: LOCKED).
func (e *Engine) BondLock(ctx context.Context, agentID string) error {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return err
	}
	defer unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if a.EscrowStatus != EscrowStaking {
		return ErrEscrowInvalidState
	}
	a.EscrowStatus = EscrowLocked
	return nil
}

// BondRelease returns a successfully completed bond plus integrity
// interest (spec.md §4.4 Escrow: RELEASED).
func (e *Engine) BondRelease(ctx context.Context, agentID string) ([]string, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if a.EscrowStatus != EscrowLocked {
		return nil, ErrEscrowInvalidState
	}
	bond := a.EscrowHold
	txns := buildRelease(agentID, a.EscrowTaskID, bond, time.Now())
	ids, err := e.commit(ctx, txns)
	if err != nil {
		return nil, err
	}
	a.EscrowTaskID = ""
	return ids, nil
}

// BondForfeit burns a failed bond, splitting it between a QA reporter (or
// the system bank) and the void (spec.md §4.4 Escrow: FORFEITED).
func (e *Engine) BondForfeit(ctx context.Context, agentID, qaReporterID string) ([]string, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	if a.EscrowStatus != EscrowLocked {
		return nil, ErrEscrowInvalidState
	}
	bond := a.EscrowHold
	txns := buildForfeit(agentID, a.EscrowTaskID, qaReporterID, bond, time.Now())
	ids, err := e.commit(ctx, txns)
	if err != nil {
		return nil, err
	}
	a.EscrowTaskID = ""
	a.Streak = 0
	reconcileSolvency(a)
	return ids, nil
}

// Royalty applies a code-reuse license fee from consumerID to authorID
// and the system bank (spec.md §4.4 Royalties). Callers gate this on
// CodeReuseFinding.Qualifies().
func (e *Engine) Royalty(ctx context.Context, consumerID, authorID, taskRef string, taskReward decimal.Decimal) ([]string, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, ok := e.agents[consumerID]; !ok {
		return nil, ErrAgentNotFound
	}
	if _, ok := e.agents[authorID]; !ok {
		return nil, ErrAgentNotFound
	}
	txns := buildRoyalty(consumerID, authorID, taskRef, taskReward, time.Now())
	return e.commit(ctx, txns)
}

// Mint creates new APX, crediting an agent or the bank from the void.
// Mint/Burn are the only operations permitted to change total wealth
// (spec.md §4.4 Consistency).
func (e *Engine) Mint(ctx context.Context, toID, reason string, amount decimal.Decimal) ([]string, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	txn := Transaction{
		Timestamp: time.Now(),
		FromID:    VoidAccountID,
		ToID:      toID,
		Amount:    amount,
		Type:      TxMint,
		TaskRef:   reason,
	}
	return e.commit(ctx, []Transaction{txn})
}

// Burn permanently removes APX from an agent or the bank into the void.
func (e *Engine) Burn(ctx context.Context, fromID, reason string, amount decimal.Decimal) ([]string, error) {
	unlock, err := e.lock.LockContext(ctx, ledgerLockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	txn := Transaction{
		Timestamp: time.Now(),
		FromID:    fromID,
		ToID:      VoidAccountID,
		Amount:    amount,
		Type:      TxBurn,
		TaskRef:   reason,
	}
	return e.commit(ctx, []Transaction{txn})
}

// commit is the single choke point every public operation funnels
// through: propose, prove, append, apply (spec.md §4.4 ACID properties).
// Callers must already hold the ledger lock. It returns the UUIDs stamped
// onto txns in commit order, so callers can thread them back into the
// audit trail (spec.md §4.8: "ledger transaction ids").
func (e *Engine) commit(ctx context.Context, txns []Transaction) ([]string, error) {
	if e.bank.Balance.LessThan(e.bankFloor) {
		for _, t := range txns {
			if t.Type == TxBondStake {
				return nil, ErrBankFloorBreached
			}
		}
	}

	before := totalWealth(e.agents, e.bank)
	bankBefore := e.bank.Balance

	scratchAgents := make(map[string]*Agent, len(e.agents))
	for id, a := range e.agents {
		cp := *a
		scratchAgents[id] = &cp
	}
	scratchBank := e.bank

	var minted, burned decimal.Decimal
	stamped := make([]Transaction, len(txns))
	prev := e.lastDigest()
	for i, t := range txns {
		if err := applyTransaction(scratchAgents, &scratchBank, t); err != nil {
			return nil, err
		}
		if t.Type == TxMint {
			minted = minted.Add(t.Amount)
		}
		if t.Type == TxBurn || (t.Type == TxBondBurn && t.ToID == VoidAccountID) {
			burned = burned.Add(t.Amount)
		}
		if t.UUID == "" {
			t.UUID = uuid.NewString()
		}
		t.PrevDigest = prev
		digest, err := meroot.Checksum(prev, t.unchecksummed())
		if err != nil {
			return nil, fmt.Errorf("mce: computing digest: %w", err)
		}
		t.Digest = digest
		prev = digest
		stamped[i] = t
	}

	after := totalWealth(scratchAgents, scratchBank)
	delta := ConservationDelta{
		BalancesBefore: before,
		BankBefore:     bankBefore.String(),
		BalancesAfter:  after,
		BankAfter:      scratchBank.Balance.String(),
		Minted:         minted.String(),
		Burned:         burned.String(),
	}

	start := time.Now()
	verdict, err := e.prover.Prove(ctx, delta)
	metrics.CitadelProofLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("mce: citadel prove: %w", err)
	}
	if verdict != VerdictUnsat {
		return nil, ErrConservationFailed
	}

	if err := e.wal.Append(stamped); err != nil {
		return nil, fmt.Errorf("mce: WAL append: %w", err)
	}

	// Copy the committed state into the existing records, so the pointer
	// the calling operation already holds sees it.
	for id, s := range scratchAgents {
		*e.agents[id] = *s
	}
	e.bank = scratchBank
	e.history = append(e.history, stamped...)

	ids := make([]string, len(stamped))
	for i, t := range stamped {
		metrics.TransactionsTotal.WithLabelValues(string(t.Type)).Inc()
		metrics.EconomicFlowTotal.WithLabelValues("credit", string(t.Type)).Add(mustFloat(t.Amount))
		ids[i] = t.UUID
	}

	e.sinceCheckpoint++
	if e.sinceCheckpoint >= e.checkpointEvery {
		if err := e.checkpoint(); err != nil {
			return nil, fmt.Errorf("mce: checkpoint: %w", err)
		}
	}
	return ids, nil
}

func (e *Engine) lastDigest() string {
	if len(e.history) == 0 {
		return meroot.Genesis
	}
	return e.history[len(e.history)-1].Digest
}

func (e *Engine) checkpoint() error {
	doc := &document{
		Agents:       e.agents,
		Bank:         e.bank,
		History:      e.history,
		CheckpointAt: time.Now(),
		ReplayedWAL:  0,
	}
	if err := writeCheckpoint(e.root, doc); err != nil {
		return err
	}
	if err := e.wal.Truncate(); err != nil {
		return err
	}
	e.sinceCheckpoint = 0
	return nil
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
