// Package mce implements the Master Compensation Engine: the ACID ledger
// that owns every agent's balance, escrow state, and reputation, gated by
// write-ahead logging and a Citadel conservation proof before any commit.
package mce

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Tier is an agent's progression tier, gating tool/complexity access.
type Tier string

const (
	TierNovice      Tier = "novice"
	TierEstablished Tier = "established"
	TierAdvanced    Tier = "advanced"
	TierExpert      Tier = "expert"
	TierMaster      Tier = "master"
)

var tierRank = map[Tier]int{
	TierNovice:      0,
	TierEstablished: 1,
	TierAdvanced:    2,
	TierExpert:      3,
	TierMaster:      4,
}

// Rank returns an ordinal for tier comparisons; unknown tiers rank below novice.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// TxType enumerates the ledger transaction taxonomy from spec.md §3.
type TxType string

const (
	TxTaskReward TxType = "TASK_REWARD"
	TxTaskPenalty TxType = "TASK_PENALTY"
	TxBondStake  TxType = "BOND_STAKE"
	TxBondRelease TxType = "BOND_RELEASE"
	TxBondBurn   TxType = "BOND_BURN"
	TxTax        TxType = "TAX"
	TxRoyalty    TxType = "ROYALTY"
	TxMint       TxType = "MINT"
	TxBurn       TxType = "BURN"
)

// ChangesTotalWealth reports whether a transaction type is allowed to
// change total system wealth (MINT/BURN); all other types must conserve.
func (t TxType) ChangesTotalWealth() bool {
	return t == TxMint || t == TxBurn
}

// EscrowStatus is the bond escrow state machine from spec.md §4.4.
type EscrowStatus string

const (
	EscrowNone       EscrowStatus = "NONE"
	EscrowStaking    EscrowStatus = "STAKING"
	EscrowLocked     EscrowStatus = "LOCKED"
	EscrowReleased   EscrowStatus = "RELEASED"
	EscrowForfeited  EscrowStatus = "FORFEITED"
)

// RFPStatus is an RFP's lifecycle state (spec.md §3 "RFP (Task
// Contract)").
type RFPStatus string

const (
	RFPOpen       RFPStatus = "OPEN"
	RFPBonded     RFPStatus = "BONDED"
	RFPInProgress RFPStatus = "IN_PROGRESS"
	RFPCompleted  RFPStatus = "COMPLETED"
	RFPFailed     RFPStatus = "FAILED"
)

// RFP is a structured task contract presented to agents for bidding
// (spec.md §3, §GLOSSARY). The kernel's rfp/bond method drives an
// accepted RFP's winning agent through the escrow state machine.
type RFP struct {
	ID              string          `json:"id"`
	ParentProjectID string          `json:"parentProjectId,omitempty"`
	Status          RFPStatus       `json:"status"`
	Complexity      Complexity      `json:"complexity"`
	RequiredTier    Tier            `json:"requiredTier"`
	TokenBudget     int64           `json:"tokenBudget"`
	DeadlineMs      int64           `json:"deadlineMs"`
	CeilingPrice    decimal.Decimal `json:"ceilingPrice"`
	BondRequired    bool            `json:"bondRequired"`
	ValidationCriteria string       `json:"validationCriteria,omitempty"`
}

// Permissions is an agent's tool/filesystem/network grant set.
type Permissions struct {
	ToolsAllowed   []string `json:"toolsAllowed"`
	FSAllow        []string `json:"fsAllow"`
	FSDeny         []string `json:"fsDeny"`
	NetworkGrant   bool     `json:"networkGrant"`
}

// restrictedMask is intersected into an agent's permissions on PIP entry:
// no network, no tools beyond a minimal read-only set.
var restrictedMask = Permissions{
	ToolsAllowed: []string{"read_file", "list_dir"},
	NetworkGrant: false,
}

// EconomicParams are an agent's configured merit-formula coefficients.
type EconomicParams struct {
	BasePayRate   decimal.Decimal `json:"basePayRate"`
	BondRate      decimal.Decimal `json:"bondRate"`
	RoyaltyShare  decimal.Decimal `json:"royaltyShare"`
	PenaltyMult   decimal.Decimal `json:"penaltyMultiplier"`
	RiskProfile   decimal.Decimal `json:"riskProfile"` // ρ ∈ [-0.1, 0.5]
}

// Agent is the per-agent ledger record from spec.md §3.
type Agent struct {
	ID               string          `json:"id"`
	Tier             Tier            `json:"tier"`
	Balance          decimal.Decimal `json:"balance"`
	EscrowHold       decimal.Decimal `json:"escrowHold"`
	LifetimeEarnings decimal.Decimal `json:"lifetimeEarnings"`
	DebtCeiling      decimal.Decimal `json:"debtCeiling"`
	Streak           int64           `json:"streak"`
	SuccessRate      decimal.Decimal `json:"successRate"` // 0..1
	Reputation       decimal.Decimal `json:"reputation"`  // 0..1
	LastActive       time.Time       `json:"lastActive"`
	Permissions      Permissions     `json:"permissions"`
	Econ             EconomicParams  `json:"econ"`
	PersonaHash      string          `json:"personaHash"`
	InPIP            bool            `json:"inPip"`

	EscrowStatus EscrowStatus `json:"escrowStatus"`
	EscrowTaskID string       `json:"escrowTaskId,omitempty"`
}

// Solvent reports whether the agent's balance is at or above its debt ceiling.
func (a *Agent) Solvent() bool {
	return a.Balance.GreaterThanOrEqual(a.DebtCeiling)
}

// EffectiveTier returns the agent's tier for task-eligibility purposes:
// capped at novice while the agent is in PIP (spec.md §4.4 Bankruptcy & PIP).
func (a *Agent) EffectiveTier() Tier {
	if a.InPIP {
		return TierNovice
	}
	return a.Tier
}

// EffectivePermissions returns the agent's permission set, intersected
// with the restricted mask while in PIP.
func (a *Agent) EffectivePermissions() Permissions {
	if !a.InPIP {
		return a.Permissions
	}
	allowed := intersectStrings(a.Permissions.ToolsAllowed, restrictedMask.ToolsAllowed)
	return Permissions{
		ToolsAllowed: allowed,
		FSAllow:      a.Permissions.FSAllow,
		FSDeny:       a.Permissions.FSDeny,
		NetworkGrant: a.Permissions.NetworkGrant && restrictedMask.NetworkGrant,
	}
}

func intersectStrings(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// SystemBank is the platform's own account: collected tax, burned bonds,
// and the pool integrity interest is drawn from.
type SystemBank struct {
	Balance          decimal.Decimal `json:"balance"`
	TotalTaxCollected decimal.Decimal `json:"totalTaxCollected"`
	TotalBondsBurned  decimal.Decimal `json:"totalBondsBurned"`
}

// Transaction is one append-only, hash-chained ledger entry (spec.md §3, §6).
type Transaction struct {
	UUID       string          `json:"uuid"`
	Timestamp  time.Time       `json:"timestamp"`
	FromID     string          `json:"from"`
	ToID       string          `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
	Type       TxType          `json:"type"`
	TaskRef    string          `json:"taskRef,omitempty"`
	PrevDigest string          `json:"prevHash"`
	Digest     string          `json:"checksum"`
}

// PrevHash and Checksum satisfy meroot.Link.
func (t Transaction) PrevHash() string { return t.PrevDigest }
func (t Transaction) Checksum() string { return t.Digest }

// unchecksummed returns the payload that is hashed to produce Digest: the
// transaction without its own checksum field, so a checksum never covers
// itself.
func (t Transaction) unchecksummed() any {
	t2 := t
	t2.Digest = ""
	return t2
}

// Sentinel errors surfaced by MCE operations. The RPC layer translates
// these to the wire error taxonomy at the boundary (spec.md §7); internal
// packages never import the RPC error-code package.
var (
	ErrAgentNotFound       = errors.New("mce: agent not found")
	ErrInsufficientBalance = errors.New("mce: insufficient balance")
	ErrInvalidAmount       = errors.New("mce: invalid amount")
	ErrEscrowInvalidState  = errors.New("mce: invalid escrow state for operation")
	ErrConservationFailed  = errors.New("mce: citadel rejected conservation proof")
	ErrBankFloorBreached   = errors.New("mce: system bank floor would be breached")
)
