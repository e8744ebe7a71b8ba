package mce

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	royaltyAuthorShare = decimal.NewFromFloat(0.0075)
	royaltyBankShare   = decimal.NewFromFloat(0.0075)
)

// CodeReuseFinding is what the POST_TOOL pipeline reports when it detects
// reused code in a completed task (spec.md §4.4 Royalties).
type CodeReuseFinding struct {
	Similarity     decimal.Decimal `json:"similarity"`
	ASTEquivalent  bool            `json:"astEquivalent"`
	OriginalAuthor string          `json:"originalAuthor,omitempty"`
}

// Qualifies reports whether a finding crosses the royalty threshold:
// similarity ≥ 0.92 AND AST-equivalence.
func (f CodeReuseFinding) Qualifies() bool {
	return f.ASTEquivalent && f.Similarity.GreaterThanOrEqual(decimal.NewFromFloat(0.92))
}

// buildRoyalty splits a 1.5% license fee on taskReward between the
// original author (0.75%) and the system bank (0.75%), both debited from
// the consuming agent (spec.md §4.4 Royalties).
func buildRoyalty(consumerID, authorID, taskRef string, taskReward decimal.Decimal, now time.Time) []Transaction {
	authorFee := round(taskReward.Mul(royaltyAuthorShare))
	bankFee := round(taskReward.Mul(royaltyBankShare))
	return []Transaction{
		{
			Timestamp: now,
			FromID:    consumerID,
			ToID:      authorID,
			Amount:    authorFee,
			Type:      TxRoyalty,
			TaskRef:   taskRef,
		},
		{
			Timestamp: now,
			FromID:    consumerID,
			ToID:      BankAccountID,
			Amount:    bankFee,
			Type:      TxRoyalty,
			TaskRef:   taskRef,
		},
	}
}
