package models

import "time"

// Entry payment statuses. "paid" and "waived" entries are eligible for
// ranking; "waived" is the free-round marker, not a missing payment.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
	PaymentWaived  = "waived"
)

// Entry is one participant's recorded result within a round. Score
// accumulates while the round is live and is immutable once it ends.
// Rank stays 0 and Prize stays 0 until finalization assigns them in a
// single atomic batch together with the round's SettledAt stamp.
type Entry struct {
	ID      string `json:"id" gorm:"primaryKey"`
	RoundID string `json:"round_id" gorm:"not null;index;uniqueIndex:idx_round_recipient"`
	// Recipient is the player's payout address (EVM, 0x-prefixed hex).
	// It is the identity hashed into the commitment tree leaf.
	Recipient  string `json:"recipient" gorm:"not null;uniqueIndex:idx_round_recipient"`
	PlayerName string `json:"player_name"`

	Score int64 `json:"score" gorm:"default:0"`

	// Payment metadata — PaymentStatus must be "paid" or "waived" for the
	// entry to be ranked at finalization.
	PaymentID     string     `json:"payment_id"`
	PaymentAmount float64    `json:"payment_amount" gorm:"default:0"`
	PaymentStatus string     `json:"payment_status" gorm:"default:'pending';index"`
	PaymentAt     *time.Time `json:"payment_at,omitempty"`

	JoinedAt time.Time `json:"joined_at" gorm:"autoCreateTime"`

	// Finalization output. Rank is 1-based and contiguous among eligible
	// entries of a settled round; 0 means not ranked yet.
	Rank  int     `json:"rank" gorm:"default:0"`
	Prize float64 `json:"prize" gorm:"default:0"`

	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Eligible reports whether the entry counts for ranking.
func (e *Entry) Eligible() bool {
	return e.PaymentStatus == PaymentPaid || e.PaymentStatus == PaymentWaived
}

// EligibleStatuses is the query-side mirror of Eligible.
var EligibleStatuses = []string{PaymentPaid, PaymentWaived}
