package models

import (
	"time"
)

// Round is one instance of the game from opening to on-chain settlement.
// SettledAt doubles as the finalization claim: it is stamped exactly once,
// together with the rank/prize batch, by a conditional update keyed on it
// still being NULL. CommitmentRoot stays empty until the root has been
// confirmed on the settlement contract.
type Round struct {
	ID        string  `json:"id" gorm:"primaryKey"`
	OnChainID uint64  `json:"on_chain_id" gorm:"uniqueIndex"`
	Name      string  `json:"name" gorm:"not null"`
	Phase     Phase   `json:"phase" gorm:"type:varchar(16);default:'open';index"`
	EntryFee  float64 `json:"entry_fee" gorm:"default:0"`
	PrizePool float64 `json:"prize_pool" gorm:"not null"`
	// PayoutTable is a JSON array of pool fractions by rank position,
	// e.g. "[0.6,0.3,0.1]". Validated before the round is created.
	PayoutTable string `json:"payout_table" gorm:"type:text;not null"`

	OpenedAt time.Time  `json:"opened_at" gorm:"autoCreateTime"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	// SettledAt is the local finalization timestamp (ranks and prizes
	// persisted). It is NOT the on-chain confirmation; that is the root.
	SettledAt      *time.Time `json:"settled_at,omitempty" gorm:"index"`
	CommitmentRoot string     `json:"commitment_root" gorm:"type:varchar(66);default:''"`
	SubmissionTx   string     `json:"submission_tx,omitempty"`
	ArchiveURL     string     `json:"archive_url,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Relationships
	Entries   []Entry    `json:"entries,omitempty" gorm:"foreignKey:RoundID"`
	Questions []Question `json:"questions,omitempty" gorm:"foreignKey:RoundID"`

	// Calculated fields (not stored in DB)
	EntriesCount  int64 `json:"entries_count,omitempty" gorm:"-"`
	EligibleCount int64 `json:"eligible_count,omitempty" gorm:"-"`
}

// Finalized reports whether ranks and prizes have been persisted.
func (r *Round) Finalized() bool {
	return r.SettledAt != nil
}

// Question is one playable content item. A round needs at least one
// before it may go live.
type Question struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	RoundID   string    `json:"round_id" gorm:"not null;index"`
	Prompt    string    `json:"prompt" gorm:"type:text;not null"`
	Options   string    `json:"options" gorm:"type:text"` // JSON array of choices
	Answer    int       `json:"answer"`                   // index into Options
	SortOrder int       `json:"sort_order" gorm:"column:sort_order;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// Winner is the derived (round, recipient, amount) triple hashed into the
// commitment tree. It is never persisted on its own: it must be
// reproducible byte-for-byte from Round + Entry state so proofs can be
// regenerated long after settlement.
type Winner struct {
	RoundID   uint64  `json:"-"`
	Rank      int     `json:"rank"`
	Recipient string  `json:"recipient"`
	Prize     float64 `json:"prize"`
}
