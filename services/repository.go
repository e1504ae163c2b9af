package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"round-settlement-system/models"
)

// RoundRepository is the entry-ledger boundary the settlement engine works
// against. The gorm implementation below is the production path; tests
// exercise the coordinator through an in-memory fake. Keeping the atomic
// claim behind this interface is what makes the check-then-act race
// testable at all.
type RoundRepository interface {
	GetRound(id string) (*models.Round, error)

	// EligibleEntries returns the paid entries of a round, in no
	// particular order. Callers must never rely on row order: ranking
	// applies its own canonical sort.
	EligibleEntries(roundID string) ([]models.Entry, error)

	// RankedEntries returns the persisted post-finalization entries of a
	// round ordered by rank.
	RankedEntries(roundID string) ([]models.Entry, error)

	// ClaimFinalization persists the rank/prize batch and stamps the
	// round's SettledAt in one transaction, conditional on SettledAt
	// still being NULL. Exactly one concurrent caller wins the claim;
	// the rest get (false, nil) and must read the persisted result.
	ClaimFinalization(roundID string, ranked []models.Entry, settledAt time.Time) (bool, error)

	// TransitionPhase moves a round from one phase to the next as a
	// conditional update; false means the round was not in `from`.
	TransitionPhase(roundID string, from, to models.Phase, closedAt *time.Time) (bool, error)

	// RecordCommitment stores the confirmed root and receipt and marks
	// the round settled, atomically and at most once.
	RecordCommitment(roundID, root, submissionTx string) error

	// RecordArchiveURL stores the audit manifest location after upload.
	RecordArchiveURL(roundID, url string) error

	// PendingSettlement lists rounds that are finalized but whose root
	// has not been confirmed on-chain yet (crash or submission failure
	// between the two settlement phases). The retry worker drains these.
	// Rounds finalized with no prized entries are excluded: settling
	// them can only ever fail, so there is nothing to retry.
	PendingSettlement() ([]models.Round, error)

	QuestionCount(roundID string) (int64, error)
}

// GormRoundRepository is the PostgreSQL-backed repository.
type GormRoundRepository struct {
	DB *gorm.DB
}

func NewGormRoundRepository(db *gorm.DB) *GormRoundRepository {
	return &GormRoundRepository{DB: db}
}

func (r *GormRoundRepository) GetRound(id string) (*models.Round, error) {
	var round models.Round
	if err := r.DB.First(&round, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, id)
		}
		return nil, err
	}
	return &round, nil
}

func (r *GormRoundRepository) EligibleEntries(roundID string) ([]models.Entry, error) {
	var entries []models.Entry
	err := r.DB.
		Where("round_id = ? AND payment_status IN ?", roundID, models.EligibleStatuses).
		Find(&entries).Error
	return entries, err
}

func (r *GormRoundRepository) RankedEntries(roundID string) ([]models.Entry, error) {
	var entries []models.Entry
	err := r.DB.
		Where("round_id = ? AND rank > 0", roundID).
		Order("rank ASC").
		Find(&entries).Error
	return entries, err
}

func (r *GormRoundRepository) ClaimFinalization(roundID string, ranked []models.Entry, settledAt time.Time) (bool, error) {
	claimed := false
	err := r.DB.Transaction(func(tx *gorm.DB) error {
		// The claim itself: a compare-and-set on settled_at. Losing
		// callers see RowsAffected == 0 and back off without touching
		// any entry.
		res := tx.Model(&models.Round{}).
			Where("id = ? AND settled_at IS NULL", roundID).
			Update("settled_at", settledAt)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true

		for _, e := range ranked {
			if err := tx.Model(&models.Entry{}).
				Where("id = ?", e.ID).
				Updates(map[string]interface{}{
					"rank":  e.Rank,
					"prize": e.Prize,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (r *GormRoundRepository) TransitionPhase(roundID string, from, to models.Phase, closedAt *time.Time) (bool, error) {
	updates := map[string]interface{}{"phase": to}
	if closedAt != nil {
		updates["closed_at"] = closedAt
	}
	res := r.DB.Model(&models.Round{}).
		Where("id = ? AND phase = ?", roundID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormRoundRepository) RecordCommitment(roundID, root, submissionTx string) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		var round models.Round
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&round, "id = ?", roundID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
			}
			return err
		}
		if round.CommitmentRoot != "" {
			// Root is written exactly once; a duplicate confirmation of
			// the same root is a no-op, anything else is a bug upstream.
			if round.CommitmentRoot != root {
				return fmt.Errorf("round %s already committed to %s, refusing %s",
					roundID, round.CommitmentRoot, root)
			}
			return nil
		}
		return tx.Model(&round).Updates(map[string]interface{}{
			"commitment_root": root,
			"submission_tx":   submissionTx,
			"phase":           models.PhaseSettled,
		}).Error
	})
}

func (r *GormRoundRepository) RecordArchiveURL(roundID, url string) error {
	return r.DB.Model(&models.Round{}).
		Where("id = ?", roundID).
		Update("archive_url", url).Error
}

func (r *GormRoundRepository) PendingSettlement() ([]models.Round, error) {
	var rounds []models.Round
	err := r.DB.
		Where("phase = ? AND settled_at IS NOT NULL AND commitment_root = ''", models.PhaseEnded).
		Where("EXISTS (SELECT 1 FROM entries WHERE entries.round_id = rounds.id AND entries.prize > 0)").
		Order("settled_at ASC").
		Find(&rounds).Error
	return rounds, err
}

func (r *GormRoundRepository) QuestionCount(roundID string) (int64, error) {
	var count int64
	err := r.DB.Model(&models.Question{}).
		Where("round_id = ?", roundID).
		Count(&count).Error
	return count, err
}
