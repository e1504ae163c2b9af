package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"round-settlement-system/models"
)

// RoundService covers the CRUD side of rounds: creation, content,
// entries and the live leaderboard. Everything settlement-related lives
// in SettlementService.
type RoundService struct {
	DB *gorm.DB
}

func NewRoundService(db *gorm.DB) *RoundService {
	return &RoundService{DB: db}
}

// CreateRound validates the payout configuration up front; a malformed
// table or non-positive pool never reaches the database.
func (s *RoundService) CreateRound(c *fiber.Ctx) error {
	type Req struct {
		Name        string  `json:"name" validate:"required"`
		OnChainID   uint64  `json:"on_chain_id" validate:"required"`
		EntryFee    float64 `json:"entry_fee"`
		PrizePool   float64 `json:"prize_pool" validate:"required,gt=0"`
		PayoutTable string  `json:"payout_table" validate:"required"`
		EndsAt      string  `json:"ends_at,omitempty"` // RFC3339
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Name == "" {
		return c.Status(400).JSON(fiber.Map{"error": "name is required"})
	}
	if req.OnChainID == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "on_chain_id is required"})
	}
	if req.PrizePool <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "prize_pool must be > 0"})
	}
	if req.EntryFee < 0 {
		return c.Status(400).JSON(fiber.Map{"error": "entry_fee must be non-negative"})
	}
	if _, err := ParsePayoutTable(req.PayoutTable); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	var endsAt *time.Time
	if req.EndsAt != "" {
		t, err := time.Parse(time.RFC3339, req.EndsAt)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid ends_at (use RFC3339)"})
		}
		endsAt = &t
	}

	round := &models.Round{
		ID:          uuid.NewString(),
		OnChainID:   req.OnChainID,
		Name:        req.Name,
		Phase:       models.PhaseOpen,
		EntryFee:    req.EntryFee,
		PrizePool:   req.PrizePool,
		PayoutTable: req.PayoutTable,
		EndsAt:      endsAt,
	}
	if err := s.DB.Create(round).Error; err != nil {
		log.Printf("DB Error creating round: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create round"})
	}
	return c.Status(201).JSON(round)
}

func (s *RoundService) GetAllRounds(c *fiber.Ctx) error {
	var rounds []models.Round
	if err := s.DB.Order("created_at DESC").Find(&rounds).Error; err != nil {
		log.Printf("DB Error fetching rounds: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch rounds"})
	}
	return c.JSON(rounds)
}

func (s *RoundService) GetRoundByID(c *fiber.Ctx) error {
	id := c.Params("id")
	var round models.Round
	err := s.DB.
		Preload("Questions", func(db *gorm.DB) *gorm.DB {
			return db.Order("\"sort_order\" ASC")
		}).
		First(&round, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "round not found"})
		}
		log.Printf("DB Error fetching round %s: %v", id, err)
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	s.DB.Model(&models.Entry{}).
		Where("round_id = ?", id).
		Count(&round.EntriesCount)
	s.DB.Model(&models.Entry{}).
		Where("round_id = ? AND payment_status IN ?", id, models.EligibleStatuses).
		Count(&round.EligibleCount)

	return c.JSON(round)
}

// AddQuestion attaches a playable content item. Only legal while the
// round is still OPEN: content is frozen once play begins.
func (s *RoundService) AddQuestion(c *fiber.Ctx) error {
	roundID := c.Params("id")
	type Req struct {
		Prompt    string `json:"prompt" validate:"required"`
		Options   string `json:"options"`
		Answer    int    `json:"answer"`
		SortOrder int    `json:"sort_order"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Prompt == "" {
		return c.Status(400).JSON(fiber.Map{"error": "prompt is required"})
	}

	var round models.Round
	if err := s.DB.First(&round, "id = ?", roundID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "round not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	if round.Phase != models.PhaseOpen {
		return c.Status(409).JSON(fiber.Map{"error": fmt.Sprintf("cannot add questions to a %s round", round.Phase)})
	}

	question := &models.Question{
		ID:        uuid.NewString(),
		RoundID:   roundID,
		Prompt:    req.Prompt,
		Options:   req.Options,
		Answer:    req.Answer,
		SortOrder: req.SortOrder,
	}
	if err := s.DB.Create(question).Error; err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to create question"})
	}
	return c.Status(201).JSON(question)
}

// JoinRound registers a participant with payment metadata. One entry per
// recipient per round; the unique index backs up the explicit check.
func (s *RoundService) JoinRound(c *fiber.Ctx) error {
	roundID := c.Params("id")
	type Req struct {
		Recipient     string  `json:"recipient" validate:"required"`
		PlayerName    string  `json:"player_name"`
		PaymentID     string  `json:"payment_id,omitempty"`
		PaymentAmount float64 `json:"payment_amount,omitempty"`
		PaymentStatus string  `json:"payment_status" validate:"oneof=pending paid waived"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if !common.IsHexAddress(req.Recipient) {
		return c.Status(400).JSON(fiber.Map{"error": "recipient must be a valid hex address"})
	}

	var round models.Round
	if err := s.DB.First(&round, "id = ?", roundID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "round not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error fetching round"})
	}
	if round.Phase != models.PhaseOpen && round.Phase != models.PhaseLive {
		return c.Status(409).JSON(fiber.Map{"error": fmt.Sprintf("round is %s, no longer accepting entries", round.Phase)})
	}

	recipient := common.HexToAddress(req.Recipient).Hex()

	var existing models.Entry
	if err := s.DB.Where("round_id = ? AND recipient = ?", roundID, recipient).
		First(&existing).Error; err == nil {
		return c.Status(409).JSON(fiber.Map{"error": "recipient already entered", "entry": existing})
	}

	var paymentAt *time.Time
	switch req.PaymentStatus {
	case models.PaymentPaid:
		if req.PaymentID == "" {
			return c.Status(400).JSON(fiber.Map{"error": "payment_id required for 'paid'"})
		}
		if round.EntryFee > 0 && req.PaymentAmount != round.EntryFee {
			return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf(
				"payment_amount ($%.2f) must match entry fee ($%.2f) for 'paid'", req.PaymentAmount, round.EntryFee)})
		}
		now := time.Now()
		paymentAt = &now
	case models.PaymentWaived:
		if round.EntryFee > 0 {
			return c.Status(400).JSON(fiber.Map{"error": "payment_status 'waived' invalid when entry fee > 0"})
		}
		req.PaymentAmount = 0
	case models.PaymentPending, "":
		req.PaymentStatus = models.PaymentPending
		if req.PaymentID == "" {
			req.PaymentID = "pending-" + uuid.NewString()
		}
	default:
		return c.Status(400).JSON(fiber.Map{"error": "payment_status must be one of pending, paid, waived"})
	}

	entry := models.Entry{
		ID:            uuid.NewString(),
		RoundID:       roundID,
		Recipient:     recipient,
		PlayerName:    req.PlayerName,
		PaymentID:     req.PaymentID,
		PaymentAmount: req.PaymentAmount,
		PaymentStatus: req.PaymentStatus,
		PaymentAt:     paymentAt,
		JoinedAt:      time.Now(),
	}
	if err := s.DB.Create(&entry).Error; err != nil {
		log.Printf("DB Error creating entry: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create entry", "details": err.Error()})
	}
	return c.Status(201).JSON(entry)
}

// SubmitScore records a score for an entry while the round is live. The
// stored score only ever increases (best attempt wins).
func (s *RoundService) SubmitScore(c *fiber.Ctx) error {
	roundID := c.Params("id")
	recipient := c.Params("recipient")
	type Req struct {
		Score int64 `json:"score"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Score < 0 {
		return c.Status(400).JSON(fiber.Map{"error": "score must be non-negative"})
	}
	if !common.IsHexAddress(recipient) {
		return c.Status(400).JSON(fiber.Map{"error": "recipient must be a valid hex address"})
	}

	var round models.Round
	if err := s.DB.First(&round, "id = ?", roundID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "round not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}
	if round.Phase != models.PhaseLive {
		// Scores are immutable once the round ends.
		return c.Status(409).JSON(fiber.Map{"error": fmt.Sprintf("round is %s, scores are locked", round.Phase)})
	}

	addr := common.HexToAddress(recipient).Hex()
	var entry models.Entry
	if err := s.DB.Where("round_id = ? AND recipient = ?", roundID, addr).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "entry not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	if req.Score > entry.Score {
		if err := s.DB.Model(&entry).Update("score", req.Score).Error; err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "failed to update score"})
		}
		entry.Score = req.Score
	}
	return c.JSON(entry)
}

// GetLeaderboard returns the round's eligible entries in the canonical
// ranking order. Same comparator as finalization, so the live standings
// never disagree with the final ranks.
func (s *RoundService) GetLeaderboard(c *fiber.Ctx) error {
	roundID := c.Params("id")
	if err := s.DB.First(&models.Round{}, "id = ?", roundID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": "round not found"})
		}
		return c.Status(500).JSON(fiber.Map{"error": "DB error"})
	}

	var entries []models.Entry
	if err := s.DB.
		Where("round_id = ? AND payment_status IN ?", roundID, models.EligibleStatuses).
		Find(&entries).Error; err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to fetch entries"})
	}

	SortEntries(entries)
	type row struct {
		Position   int    `json:"position"`
		Recipient  string `json:"recipient"`
		PlayerName string `json:"player_name"`
		Score      int64  `json:"score"`
	}
	board := make([]row, len(entries))
	for i, e := range entries {
		board[i] = row{Position: i + 1, Recipient: e.Recipient, PlayerName: e.PlayerName, Score: e.Score}
	}
	return c.JSON(fiber.Map{"round_id": roundID, "leaderboard": board})
}
