package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"round-settlement-system/models"
)

// Lifecycle operations: the guarded transitions between round phases.
// Each guard rejects with ErrInvalidTransition instead of coercing; only
// the duplicate "end" trigger is tolerated as a no-op, because the round
// scheduler can legitimately fire it more than once.

// Start moves a round from OPEN to LIVE. Requires at least one question.
func (s *SettlementService) Start(roundID string) (models.Phase, error) {
	round, err := s.Repo.GetRound(roundID)
	if err != nil {
		return "", err
	}
	if round.Phase != models.PhaseOpen {
		return "", fmt.Errorf("%w: cannot start round in phase %q", ErrInvalidTransition, round.Phase)
	}
	questions, err := s.Repo.QuestionCount(roundID)
	if err != nil {
		return "", err
	}
	if questions == 0 {
		return "", fmt.Errorf("%w: round %s has no questions configured", ErrInvalidTransition, roundID)
	}
	ok, err := s.Repo.TransitionPhase(roundID, models.PhaseOpen, models.PhaseLive, nil)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: round %s left phase %q concurrently", ErrInvalidTransition, roundID, models.PhaseOpen)
	}
	log.Printf("[LIFECYCLE] Round %s is live", roundID)
	return models.PhaseLive, nil
}

// End moves a round from LIVE to ENDED and tells the settlement contract
// to stop accepting entries. Ending an already-ended round is a no-op
// success. The chain call is best effort here: the local phase flip is
// what gates finalization, and a failed endRound only means a few late
// on-chain tickets that finalization will not see anyway.
func (s *SettlementService) End(ctx context.Context, roundID string) (models.Phase, error) {
	round, err := s.Repo.GetRound(roundID)
	if err != nil {
		return "", err
	}
	switch round.Phase {
	case models.PhaseEnded:
		return models.PhaseEnded, nil
	case models.PhaseLive:
		// fall through to the transition
	default:
		return "", fmt.Errorf("%w: cannot end round in phase %q", ErrInvalidTransition, round.Phase)
	}

	now := time.Now().UTC()
	ok, err := s.Repo.TransitionPhase(roundID, models.PhaseLive, models.PhaseEnded, &now)
	if err != nil {
		return "", err
	}
	if !ok {
		// Lost a race with another "end" trigger; same outcome.
		return models.PhaseEnded, nil
	}

	if _, err := s.Chain.EndRound(ctx, round.OnChainID); err != nil {
		log.Printf("[LIFECYCLE] endRound on-chain failed for round %s: %v", roundID, err)
	}
	log.Printf("[LIFECYCLE] Round %s ended", roundID)
	return models.PhaseEnded, nil
}

// HandleLifecycle is the operator action-dispatch endpoint:
// {action: start|end|settle, round_id}.
func (s *SettlementService) HandleLifecycle(c *fiber.Ctx) error {
	type Req struct {
		Action  string `json:"action" validate:"required,oneof=start end settle"`
		RoundID string `json:"round_id" validate:"required"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.RoundID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "round_id is required"})
	}
	action, err := models.ParseLifecycleAction(req.Action)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	switch action {
	case models.ActionStart:
		phase, err := s.Start(req.RoundID)
		if err != nil {
			return settlementError(c, err)
		}
		return c.JSON(fiber.Map{"round_id": req.RoundID, "phase": phase})

	case models.ActionEnd:
		phase, err := s.End(c.Context(), req.RoundID)
		if err != nil {
			return settlementError(c, err)
		}
		return c.JSON(fiber.Map{"round_id": req.RoundID, "phase": phase})

	case models.ActionSettle:
		result, err := s.Settle(c.Context(), req.RoundID)
		if err != nil {
			return settlementError(c, err)
		}
		return c.JSON(fiber.Map{
			"round_id":        req.RoundID,
			"phase":           models.PhaseSettled,
			"winners_count":   result.WinnersCount,
			"commitment_root": result.Root,
			"submission_tx":   result.SubmissionTx,
		})
	}
	// Unreachable: ParseLifecycleAction is exhaustive.
	return c.Status(400).JSON(fiber.Map{"error": "unknown action"})
}
