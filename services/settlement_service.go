package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/gosimple/slug"

	"round-settlement-system/models"
	"round-settlement-system/utils"
)

// SettlementService finalizes rounds and drives on-chain settlement. It is
// the single source of truth for "has this round been finalized": every
// path goes through the conditional claim in the repository, so duplicate
// and concurrent triggers are the normal case, not an error.
type SettlementService struct {
	Repo  RoundRepository
	Chain SettlementChain
}

func NewSettlementService(repo RoundRepository, chain SettlementChain) *SettlementService {
	return &SettlementService{Repo: repo, Chain: chain}
}

// FinalizeResult describes one finalization pass (or the persisted result
// of an earlier one, flagged AlreadyFinalized).
type FinalizeResult struct {
	AlreadyFinalized  bool            `json:"already_finalized"`
	EntriesRanked     int             `json:"entries_ranked"`
	PrizesDistributed int             `json:"prizes_distributed"`
	PrizePool         float64         `json:"prize_pool"`
	Winners           []models.Winner `json:"winners"`
}

// SettleResult describes a confirmed on-chain settlement.
type SettleResult struct {
	Root         string `json:"commitment_root"`
	SubmissionTx string `json:"submission_tx,omitempty"`
	WinnersCount int    `json:"winners_count"`
}

// Finalize ranks the paid entries of an ended round, computes prizes and
// persists both in one atomic batch together with the settlement
// timestamp. Calling it again, or concurrently, returns the persisted
// result unchanged: a published round is never re-ranked, even if the
// entry set has since mutated.
func (s *SettlementService) Finalize(roundID string) (*FinalizeResult, error) {
	round, err := s.Repo.GetRound(roundID)
	if err != nil {
		return nil, err
	}

	if round.Finalized() {
		return s.persistedResult(round)
	}

	if round.Phase != models.PhaseEnded {
		return nil, fmt.Errorf("%w: cannot finalize round in phase %q, must be %q",
			ErrInvalidTransition, round.Phase, models.PhaseEnded)
	}

	table, err := ParsePayoutTable(round.PayoutTable)
	if err != nil {
		return nil, err
	}

	eligible, err := s.Repo.EligibleEntries(roundID)
	if err != nil {
		return nil, err
	}

	ranked := RankEntries(eligible)
	prized := ApplyPrizes(ranked, round.PrizePool, table)

	claimed, err := s.Repo.ClaimFinalization(roundID, prized, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another caller won the race between our phase check and the
		// claim. Their result is the published one; ours is discarded.
		log.Printf("[SETTLEMENT] Round %s finalized concurrently, returning persisted result", roundID)
		return s.persistedResult(round)
	}

	log.Printf("[SETTLEMENT] Round %s finalized: %d ranked, pool $%.2f", roundID, len(prized), round.PrizePool)
	return &FinalizeResult{
		EntriesRanked:     len(prized),
		PrizesDistributed: countPrized(prized),
		PrizePool:         round.PrizePool,
		Winners:           winnersOf(round.OnChainID, prized),
	}, nil
}

// persistedResult rebuilds the finalize response from stored ranks and
// prizes, without recomputation.
func (s *SettlementService) persistedResult(round *models.Round) (*FinalizeResult, error) {
	entries, err := s.Repo.RankedEntries(round.ID)
	if err != nil {
		return nil, err
	}
	return &FinalizeResult{
		AlreadyFinalized:  true,
		EntriesRanked:     len(entries),
		PrizesDistributed: countPrized(entries),
		PrizePool:         round.PrizePool,
		Winners:           winnersOf(round.OnChainID, entries),
	}, nil
}

// Settle publishes the commitment root for a finalized round and marks it
// settled once the submission is confirmed. Local bookkeeping and the
// chain call are two distinct phases: a crash or revert in between leaves
// ranks and prizes intact, and only the submission is retried.
func (s *SettlementService) Settle(ctx context.Context, roundID string) (*SettleResult, error) {
	round, err := s.Repo.GetRound(roundID)
	if err != nil {
		return nil, err
	}

	if round.Phase == models.PhaseSettled && round.CommitmentRoot != "" {
		entries, err := s.Repo.RankedEntries(roundID)
		if err != nil {
			return nil, err
		}
		return &SettleResult{
			Root:         round.CommitmentRoot,
			SubmissionTx: round.SubmissionTx,
			WinnersCount: countPrized(entries),
		}, nil
	}

	if round.Phase != models.PhaseEnded {
		return nil, fmt.Errorf("%w: cannot settle round in phase %q, must be %q",
			ErrInvalidTransition, round.Phase, models.PhaseEnded)
	}

	// Finalize is idempotent, so driving it from here is safe whether or
	// not the trigger already ran.
	fin, err := s.Finalize(roundID)
	if err != nil {
		return nil, err
	}
	if len(fin.Winners) == 0 {
		return nil, fmt.Errorf("%w: round %s", ErrNoWinners, roundID)
	}

	tree, err := BuildCommitmentTree(fin.Winners)
	if err != nil {
		return nil, err
	}
	root := tree.Root()

	submissionTx, err := s.publishRoot(ctx, round, root)
	if err != nil {
		return nil, err
	}

	// Only after external confirmation does the round become SETTLED
	// locally, root and phase together.
	if err := s.Repo.RecordCommitment(roundID, root.Hex(), submissionTx); err != nil {
		return nil, err
	}

	s.archiveManifest(round, fin, root.Hex(), submissionTx)

	log.Printf("[SETTLEMENT] Round %s settled: root=%s winners=%d tx=%s",
		roundID, root.Hex(), len(fin.Winners), submissionTx)
	return &SettleResult{
		Root:         root.Hex(),
		SubmissionTx: submissionTx,
		WinnersCount: len(fin.Winners),
	}, nil
}

// publishRoot submits the root, skipping the transaction when the chain
// already carries it (crash after submit, before local bookkeeping).
func (s *SettlementService) publishRoot(ctx context.Context, round *models.Round, root common.Hash) (string, error) {
	if state, err := s.Chain.RoundState(ctx, round.OnChainID); err == nil {
		if state.Root != (common.Hash{}) {
			if state.Root != root {
				return "", fmt.Errorf("%w: chain already carries root %s for round %d, computed %s",
					ErrSubmissionFailed, state.Root.Hex(), round.OnChainID, root.Hex())
			}
			log.Printf("[SETTLEMENT] Root for round %d already on-chain, skipping submission", round.OnChainID)
			return round.SubmissionTx, nil
		}
	} else {
		log.Printf("[SETTLEMENT] Could not read chain state for round %d: %v", round.OnChainID, err)
	}

	tx, err := s.Chain.PublishRoot(ctx, round.OnChainID, root)
	if err != nil {
		if errors.Is(err, ErrSubmissionFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	return tx, nil
}

// archiveManifest uploads the winner manifest for audit. Best effort: a
// failed upload never fails a confirmed settlement.
func (s *SettlementService) archiveManifest(round *models.Round, fin *FinalizeResult, root, submissionTx string) {
	manifest, err := json.Marshal(fiber.Map{
		"round_id":        round.ID,
		"on_chain_id":     round.OnChainID,
		"name":            round.Name,
		"prize_pool":      round.PrizePool,
		"commitment_root": root,
		"submission_tx":   submissionTx,
		"winners":         fin.Winners,
	})
	if err != nil {
		log.Printf("[SETTLEMENT] Failed to encode manifest for round %s: %v", round.ID, err)
		return
	}
	key := fmt.Sprintf("settlements/%s-%d.json", slug.Make(round.Name), round.OnChainID)
	url, err := utils.UploadSettlementManifest(key, manifest)
	if err != nil {
		log.Printf("[SETTLEMENT] Failed to archive manifest for round %s: %v", round.ID, err)
		return
	}
	if err := s.Repo.RecordArchiveURL(round.ID, url); err != nil {
		log.Printf("[SETTLEMENT] Failed to store archive URL for round %s: %v", round.ID, err)
	}
}

// Proof rebuilds the commitment tree from the persisted winner set and
// returns the inclusion proof for one recipient. Read-only; the tree is
// never cached.
func (s *SettlementService) Proof(roundID, recipient string) (*ProofResult, error) {
	round, err := s.Repo.GetRound(roundID)
	if err != nil {
		return nil, err
	}
	if round.CommitmentRoot == "" {
		return nil, fmt.Errorf("%w: round %s has no published commitment yet",
			ErrInvalidTransition, roundID)
	}

	entries, err := s.Repo.RankedEntries(roundID)
	if err != nil {
		return nil, err
	}
	winners := winnersOf(round.OnChainID, entries)

	tree, err := BuildCommitmentTree(winners)
	if err != nil {
		return nil, err
	}
	if got := tree.Root().Hex(); got != round.CommitmentRoot {
		return nil, fmt.Errorf("rebuilt root %s does not match published root %s for round %s",
			got, round.CommitmentRoot, roundID)
	}

	target := common.HexToAddress(recipient)
	for _, w := range winners {
		if common.HexToAddress(w.Recipient) != target {
			continue
		}
		leaf := WinnerLeaf(w.RoundID, w.Recipient, w.Prize)
		path, err := tree.ProofFor(leaf)
		if err != nil {
			return nil, err
		}
		proof := make([]string, len(path))
		for i, h := range path {
			proof[i] = h.Hex()
		}
		return &ProofResult{
			Recipient: w.Recipient,
			Amount:    w.Prize,
			Rank:      w.Rank,
			Leaf:      common.BytesToHash(leaf).Hex(),
			Proof:     proof,
			Root:      round.CommitmentRoot,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s has no winning entry in round %s", ErrEntryNotFound, recipient, roundID)
}

// ProofResult is the claim package handed to a participant.
type ProofResult struct {
	Recipient string   `json:"recipient"`
	Amount    float64  `json:"amount"`
	Rank      int      `json:"rank"`
	Leaf      string   `json:"leaf"`
	Proof     []string `json:"proof"`
	Root      string   `json:"root"`
}

func winnersOf(onChainID uint64, entries []models.Entry) []models.Winner {
	winners := []models.Winner{}
	for _, e := range entries {
		if e.Prize > 0 {
			winners = append(winners, models.Winner{
				RoundID:   onChainID,
				Rank:      e.Rank,
				Recipient: e.Recipient,
				Prize:     e.Prize,
			})
		}
	}
	return winners
}

func countPrized(entries []models.Entry) int {
	n := 0
	for _, e := range entries {
		if e.Prize > 0 {
			n++
		}
	}
	return n
}

// --- HTTP handlers ---

// HandleFinalize is the trigger endpoint for the external orchestrator.
// Safe to call repeatedly with nothing but the round id.
func (s *SettlementService) HandleFinalize(c *fiber.Ctx) error {
	roundID := c.Params("id")
	if roundID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "round id required in URL"})
	}

	result, err := s.Finalize(roundID)
	if err != nil {
		return settlementError(c, err)
	}
	return c.JSON(fiber.Map{
		"success":            true,
		"already_finalized":  result.AlreadyFinalized,
		"entries_ranked":     result.EntriesRanked,
		"prizes_distributed": result.PrizesDistributed,
		"prize_pool":         result.PrizePool,
		"winners":            result.Winners,
	})
}

// HandleProof serves inclusion proofs for the claim flow.
func (s *SettlementService) HandleProof(c *fiber.Ctx) error {
	roundID := c.Params("id")
	recipient := c.Params("recipient")
	if !common.IsHexAddress(recipient) {
		return c.Status(400).JSON(fiber.Map{"error": "recipient must be a hex address"})
	}
	result, err := s.Proof(roundID, recipient)
	if err != nil {
		return settlementError(c, err)
	}
	return c.JSON(result)
}

// HandleWinners returns the persisted winner list of a finalized round.
func (s *SettlementService) HandleWinners(c *fiber.Ctx) error {
	roundID := c.Params("id")
	round, err := s.Repo.GetRound(roundID)
	if err != nil {
		return settlementError(c, err)
	}
	if !round.Finalized() {
		return c.Status(409).JSON(fiber.Map{"error": "round not finalized yet"})
	}
	entries, err := s.Repo.RankedEntries(roundID)
	if err != nil {
		return settlementError(c, err)
	}
	return c.JSON(fiber.Map{
		"round_id":        round.ID,
		"prize_pool":      round.PrizePool,
		"commitment_root": round.CommitmentRoot,
		"winners":         winnersOf(round.OnChainID, entries),
	})
}

// settlementError maps engine sentinels onto HTTP statuses.
func settlementError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrRoundNotFound), errors.Is(err, ErrEntryNotFound):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrInvalidTransition):
		return c.Status(409).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNoWinners):
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrSubmissionFailed):
		return c.Status(502).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("[SETTLEMENT] Internal error: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
}
