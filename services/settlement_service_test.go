package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"round-settlement-system/models"
)

func endedRound(id string) models.Round {
	return models.Round{
		ID:          id,
		OnChainID:   42,
		Name:        "Friday Quiz",
		Phase:       models.PhaseEnded,
		PrizePool:   100,
		PayoutTable: "[0.6,0.3,0.1]",
	}
}

func seedEntries(repo *memoryRepo, roundID string, scores []int64) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, score := range scores {
		repo.addEntry(models.Entry{
			ID:            fmt.Sprintf("entry-%d", i),
			RoundID:       roundID,
			Recipient:     fmt.Sprintf("0x%040d", i+1),
			Score:         score,
			PaymentStatus: models.PaymentPaid,
			JoinedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestFinalizeRanksAndDistributes(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	// First two tied on 100; entry-0 joined earlier and wins the tie.
	seedEntries(repo, "r1", []int64{100, 100, 90, 80, 70})
	svc := NewSettlementService(repo, newStubChain())

	result, err := svc.Finalize("r1")
	require.NoError(t, err)

	assert.False(t, result.AlreadyFinalized)
	assert.Equal(t, 5, result.EntriesRanked)
	assert.Equal(t, 3, result.PrizesDistributed)
	assert.Equal(t, 100.0, result.PrizePool)

	require.Len(t, result.Winners, 3)
	assert.Equal(t, 1, result.Winners[0].Rank)
	assert.Equal(t, fmt.Sprintf("0x%040d", 1), result.Winners[0].Recipient)
	assert.Equal(t, 60.0, result.Winners[0].Prize)
	assert.Equal(t, 30.0, result.Winners[1].Prize)
	assert.Equal(t, 10.0, result.Winners[2].Prize)

	// Persisted ranks are contiguous 1..5.
	entries, err := repo.RankedEntries("r1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{100, 90, 80})
	svc := NewSettlementService(repo, newStubChain())

	first, err := svc.Finalize("r1")
	require.NoError(t, err)
	assert.False(t, first.AlreadyFinalized)

	second, err := svc.Finalize("r1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyFinalized)
	assert.Equal(t, first.Winners, second.Winners)
	assert.Equal(t, first.EntriesRanked, second.EntriesRanked)

	// Exactly one computation pass wrote anything.
	assert.Equal(t, 1, repo.claims)
}

func TestFinalizeConcurrentCallsComputeOnce(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{50, 40, 30, 20, 10})
	svc := NewSettlementService(repo, newStubChain())

	const callers = 16
	results := make([]*FinalizeResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Finalize("r1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, results[0].Winners, results[i].Winners)
		assert.Equal(t, 5, results[i].EntriesRanked)
	}
	assert.Equal(t, 1, repo.claims, "more than one caller won the claim")
}

func TestFinalizeRejectsWrongPhase(t *testing.T) {
	repo := newMemoryRepo()
	for _, phase := range []models.Phase{models.PhaseOpen, models.PhaseLive} {
		round := endedRound("r-" + string(phase))
		round.Phase = phase
		repo.addRound(round)
	}
	svc := NewSettlementService(repo, newStubChain())

	for _, id := range []string{"r-open", "r-live"} {
		_, err := svc.Finalize(id)
		require.ErrorIs(t, err, ErrInvalidTransition, id)
	}
	// Nothing was touched.
	assert.Equal(t, 0, repo.claims)
}

func TestFinalizeUnknownRound(t *testing.T) {
	svc := NewSettlementService(newMemoryRepo(), newStubChain())
	_, err := svc.Finalize("missing")
	require.ErrorIs(t, err, ErrRoundNotFound)
}

func TestFinalizeRejectsMalformedPayoutTable(t *testing.T) {
	repo := newMemoryRepo()
	round := endedRound("r1")
	round.PayoutTable = "[0.9, 0.9]"
	repo.addRound(round)
	seedEntries(repo, "r1", []int64{10})
	svc := NewSettlementService(repo, newStubChain())

	_, err := svc.Finalize("r1")
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, repo.claims)
}

func TestFinalizeRanksWaivedEntries(t *testing.T) {
	repo := newMemoryRepo()
	round := endedRound("r1")
	round.EntryFee = 0
	repo.addRound(round)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.addEntry(models.Entry{
		ID: "e-waived", RoundID: "r1",
		Recipient:     fmt.Sprintf("0x%040d", 1),
		Score:         90,
		PaymentStatus: models.PaymentWaived,
		JoinedAt:      base,
	})
	repo.addEntry(models.Entry{
		ID: "e-paid", RoundID: "r1",
		Recipient:     fmt.Sprintf("0x%040d", 2),
		Score:         80,
		PaymentStatus: models.PaymentPaid,
		JoinedAt:      base.Add(time.Minute),
	})
	repo.addEntry(models.Entry{
		ID: "e-pending", RoundID: "r1",
		Recipient:     fmt.Sprintf("0x%040d", 3),
		Score:         100,
		PaymentStatus: models.PaymentPending,
		JoinedAt:      base.Add(2 * time.Minute),
	})
	svc := NewSettlementService(repo, newStubChain())

	result, err := svc.Finalize("r1")
	require.NoError(t, err)

	// A free round's waived entries rank alongside paid ones; pending
	// stays out.
	assert.Equal(t, 2, result.EntriesRanked)
	require.Len(t, result.Winners, 2)
	assert.Equal(t, fmt.Sprintf("0x%040d", 1), result.Winners[0].Recipient)
	assert.Equal(t, 60.0, result.Winners[0].Prize)
	assert.Equal(t, fmt.Sprintf("0x%040d", 2), result.Winners[1].Recipient)
}

func TestSettlePublishesRootAndMarksSettled(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{100, 90, 80, 70})
	chain := newStubChain()
	svc := NewSettlementService(repo, chain)

	result, err := svc.Settle(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.WinnersCount)
	assert.NotEmpty(t, result.Root)
	assert.Equal(t, "0xsubmitted", result.SubmissionTx)

	round, err := repo.GetRound("r1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSettled, round.Phase)
	assert.Equal(t, result.Root, round.CommitmentRoot)
	require.NotNil(t, round.SettledAt)

	// Root on the stub chain matches the recorded one.
	assert.Equal(t, result.Root, chain.published[42].Hex())
}

func TestSettleIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{100, 90})
	chain := newStubChain()
	svc := NewSettlementService(repo, chain)

	first, err := svc.Settle(context.Background(), "r1")
	require.NoError(t, err)

	second, err := svc.Settle(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, first.Root, second.Root)
	assert.Equal(t, 1, chain.publishCalls, "root submitted more than once")
}

func TestSettleSubmissionFailureLeavesLocalStateRetryable(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{100, 90})
	chain := newStubChain()
	chain.publishErr = fmt.Errorf("%w: rpc timeout", ErrSubmissionFailed)
	svc := NewSettlementService(repo, chain)

	_, err := svc.Settle(context.Background(), "r1")
	require.ErrorIs(t, err, ErrSubmissionFailed)

	// Local finalization survived the failed submission.
	round, err := repo.GetRound("r1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseEnded, round.Phase)
	assert.NotNil(t, round.SettledAt)
	assert.Empty(t, round.CommitmentRoot)

	pending, err := repo.PendingSettlement()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Retry succeeds without recomputing ranks.
	chain.publishErr = nil
	result, err := svc.Settle(context.Background(), "r1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Root)
	assert.Equal(t, 1, repo.claims)

	round, _ = repo.GetRound("r1")
	assert.Equal(t, models.PhaseSettled, round.Phase)
}

func TestSettleRejectsEmptyWinnerSet(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	// Entries exist but none are payment-eligible.
	repo.addEntry(models.Entry{
		ID:            "e1",
		RoundID:       "r1",
		Recipient:     "0x1111111111111111111111111111111111111111",
		Score:         10,
		PaymentStatus: models.PaymentPending,
	})
	svc := NewSettlementService(repo, newStubChain())

	_, err := svc.Settle(context.Background(), "r1")
	require.ErrorIs(t, err, ErrNoWinners)

	round, _ := repo.GetRound("r1")
	assert.Empty(t, round.CommitmentRoot)
	assert.Equal(t, models.PhaseEnded, round.Phase)
}

func TestPendingSettlementSkipsNoWinnerRounds(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	// Only an ineligible entry: finalization succeeds with zero winners.
	repo.addEntry(models.Entry{
		ID: "e1", RoundID: "r1",
		Recipient:     "0x1111111111111111111111111111111111111111",
		Score:         10,
		PaymentStatus: models.PaymentPending,
	})
	svc := NewSettlementService(repo, newStubChain())

	fin, err := svc.Finalize("r1")
	require.NoError(t, err)
	assert.Empty(t, fin.Winners)

	round, _ := repo.GetRound("r1")
	require.NotNil(t, round.SettledAt)

	// The retry worker must not pick this round up: settling it can only
	// ever fail with ErrNoWinners.
	pending, err := repo.PendingSettlement()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProofRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{100, 90, 80, 70, 60})
	svc := NewSettlementService(repo, newStubChain())

	settled, err := svc.Settle(context.Background(), "r1")
	require.NoError(t, err)

	winner := fmt.Sprintf("0x%040d", 2) // rank 2, $30
	proof, err := svc.Proof("r1", winner)
	require.NoError(t, err)
	assert.Equal(t, 30.0, proof.Amount)
	assert.Equal(t, 2, proof.Rank)
	assert.Equal(t, settled.Root, proof.Root)

	// The proof verifies against the published root.
	round, _ := repo.GetRound("r1")
	leaf := WinnerLeaf(round.OnChainID, proof.Recipient, proof.Amount)
	path := make([]common.Hash, len(proof.Proof))
	for i, h := range proof.Proof {
		path[i] = common.HexToHash(h)
	}
	assert.True(t, VerifyCommitmentProof(common.HexToHash(proof.Root), leaf, path))
}

func TestProofForNonWinner(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{100, 90, 80, 70})
	svc := NewSettlementService(repo, newStubChain())

	_, err := svc.Settle(context.Background(), "r1")
	require.NoError(t, err)

	// Rank 4 is outside the payout table: entered, ranked, not a winner.
	_, err = svc.Proof("r1", fmt.Sprintf("0x%040d", 4))
	require.ErrorIs(t, err, ErrEntryNotFound)

	// Never entered at all.
	_, err = svc.Proof("r1", "0x9999999999999999999999999999999999999999")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestProofBeforeSettlementRejected(t *testing.T) {
	repo := newMemoryRepo()
	repo.addRound(endedRound("r1"))
	seedEntries(repo, "r1", []int64{100})
	svc := NewSettlementService(repo, newStubChain())

	_, err := svc.Proof("r1", fmt.Sprintf("0x%040d", 1))
	require.ErrorIs(t, err, ErrInvalidTransition)
}
