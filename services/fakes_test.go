package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"round-settlement-system/models"
)

// memoryRepo is an in-memory RoundRepository with the same conditional
// semantics as the gorm implementation, so the coordinator's claim logic
// can be raced in tests without Postgres.
type memoryRepo struct {
	mu        sync.Mutex
	rounds    map[string]*models.Round
	entries   map[string][]models.Entry
	questions map[string]int64

	claims int // successful finalization claims
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		rounds:    map[string]*models.Round{},
		entries:   map[string][]models.Entry{},
		questions: map[string]int64{},
	}
}

func (m *memoryRepo) addRound(r models.Round) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := r
	m.rounds[r.ID] = &cp
}

func (m *memoryRepo) addEntry(e models.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.entries[e.RoundID] = append(m.entries[e.RoundID], e)
}

func (m *memoryRepo) GetRound(id string) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoundNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (m *memoryRepo) EligibleEntries(roundID string) ([]models.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Entry
	for _, e := range m.entries[roundID] {
		if e.Eligible() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryRepo) RankedEntries(roundID string) ([]models.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Entry
	for _, e := range m.entries[roundID] {
		if e.Rank > 0 {
			out = append(out, e)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Rank < out[i].Rank {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memoryRepo) ClaimFinalization(roundID string, ranked []models.Entry, settledAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	if r.SettledAt != nil {
		return false, nil
	}
	ts := settledAt
	r.SettledAt = &ts
	byID := map[string]models.Entry{}
	for _, e := range ranked {
		byID[e.ID] = e
	}
	stored := m.entries[roundID]
	for i := range stored {
		if e, ok := byID[stored[i].ID]; ok {
			stored[i].Rank = e.Rank
			stored[i].Prize = e.Prize
		}
	}
	m.claims++
	return true, nil
}

func (m *memoryRepo) TransitionPhase(roundID string, from, to models.Phase, closedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok || r.Phase != from {
		return false, nil
	}
	r.Phase = to
	if closedAt != nil {
		r.ClosedAt = closedAt
	}
	return true, nil
}

func (m *memoryRepo) RecordCommitment(roundID, root, submissionTx string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoundNotFound, roundID)
	}
	if r.CommitmentRoot != "" {
		if r.CommitmentRoot != root {
			return fmt.Errorf("round %s already committed to %s", roundID, r.CommitmentRoot)
		}
		return nil
	}
	r.CommitmentRoot = root
	r.SubmissionTx = submissionTx
	r.Phase = models.PhaseSettled
	return nil
}

func (m *memoryRepo) RecordArchiveURL(roundID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rounds[roundID]; ok {
		r.ArchiveURL = url
	}
	return nil
}

func (m *memoryRepo) PendingSettlement() ([]models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Round
	for _, r := range m.rounds {
		if r.Phase != models.PhaseEnded || r.SettledAt == nil || r.CommitmentRoot != "" {
			continue
		}
		prized := false
		for _, e := range m.entries[r.ID] {
			if e.Prize > 0 {
				prized = true
				break
			}
		}
		if prized {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memoryRepo) QuestionCount(roundID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.questions[roundID], nil
}

// stubChain is a SettlementChain that records calls and can be told to
// fail submissions.
type stubChain struct {
	mu           sync.Mutex
	publishErr   error
	published    map[uint64]common.Hash
	endCalls     int
	publishCalls int
}

func newStubChain() *stubChain {
	return &stubChain{published: map[uint64]common.Hash{}}
}

func (c *stubChain) RoundState(ctx context.Context, roundID uint64) (*ChainRoundState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ChainRoundState{Root: c.published[roundID], Ended: true}, nil
}

func (c *stubChain) EndRound(ctx context.Context, roundID uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endCalls++
	return "0xend", nil
}

func (c *stubChain) PublishRoot(ctx context.Context, roundID uint64, root common.Hash) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishCalls++
	if c.publishErr != nil {
		return "", c.publishErr
	}
	c.published[roundID] = root
	return "0xsubmitted", nil
}
