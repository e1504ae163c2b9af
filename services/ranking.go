package services

import (
	"sort"

	"round-settlement-system/models"
)

// EntryLess is the one canonical ordering for entries, used both by the
// live leaderboard and by rank assignment at finalization. Higher score
// first; ties broken by earliest join time (whoever got there first wins
// the tie); entry ID last so the order is total even for entries created
// in the same instant.
func EntryLess(a, b *models.Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ID < b.ID
}

// SortEntries sorts entries in place by the canonical ordering.
func SortEntries(entries []models.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return EntryLess(&entries[i], &entries[j])
	})
}

// RankEntries returns a sorted copy of the given payment-eligible entries
// with 1-based contiguous ranks assigned by position. The input slice is
// not modified.
func RankEntries(entries []models.Entry) []models.Entry {
	ranked := make([]models.Entry, len(entries))
	copy(ranked, entries)
	SortEntries(ranked)
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}
