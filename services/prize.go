package services

import (
	"encoding/json"
	"fmt"
	"math"

	"round-settlement-system/models"
)

// payoutSumTolerance absorbs float noise when checking that the table
// fractions do not exceed the whole pool.
const payoutSumTolerance = 1e-9

// ParsePayoutTable decodes and validates a payout table: a JSON array of
// pool fractions indexed by rank position, e.g. [0.6, 0.3, 0.1]. Every
// fraction must be positive and the sum must not exceed 1.
func ParsePayoutTable(raw string) ([]float64, error) {
	var table []float64
	if err := json.Unmarshal([]byte(raw), &table); err != nil {
		return nil, fmt.Errorf("%w: payout table is not a JSON number array: %v", ErrValidation, err)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: payout table is empty", ErrValidation)
	}
	sum := 0.0
	for i, pct := range table {
		if pct <= 0 {
			return nil, fmt.Errorf("%w: payout table position %d must be > 0, got %v", ErrValidation, i+1, pct)
		}
		sum += pct
	}
	if sum > 1+payoutSumTolerance {
		return nil, fmt.Errorf("%w: payout table fractions sum to %v (> 1)", ErrValidation, sum)
	}
	return table, nil
}

// truncateCents cuts a prize down to whole cents. Truncation, never
// rounding up: the distributed total must not exceed the pool.
func truncateCents(amount float64) float64 {
	return math.Floor(amount*100) / 100
}

// ApplyPrizes assigns prizes to already-ranked entries: pool × fraction
// for rank positions inside the table, zero otherwise. When there are
// fewer entries than payout slots the unfilled slots' allocation is NOT
// redistributed; that money simply stays in the pool.
func ApplyPrizes(ranked []models.Entry, pool float64, table []float64) []models.Entry {
	out := make([]models.Entry, len(ranked))
	copy(out, ranked)
	for i := range out {
		pos := out[i].Rank - 1
		if pos >= 0 && pos < len(table) {
			out[i].Prize = truncateCents(pool * table[pos])
		} else {
			out[i].Prize = 0
		}
	}
	return out
}
