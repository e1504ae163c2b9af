package workers

import (
	"context"
	"log"
	"time"

	"round-settlement-system/services"
)

// SettlementRetryWorker re-drives on-chain settlement for rounds that are
// finalized locally but whose root never got confirmed — a crash or a
// reverted/timed-out submission between the two settlement phases. Ranks
// and prizes are already persisted for these rounds, so retrying Settle
// is always safe.
type SettlementRetryWorker struct {
	Settlement *services.SettlementService
	Interval   time.Duration
	Backoff    time.Duration
}

func NewSettlementRetryWorker(settlement *services.SettlementService, interval time.Duration) *SettlementRetryWorker {
	return &SettlementRetryWorker{
		Settlement: settlement,
		Interval:   interval,
		Backoff:    2 * time.Minute,
	}
}

// Start polls for pending submissions until the context is cancelled.
func (w *SettlementRetryWorker) Start(ctx context.Context) {
	log.Println("Starting settlement retry worker...")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	// Per-round cooldown so one unreachable RPC endpoint does not turn
	// every tick into a burst of doomed submissions.
	lastAttempt := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			log.Println("Settlement retry worker stopped.")
			return
		case <-ticker.C:
			rounds, err := w.Settlement.Repo.PendingSettlement()
			if err != nil {
				log.Printf("❌ [RETRY] Failed to list pending settlements: %v", err)
				continue
			}
			if len(rounds) == 0 {
				continue
			}
			log.Printf("[RETRY] %d round(s) awaiting on-chain settlement", len(rounds))

			for _, r := range rounds {
				if at, ok := lastAttempt[r.ID]; ok && time.Since(at) < w.Backoff {
					continue
				}
				lastAttempt[r.ID] = time.Now()

				result, err := w.Settlement.Settle(ctx, r.ID)
				if err != nil {
					log.Printf("❌ [RETRY] Settlement for round %s failed: %v", r.ID, err)
					continue
				}
				delete(lastAttempt, r.ID)
				log.Printf("✅ [RETRY] Round %s settled: root=%s tx=%s", r.ID, result.Root, result.SubmissionTx)
			}
		}
	}
}
