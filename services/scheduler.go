// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"

	"round-settlement-system/models"
)

// StartRoundScheduler ends live rounds whose scheduled end has passed.
// End is a tolerated no-op on an already-ended round, so overlapping
// ticks and the manual operator action cannot conflict.
func StartRoundScheduler(db *gorm.DB, settlement *SettlementService) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			var rounds []models.Round
			now := time.Now().UTC()
			err := db.Where("phase = ? AND ends_at IS NOT NULL AND ends_at <= ?", models.PhaseLive, now).
				Find(&rounds).Error
			if err != nil {
				log.Printf("[Scheduler] DB error: %v", err)
				return
			}

			for _, r := range rounds {
				if _, err := settlement.End(context.Background(), r.ID); err != nil {
					log.Printf("[Scheduler] Failed to end round %s: %v", r.ID, err)
				} else {
					log.Printf("✅ Auto-ended round: %s", r.Name)
				}
			}
		}),
	)
}
