package handlers

import (
	"round-settlement-system/middleware"
	"round-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupInternalRoutes registers the finalize trigger. It must be called
// BEFORE the global gateway middleware is installed: the trigger
// authenticates with FINALIZE_TRIGGER_TOKEN, not the gateway token, and
// fiber matches handlers in registration order.
func SetupInternalRoutes(app *fiber.App, settlementService *services.SettlementService) {
	// ⚙️ Finalize trigger — fired by the external orchestrator, own secret
	internal := app.Group("/internal", middleware.TriggerAuthMiddleware())
	internal.Post("/rounds/:id/finalize", settlementService.HandleFinalize)
}

func SetupRoundRoutes(app *fiber.App, roundService *services.RoundService, settlementService *services.SettlementService) {
	// 🔐 Gateway-authenticated routes with operator context
	secured := app.Group("/", middleware.OperatorContextMiddleware())

	// Round CRUD and content
	secured.Post("/rounds", roundService.CreateRound)
	secured.Get("/rounds", roundService.GetAllRounds)
	secured.Get("/rounds/:id", roundService.GetRoundByID)
	secured.Post("/rounds/:id/questions", roundService.AddQuestion)

	// Entries and play
	secured.Post("/rounds/:id/entries", roundService.JoinRound)
	secured.Patch("/rounds/:id/entries/:recipient/score", roundService.SubmitScore)
	secured.Get("/rounds/:id/leaderboard", roundService.GetLeaderboard)

	// Settlement read path (claim support)
	secured.Get("/rounds/:id/winners", settlementService.HandleWinners)
	secured.Get("/rounds/:id/proof/:recipient", settlementService.HandleProof)

	// 🔒 Operator lifecycle control: {action: start|end|settle, round_id}
	admin := secured.Group("/admin")
	admin.Post("/rounds/lifecycle", settlementService.HandleLifecycle)
}
