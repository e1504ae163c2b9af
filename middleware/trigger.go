// middleware/trigger.go
package middleware

import (
	"crypto/subtle"
	"log"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// TriggerAuthMiddleware guards the finalize trigger with its own shared
// secret, separate from the gateway token: the scheduler/webhook that
// fires finalization is a different trust domain than the user gateway.
func TriggerAuthMiddleware() fiber.Handler {
	expectedToken := os.Getenv("FINALIZE_TRIGGER_TOKEN")
	if expectedToken == "" {
		log.Fatal("❌ FINALIZE_TRIGGER_TOKEN is not set — finalize trigger cannot be authenticated")
	}

	return func(c *fiber.Ctx) error {
		token := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			log.Printf("🚫 [TRIGGER_AUTH] Invalid or missing trigger token for %s", c.Path())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid finalize trigger token",
			})
		}
		return c.Next()
	}
}
