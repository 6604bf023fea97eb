package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"

	"mailcadence/config"
)

// InternalOnly guards endpoints triggered by trusted infrastructure (the cron
// scheduler trigger, provider webhooks) with a shared secret header.
func InternalOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Get("X-Internal-Token")
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Internal token required",
			})
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(config.AppConfig.InternalToken)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Invalid internal token",
			})
		}
		return c.Next()
	}
}
