package httputil

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// WriteError standardizes JSON error responses across the admin API.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	return c.Status(status).JSON(fiber.Map{
		"error": msg,
	})
}

// WriteErrorCode adds a machine-readable code (and optional details) so
// clients can branch without parsing the message text.
func WriteErrorCode(c *fiber.Ctx, status int, code, msg string, details fiber.Map) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	body := fiber.Map{
		"error": msg,
		"code":  code,
	}
	for k, v := range details {
		body[k] = v
	}
	return c.Status(status).JSON(body)
}
