package admin

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/usage_insights/internal/app"
)

// Register wires up all /admin routes (auth + protected APIs).
func Register(app *fiber.App, container *app.Container) {
	authGroup := app.Group("/admin/auth")
	registerAdminAuthRoutes(authGroup, container)

	protected := app.Group("/admin", adminAuthMiddleware(container), adminRateLimitMiddleware(container))
	registerSessionRoute(protected, container)
	registerAnalyticsRoutes(protected, container)
}
