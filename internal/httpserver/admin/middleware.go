package admin

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/usage_insights/internal/app"
	"github.com/ncecere/usage_insights/internal/httpserver/httputil"
	"github.com/ncecere/usage_insights/internal/limits"
	"github.com/ncecere/usage_insights/internal/store"
)

type adminContextKey string

const (
	adminAuthHeaderPrefix  = "bearer "
	adminContextAccountKey = adminContextKey("usage-insights/admin-account")
	adminAuthorizationName = "Authorization"
)

func adminAuthMiddleware(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(adminAuthorizationName))
		token := ""
		if raw != "" && strings.HasPrefix(strings.ToLower(raw), adminAuthHeaderPrefix) {
			token = strings.TrimSpace(raw[len(adminAuthHeaderPrefix):])
		}
		if token == "" {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "admin authorization required")
		}

		account, err := container.AdminAuth.AuthorizeAccessToken(userContext(c), token)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid or expired token")
		}

		ctx := context.WithValue(userContext(c), adminContextAccountKey, account)
		c.SetUserContext(ctx)
		c.Locals("adminID", account.ID.String())
		return c.Next()
	}
}

func adminRateLimitMiddleware(container *app.Container) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limiter := container.RateLimiter
		if limiter == nil {
			return c.Next()
		}
		identity, _ := c.Locals("adminID").(string)
		if identity == "" {
			identity = c.IP()
		}
		if err := limiter.Allow(userContext(c), identity); err != nil {
			if errors.Is(err, limits.ErrLimitExceeded) {
				return httputil.WriteError(c, fiber.StatusTooManyRequests, "rate limit exceeded")
			}
			// A broken limiter backend must not take the API down.
			return c.Next()
		}
		return c.Next()
	}
}

func adminAccountFromContext(ctx context.Context) (*store.AdminAccount, bool) {
	if ctx == nil {
		return nil, false
	}
	account, ok := ctx.Value(adminContextAccountKey).(*store.AdminAccount)
	if !ok || account == nil {
		return nil, false
	}
	return account, true
}

func userContext(c *fiber.Ctx) context.Context {
	if uc := c.UserContext(); uc != nil {
		return uc
	}
	return context.Background()
}
