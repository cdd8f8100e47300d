package admin

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ncecere/usage_insights/internal/app"
	"github.com/ncecere/usage_insights/internal/auth"
	"github.com/ncecere/usage_insights/internal/httpserver/httputil"
	"github.com/ncecere/usage_insights/internal/store"
)

func registerAdminAuthRoutes(router fiber.Router, container *app.Container) {
	handler := &adminAuthHandler{authService: container.AdminAuth}

	router.Get("/methods", handler.listMethods)
	router.Post("/login", handler.loginLocal)
	router.Post("/oidc", handler.loginOIDC)
	router.Post("/refresh", handler.refresh)
}

// registerSessionRoute sits behind the auth middleware so the handler can
// read the resolved account off the request context.
func registerSessionRoute(router fiber.Router, container *app.Container) {
	handler := &adminAuthHandler{authService: container.AdminAuth}
	router.Get("/auth/session", handler.session)
}

type adminAuthHandler struct {
	authService *auth.AdminAuthService
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type oidcLoginRequest struct {
	IDToken string `json:"id_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken      string          `json:"access_token"`
	AccessExpiresAt  time.Time       `json:"access_expires_at"`
	RefreshToken     string          `json:"refresh_token"`
	RefreshExpiresAt time.Time       `json:"refresh_expires_at"`
	Method           string          `json:"method"`
	Account          accountResponse `json:"account"`
}

type accountResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *adminAuthHandler) listMethods(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"methods": h.authService.AllowedAuthMethods(),
	})
}

func (h *adminAuthHandler) loginLocal(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "email and password required")
	}

	pair, account, err := h.authService.AuthenticateLocal(userContext(c), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrLocalDisabled):
			return httputil.WriteError(c, fiber.StatusNotFound, "local authentication disabled")
		case errors.Is(err, auth.ErrInvalidCredentials):
			return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid credentials")
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "authentication failed")
	}

	return c.JSON(buildTokenResponse(pair, account, auth.ProviderLocal))
}

func (h *adminAuthHandler) loginOIDC(c *fiber.Ctx) error {
	var req oidcLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}
	token := strings.TrimSpace(req.IDToken)
	if token == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "id_token required")
	}

	pair, account, err := h.authService.AuthenticateOIDC(userContext(c), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrOIDCDisabled):
			return httputil.WriteError(c, fiber.StatusNotFound, "oidc authentication disabled")
		case errors.Is(err, auth.ErrInvalidCredentials):
			return httputil.WriteError(c, fiber.StatusUnauthorized, "no admin account for identity")
		}
		return httputil.WriteError(c, fiber.StatusUnauthorized, "token verification failed")
	}

	return c.JSON(buildTokenResponse(pair, account, auth.ProviderOIDC))
}

func (h *adminAuthHandler) refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "refresh token required")
	}

	pair, account, err := h.authService.Refresh(userContext(c), token)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "invalid refresh token")
	}

	return c.JSON(buildTokenResponse(pair, account, "refresh"))
}

func (h *adminAuthHandler) session(c *fiber.Ctx) error {
	account, ok := adminAccountFromContext(userContext(c))
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "no active session")
	}
	return c.JSON(fiber.Map{
		"account": toAccountResponse(account),
	})
}

func buildTokenResponse(pair *auth.TokenPair, account *store.AdminAccount, method string) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		Method:           method,
		Account:          toAccountResponse(account),
	}
}

func toAccountResponse(account *store.AdminAccount) accountResponse {
	return accountResponse{
		ID:        account.ID.String(),
		Email:     account.Email,
		Name:      account.Name,
		Role:      account.Role,
		CreatedAt: account.CreatedAt,
	}
}
