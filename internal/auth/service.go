package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncecere/usage_insights/internal/config"
	"github.com/ncecere/usage_insights/internal/store"
)

const (
	ProviderLocal = "local"
	ProviderOIDC  = "oidc"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLocalDisabled      = errors.New("local authentication disabled")
	ErrOIDCDisabled       = errors.New("oidc authentication disabled")
)

// AdminAuthService authenticates dashboard operators and issues session tokens.
type AdminAuthService struct {
	cfg          config.AdminConfig
	store        *store.Store
	tokenManager *TokenManager
	oidc         *OIDCVerifier
}

func NewAdminAuthService(ctx context.Context, cfg config.AdminConfig, st *store.Store) (*AdminAuthService, error) {
	tokenManager, err := NewTokenManager(cfg.Session.JWTSecret, cfg.Session.AccessTokenTTL, cfg.Session.RefreshTokenTTL, "usage-insights-admin")
	if err != nil {
		return nil, err
	}

	var verifier *OIDCVerifier
	if cfg.OIDC.Enabled {
		verifier, err = NewOIDCVerifier(ctx, cfg.OIDC)
		if err != nil {
			return nil, err
		}
	}

	return &AdminAuthService{
		cfg:          cfg,
		store:        st,
		tokenManager: tokenManager,
		oidc:         verifier,
	}, nil
}

// AuthenticateLocal verifies an email/password pair and issues a token pair.
func (s *AdminAuthService) AuthenticateLocal(ctx context.Context, email, password string) (*TokenPair, *store.AdminAccount, error) {
	if !s.cfg.Local.Enabled {
		return nil, nil, ErrLocalDisabled
	}

	account, err := s.store.AdminByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrAdminNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("lookup admin: %w", err)
	}
	if account.PasswordHash == "" {
		return nil, nil, ErrInvalidCredentials
	}

	match, err := VerifyPassword(password, account.PasswordHash)
	if err != nil {
		return nil, nil, err
	}
	if !match {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.tokenManager.Generate(account.ID, account.Email)
	if err != nil {
		return nil, nil, err
	}
	return pair, account, nil
}

// AuthenticateOIDC verifies an issuer-signed bearer token and resolves the
// matching admin account by email.
func (s *AdminAuthService) AuthenticateOIDC(ctx context.Context, rawToken string) (*TokenPair, *store.AdminAccount, error) {
	if s.oidc == nil {
		return nil, nil, ErrOIDCDisabled
	}

	identity, err := s.oidc.Verify(ctx, rawToken)
	if err != nil {
		return nil, nil, err
	}
	if identity.Email == "" {
		return nil, nil, errors.New("oidc identity missing email")
	}

	account, err := s.store.AdminByEmail(ctx, identity.Email)
	if err != nil {
		if errors.Is(err, store.ErrAdminNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("lookup admin: %w", err)
	}

	pair, err := s.tokenManager.Generate(account.ID, account.Email)
	if err != nil {
		return nil, nil, err
	}
	return pair, account, nil
}

// Refresh exchanges a valid refresh token for a new token pair.
func (s *AdminAuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, *store.AdminAccount, error) {
	adminID, err := s.tokenManager.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, nil, fmt.Errorf("validate refresh token: %w", err)
	}

	account, err := s.store.AdminByID(ctx, adminID)
	if err != nil {
		if errors.Is(err, store.ErrAdminNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("lookup admin: %w", err)
	}

	pair, err := s.tokenManager.Generate(account.ID, account.Email)
	if err != nil {
		return nil, nil, err
	}
	return pair, account, nil
}

// AuthorizeAccessToken resolves the admin account behind a bearer access token.
func (s *AdminAuthService) AuthorizeAccessToken(ctx context.Context, token string) (*store.AdminAccount, error) {
	adminID, err := s.tokenManager.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}

	account, err := s.store.AdminByID(ctx, adminID)
	if err != nil {
		if errors.Is(err, store.ErrAdminNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return account, nil
}

// AllowedAuthMethods lists the enabled login mechanisms.
func (s *AdminAuthService) AllowedAuthMethods() []string {
	methods := []string{}
	if s.cfg.Local.Enabled {
		methods = append(methods, ProviderLocal)
	}
	if s.oidc != nil {
		methods = append(methods, ProviderOIDC)
	}
	return methods
}
