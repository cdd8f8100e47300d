package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/ncecere/usage_insights/internal/config"
)

// OIDCIdentity is the verified identity extracted from an issuer-signed token.
type OIDCIdentity struct {
	Issuer        string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Roles         []string
}

// OIDCVerifier validates bearer ID tokens issued by a configured identity
// provider. The service never drives the authorization-code flow itself; the
// dashboard obtains tokens and presents them as bearer credentials.
type OIDCVerifier struct {
	cfg          config.OIDCConfig
	verifier     *oidc.IDTokenVerifier
	rolesClaim   string
	allowedRoles map[string]struct{}
}

func NewOIDCVerifier(ctx context.Context, cfg config.OIDCConfig) (*OIDCVerifier, error) {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider, err := oidc.NewProvider(discoverCtx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	rolesClaim := strings.TrimSpace(cfg.RolesClaim)
	if rolesClaim == "" {
		rolesClaim = "roles"
	}

	return &OIDCVerifier{
		cfg:          cfg,
		verifier:     verifier,
		rolesClaim:   rolesClaim,
		allowedRoles: normalizeRoleSet(cfg.AllowedRoles),
	}, nil
}

// Verify checks the token signature, audience, and role membership.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*OIDCIdentity, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify id token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}

	identity := &OIDCIdentity{
		Issuer:  idToken.Issuer,
		Subject: idToken.Subject,
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		identity.EmailVerified = verified
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	identity.Roles = extractRoles(claims, v.rolesClaim)

	if len(v.allowedRoles) > 0 && !hasAllowedRole(identity.Roles, v.allowedRoles) {
		return nil, errors.New("oidc: identity lacks a permitted role")
	}

	return identity, nil
}

func extractRoles(claims map[string]any, claimName string) []string {
	raw, ok := claims[claimName]
	if !ok {
		return nil
	}

	var roles []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	case []string:
		roles = append(roles, v...)
	case string:
		for _, part := range strings.Split(v, " ") {
			if part != "" {
				roles = append(roles, part)
			}
		}
	}
	return roles
}

func hasAllowedRole(roles []string, allowed map[string]struct{}) bool {
	for _, role := range roles {
		if _, ok := allowed[strings.ToLower(strings.TrimSpace(role))]; ok {
			return true
		}
	}
	return false
}

func normalizeRoleSet(roles []string) map[string]struct{} {
	if len(roles) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		trimmed := strings.ToLower(strings.TrimSpace(role))
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}
