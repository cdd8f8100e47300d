package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPair represents access and refresh tokens with expiry metadata.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type TokenManager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
}

func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration, issuer string) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("token secret required")
	}
	if accessTTL <= 0 {
		return nil, errors.New("access ttl must be > 0")
	}
	if refreshTTL <= 0 {
		return nil, errors.New("refresh ttl must be > 0")
	}
	return &TokenManager{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		issuer:     issuer,
	}, nil
}

func (tm *TokenManager) Generate(adminID uuid.UUID, email string) (*TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(tm.accessTTL)
	refreshExp := now.Add(tm.refreshTTL)

	accessClaims := jwt.MapClaims{
		"sub":   adminID.String(),
		"email": email,
		"iat":   now.Unix(),
		"exp":   accessExp.Unix(),
		"iss":   tm.issuer,
		"typ":   "access",
		"jti":   uuid.NewString(),
	}
	accessToken, err := tm.sign(accessClaims)
	if err != nil {
		return nil, err
	}

	refreshClaims := jwt.MapClaims{
		"sub": adminID.String(),
		"iat": now.Unix(),
		"exp": refreshExp.Unix(),
		"iss": tm.issuer,
		"typ": "refresh",
		"jti": uuid.NewString(),
	}
	refreshToken, err := tm.sign(refreshClaims)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (tm *TokenManager) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// validate parses a signed token and checks the expected typ claim.
func (tm *TokenManager) validate(token, typ string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, errors.New("token required")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return uuid.Nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	if claims["typ"] != typ {
		return uuid.Nil, errors.New("invalid token type")
	}

	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return uuid.Nil, errors.New("invalid subject")
	}
	adminID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse subject: %w", err)
	}
	return adminID, nil
}

// ValidateAccessToken returns the admin ID carried by a valid access token.
func (tm *TokenManager) ValidateAccessToken(token string) (uuid.UUID, error) {
	return tm.validate(token, "access")
}

// ValidateRefreshToken returns the admin ID carried by a valid refresh token.
func (tm *TokenManager) ValidateRefreshToken(token string) (uuid.UUID, error) {
	return tm.validate(token, "refresh")
}
