package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuerName = "carevault"

// Token kinds. Verification always checks the kind: a refresh token is never
// accepted where an access token is expected, and vice versa.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Default lifetimes; overridable through service options.
const (
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims are the signed JWT claims carried by both token kinds.
type Claims struct {
	Role      Role   `json:"role,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies access and refresh tokens with HS256. The
// signing key is injected configuration; regenerating it per process would
// invalidate every outstanding token on restart.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenIssuer builds an issuer. The secret is required.
func NewTokenIssuer(secret []byte, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &TokenIssuer{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// IssueAccess signs a short-lived access token for the user.
func (i *TokenIssuer) IssueAccess(userID string, role Role) (string, time.Time, error) {
	return i.issue(userID, role, TokenTypeAccess, i.accessTTL)
}

// IssueRefresh signs a longer-lived refresh token for the user.
func (i *TokenIssuer) IssueRefresh(userID string) (string, time.Time, error) {
	return i.issue(userID, "", TokenTypeRefresh, i.refreshTTL)
}

func (i *TokenIssuer) issue(userID string, role Role, tokenType string, ttl time.Duration) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("auth: userID is required")
	}
	now := i.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Role:      role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify validates signature, expiry, issuer and token kind. Every failure
// mode collapses into ErrInvalidToken; callers learn nothing about which
// check rejected the token.
func (i *TokenIssuer) Verify(token, expectedType string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != issuerName {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != expectedType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AccessTTL reports the configured access-token lifetime.
func (i *TokenIssuer) AccessTTL() time.Duration { return i.accessTTL }

// RefreshTTL reports the configured refresh-token lifetime.
func (i *TokenIssuer) RefreshTTL() time.Duration { return i.refreshTTL }
