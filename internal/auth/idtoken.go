package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/droppoint/droppoint/internal/common"
)

// Identity is the account identity extracted from a provider ID token.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// idTokenClaims adds the OpenID Connect profile claims providers put in
// their ID tokens on top of the registered set.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
}

// ParseIDToken extracts the subject identity from an OpenID Connect ID
// token. The token is decoded without signature verification: it was
// received directly from the provider token endpoint over TLS, and the
// claims are only used to label the account, never to grant access.
func ParseIDToken(tokenString string) (*Identity, error) {
	claims := &idTokenClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}

	if claims.Subject == "" {
		return nil, common.ErrInvalidToken
	}

	return &Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	}, nil
}

// TokenExpiry reports the expiry embedded in a JWT access or ID token.
// The second return is false when the token is not a JWT or carries no
// exp claim, in which case the caller falls back to the expiry the
// provider reported alongside the token.
func TokenExpiry(tokenString string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}
