package auth

import (
	"fmt"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the signed credential shape: subject, unique token id, optional
// site/origin/identity fields, expiry, anonymous flag.
type Claims struct {
	Site      string `json:"site,omitempty"`
	Origin    string `json:"origin,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Anonymous bool   `json:"anon,omitempty"`
	jwt.RegisteredClaims
}

var anonIDPattern = regexp.MustCompile(`^anon-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewAnonymousID generates a fresh anonymous visitor id.
func NewAnonymousID() string {
	return "anon-" + uuid.NewString()
}

// IsAnonymousID reports whether a client-supplied visitor id matches the
// fixed anonymous-id shape. Anything else is ignored so clients cannot pick
// arbitrary identities.
func IsAnonymousID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// Sign issues an HS256 token for the given subject with a fresh jti.
func Sign(secret string, c Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	c.RegisteredClaims.ID = uuid.NewString()
	c.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	c.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return t.SignedString([]byte(secret))
}

// Parse verifies signature and expiry and returns the claims.
func Parse(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("token missing subject or jti")
	}
	return claims, nil
}
