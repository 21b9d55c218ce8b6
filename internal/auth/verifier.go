// Package auth verifies identity tokens issued by the auth controller.
// This service never mints identity tokens; it only checks them.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meetmesh/meetmesh/internal/domain"
)

var ErrIdentityRejected = errors.New("identity token rejected")

type Claims struct {
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates the auth controller's JWT against the shared key.
type Verifier struct {
	key []byte
}

func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key}
}

// Verify parses the token and returns the identity claim behind it.
// Any failure collapses to ErrIdentityRejected; the parse detail is for
// logs only.
func (v *Verifier) Verify(raw, displayName string) (domain.Identity, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return domain.Identity{}, ErrIdentityRejected
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return domain.Identity{}, ErrIdentityRejected
	}

	if displayName == "" {
		displayName = claims.Name
	}
	host := false
	for _, r := range claims.Roles {
		if r == "host" || r == "moderator" {
			host = true
		}
	}
	return domain.NewIdentity(claims.Subject, displayName, host)
}
