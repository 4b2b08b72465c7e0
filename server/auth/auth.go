// Package auth is the authentication boundary of the HTTP surface. The core
// engine never sees credentials, only the resolved user id.
package auth

import (
	"context"
	"strings"

	"github.com/loomworks/loom/apperr"
)

// Authenticator resolves an Authorization header to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, authHeader string) (int32, error)
}

// StaticTokenAuthenticator authenticates bearer tokens against a fixed
// token → user map.
type StaticTokenAuthenticator struct {
	tokens map[string]int32
}

func NewStaticTokenAuthenticator(tokens map[string]int32) *StaticTokenAuthenticator {
	return &StaticTokenAuthenticator{tokens: tokens}
}

func (a *StaticTokenAuthenticator) Authenticate(_ context.Context, authHeader string) (int32, error) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" {
		return 0, apperr.New(apperr.Unauthorized, "missing bearer token")
	}
	userID, ok := a.tokens[token]
	if !ok {
		return 0, apperr.New(apperr.Unauthorized, "unknown token")
	}
	return userID, nil
}
