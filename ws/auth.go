package ws

import (
	"context"
	"errors"
)

// Identity represents an authenticated user.
type Identity struct {
	// UserID is the authenticated user's ID.
	UserID string `json:"user_id"`

	// Username is the display name, when the token carries one.
	Username string `json:"username,omitempty"`

	// Workspaces restricts the identity to specific workspaces. Empty
	// means all workspaces are allowed.
	Workspaces []string `json:"workspaces,omitempty"`
}

// AllowsWorkspace reports whether the identity may join the workspace.
func (id *Identity) AllowsWorkspace(workspaceID string) bool {
	if len(id.Workspaces) == 0 {
		return true
	}
	for _, w := range id.Workspaces {
		if w == workspaceID {
			return true
		}
	}
	return false
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = errors.New("ws: unauthorized")

// ── Token authenticator ─────────────────────────────

// TokenEntry maps a token to an identity.
type TokenEntry struct {
	Token    string
	Identity Identity
}

// TokenAuthenticator validates tokens against a static list.
type TokenAuthenticator struct {
	tokens map[string]*Identity
}

// NewTokenAuthenticator creates a static token authenticator.
func NewTokenAuthenticator(entries ...TokenEntry) *TokenAuthenticator {
	tokens := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		ident := e.Identity
		tokens[e.Token] = &ident
	}
	return &TokenAuthenticator{tokens: tokens}
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	ident, ok := a.tokens[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return ident, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts any non-empty token as the user ID.
// Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{UserID: token}, nil
}
