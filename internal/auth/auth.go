package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrAuthenticationRequired is returned when a credential does not resolve
// to a known identity.
var ErrAuthenticationRequired = errors.New("authentication required")

// Identity is the authenticated user behind a connection. Registration,
// login, and profile management all live outside this server; the core only
// ever resolves a token into one of these.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

// Verifier resolves a connect-time credential into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier resolves tokens from a fixed map. Used in tests and when
// the server runs without a database.
type StaticVerifier struct {
	mu     sync.Mutex
	tokens map[string]Identity
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

func (v *StaticVerifier) Register(token string, id Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = id
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrAuthenticationRequired
	}
	return id, nil
}

// InsecureVerifier treats any non-empty token as its own user id. Only for
// local runs without a database; never use it in front of real players.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrAuthenticationRequired
	}
	return Identity{UserID: token, DisplayName: token}, nil
}
