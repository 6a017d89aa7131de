// Package auth resolves callers to owners and guards the admin API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/tunegate/internal/crypto"
	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/store"
)

type CredentialKind string

const (
	CredentialNone    CredentialKind = ""
	CredentialSession CredentialKind = "session"
	CredentialAPIKey  CredentialKind = "api_key"
)

// Credential is either a session token or an API key, never both.
type Credential struct {
	Kind  CredentialKind
	Token string
}

func SessionCredential(token string) Credential {
	return Credential{Kind: CredentialSession, Token: token}
}

func APIKeyCredential(key string) Credential {
	return Credential{Kind: CredentialAPIKey, Token: key}
}

// Principal is the caller after credential resolution.
type Principal struct {
	OwnerID string
	Via     CredentialKind
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func ExtractAPIKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

type Resolver struct {
	sessions store.SessionStore
	keys     store.APIKeyStore
	now      func() time.Time
}

func NewResolver(sessions store.SessionStore, keys store.APIKeyStore) *Resolver {
	return &Resolver{
		sessions: sessions,
		keys:     keys,
		now:      time.Now,
	}
}

// Resolve maps cred to its owner. Missing or unknown sessions are
// ErrUnauthenticated; unknown API keys are ErrForbidden.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (*Principal, error) {
	if cred.Token == "" {
		return nil, domain.ErrUnauthenticated
	}

	switch cred.Kind {
	case CredentialSession:
		session, err := r.sessions.GetSession(ctx, cred.Token)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUnauthenticated
		}
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		if session.Expired(r.now()) {
			return nil, domain.ErrUnauthenticated
		}
		return &Principal{OwnerID: session.UserID, Via: CredentialSession}, nil

	case CredentialAPIKey:
		key, err := r.keys.GetAPIKeyByHash(ctx, crypto.HashAPIKey(cred.Token))
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrForbidden
		}
		if err != nil {
			return nil, fmt.Errorf("resolve api key: %w", err)
		}
		return &Principal{OwnerID: key.OwnerID, Via: CredentialAPIKey}, nil
	}

	return nil, domain.ErrUnauthenticated
}

const apiKeyPrefix = "tg_"

// GenerateAPIKey returns fresh key material. Only its hash is ever stored.
func GenerateAPIKey() string {
	return apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IssueAPIKey creates a key for ownerID. The returned key carries the
// plaintext, which cannot be recovered later.
func IssueAPIKey(ctx context.Context, keys store.APIKeyStore, ownerID, name string) (*domain.APIKey, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.InvalidArgument("ownerId is required")
	}

	plaintext := GenerateAPIKey()
	key := &domain.APIKey{
		KeyHash:   crypto.HashAPIKey(plaintext),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}

	key.Key = plaintext
	return key, nil
}

type contextKey string

const principalContextKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}
