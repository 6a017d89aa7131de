package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/tunegate/internal/crypto"
	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/store"
)

func TestResolver_Resolve(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	s.PutSession(&domain.Session{Token: "sess-valid", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)})
	s.PutSession(&domain.Session{Token: "sess-expired", UserID: "user-2", ExpiresAt: time.Now().Add(-time.Hour)})
	s.PutSession(&domain.Session{Token: "sess-forever", UserID: "user-3"})

	key, err := IssueAPIKey(ctx, s, "user-4", "ci")
	if err != nil {
		t.Fatalf("IssueAPIKey() error = %v", err)
	}

	r := NewResolver(s, s)

	tests := []struct {
		name      string
		cred      Credential
		wantOwner string
		wantVia   CredentialKind
		wantErr   error
	}{
		{"valid session", SessionCredential("sess-valid"), "user-1", CredentialSession, nil},
		{"session without expiry", SessionCredential("sess-forever"), "user-3", CredentialSession, nil},
		{"expired session", SessionCredential("sess-expired"), "", "", domain.ErrUnauthenticated},
		{"unknown session", SessionCredential("nope"), "", "", domain.ErrUnauthenticated},
		{"empty session", SessionCredential(""), "", "", domain.ErrUnauthenticated},
		{"valid api key", APIKeyCredential(key.Key), "user-4", CredentialAPIKey, nil},
		{"unknown api key", APIKeyCredential("tg_bogus"), "", "", domain.ErrForbidden},
		{"missing api key", APIKeyCredential(""), "", "", domain.ErrUnauthenticated},
		{"no credential", Credential{}, "", "", domain.ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve(ctx, tt.cred)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if p.OwnerID != tt.wantOwner || p.Via != tt.wantVia {
				t.Errorf("Resolve() = %+v, want owner %s via %s", p, tt.wantOwner, tt.wantVia)
			}
		})
	}
}

func TestIssueAPIKey(t *testing.T) {
	s := store.NewInMemoryStore()
	ctx := context.Background()

	key, err := IssueAPIKey(ctx, s, "user-1", "prod")
	if err != nil {
		t.Fatalf("IssueAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(key.Key, apiKeyPrefix) {
		t.Errorf("Key = %q, want prefix %q", key.Key, apiKeyPrefix)
	}
	if key.KeyHash != crypto.HashAPIKey(key.Key) {
		t.Error("KeyHash does not match the plaintext key")
	}

	stored, err := s.GetAPIKeyByHash(ctx, key.KeyHash)
	if err != nil {
		t.Fatalf("GetAPIKeyByHash() error = %v", err)
	}
	if stored.Key != "" {
		t.Error("stored key should not carry the plaintext")
	}

	other, _ := IssueAPIKey(ctx, s, "user-1", "prod")
	if other.Key == key.Key {
		t.Error("IssueAPIKey() returned the same key twice")
	}

	if _, err := IssueAPIKey(ctx, s, " ", "x"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("IssueAPIKey() without owner error = %v", err)
	}
}

func TestExtractCredentials(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer sess-1")
	r.Header.Set("X-API-Key", " tg_abc ")

	if got := ExtractBearerToken(r); got != "sess-1" {
		t.Errorf("ExtractBearerToken() = %q", got)
	}
	if got := ExtractAPIKey(r); got != "tg_abc" {
		t.Errorf("ExtractAPIKey() = %q", got)
	}

	r.Header.Set("Authorization", "Basic abc")
	if got := ExtractBearerToken(r); got != "" {
		t.Errorf("ExtractBearerToken() with basic auth = %q", got)
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := WithPrincipal(context.Background(), &Principal{OwnerID: "u"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.OwnerID != "u" {
		t.Errorf("PrincipalFromContext() = %+v, %v", p, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("empty context should have no principal")
	}
}
