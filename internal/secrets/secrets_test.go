package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func TestInMemorySecretStore_SetAndGet(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	store.SetSecret("gemini", "AIza-test")

	value, err := store.GetSecret(ctx, "gemini")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if value != "AIza-test" {
		t.Errorf("GetSecret() = %v, want AIza-test", value)
	}

	if _, err := store.GetSecret(ctx, "nonexistent"); err == nil {
		t.Error("GetSecret() should return error for nonexistent secret")
	}
}

func TestResolveAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{"bare string", "AIza-plain", "AIza-plain", false},
		{"bare with whitespace", "  AIza-plain\n", "AIza-plain", false},
		{"json object", `{"api_key": "AIza-json"}`, "AIza-json", false},
		{"json without field", `{"token": "x"}`, "", true},
		{"invalid json", `{not json`, "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemorySecretStore()
			store.SetSecret("gemini", tt.value)

			got, err := ResolveAPIKey(context.Background(), store, "gemini")
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

type mockSecretsManager struct {
	calls int
	value string
	err   error
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &secretsmanager.GetSecretValueOutput{
		Name:         in.SecretId,
		SecretString: aws.String(m.value),
	}, nil
}

func TestAWSSecretsManager_Caches(t *testing.T) {
	mock := &mockSecretsManager{value: "AIza-aws"}
	sm := NewAWSSecretsManagerWithClient(mock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := sm.GetSecret(ctx, "tunegate/gemini")
		if err != nil {
			t.Fatalf("GetSecret() error = %v", err)
		}
		if v != "AIza-aws" {
			t.Errorf("GetSecret() = %q", v)
		}
	}
	if mock.calls != 1 {
		t.Errorf("GetSecretValue calls = %d, want 1", mock.calls)
	}

	sm.SetCacheTTL(0)
	sm.cache = make(map[string]*cachedSecret)
	_, _ = sm.GetSecret(ctx, "tunegate/gemini")
	_, _ = sm.GetSecret(ctx, "tunegate/gemini")
	if mock.calls != 3 {
		t.Errorf("GetSecretValue calls with zero TTL = %d, want 3", mock.calls)
	}
}

func TestAWSSecretsManager_Error(t *testing.T) {
	sm := NewAWSSecretsManagerWithClient(&mockSecretsManager{err: errors.New("access denied")})

	if _, err := sm.GetSecret(context.Background(), "x"); err == nil {
		t.Error("GetSecret() should surface client errors")
	}
}
