// Package secrets resolves provider credentials from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client SecretsManagerAPI
	cache  map[string]*cachedSecret
	mu     sync.RWMutex
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(cfg aws.Config) *AWSSecretsManager {
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := aws.ToString(result.SecretString)

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{
		secrets: make(map[string]string),
	}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// ResolveAPIKey reads an API key stored either as a bare string or as a JSON
// object with an "api_key" field.
func ResolveAPIKey(ctx context.Context, store SecretStore, name string) (string, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}

	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		if raw == "" {
			return "", fmt.Errorf("secret %s is empty", name)
		}
		return raw, nil
	}

	var doc struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("parse secret %s: %w", name, err)
	}
	if doc.APIKey == "" {
		return "", fmt.Errorf("secret %s has no api_key field", name)
	}
	return doc.APIKey, nil
}
