package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueSQS    = "sqs"
)

type Config struct {
	Addr        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	GeminiAPIKey string
	// GeminiAPIKeySecret names a Secrets Manager secret holding the API key.
	GeminiAPIKeySecret string
	GeminiBaseURL      string
	GeminiRPS          float64

	BedrockEnabled bool
	AWSRegion      string
	QueueBackend   string
	SQSQueueURL    string
	SNSTopicARN    string
	OTLPEndpoint   string
	EncryptionKey  string

	DailyQuota    int64
	ModelCacheTTL time.Duration

	PollInterval      time.Duration
	MaxPollDuration   time.Duration
	MaxPollErrors     int
	ClaimTTL          time.Duration
	WorkerConcurrency int

	InferenceTimeout time.Duration
	ShutdownTimeout  time.Duration

	AdminAuthEnabled bool
	AdminUsername    string
	AdminPassword    string
}

// fileConfig is the on-disk shape. Durations are Go duration strings ("30s").
type fileConfig struct {
	Addr               string  `yaml:"addr" toml:"addr"`
	LogLevel           string  `yaml:"log_level" toml:"log_level"`
	DatabaseURL        string  `yaml:"database_url" toml:"database_url"`
	RedisURL           string  `yaml:"redis_url" toml:"redis_url"`
	GeminiAPIKeySecret string  `yaml:"gemini_api_key_secret" toml:"gemini_api_key_secret"`
	GeminiBaseURL      string  `yaml:"gemini_base_url" toml:"gemini_base_url"`
	GeminiRPS          float64 `yaml:"gemini_rps" toml:"gemini_rps"`
	BedrockEnabled     *bool   `yaml:"bedrock_enabled" toml:"bedrock_enabled"`
	AWSRegion          string  `yaml:"aws_region" toml:"aws_region"`
	QueueBackend       string  `yaml:"queue_backend" toml:"queue_backend"`
	SQSQueueURL        string  `yaml:"sqs_queue_url" toml:"sqs_queue_url"`
	SNSTopicARN        string  `yaml:"sns_topic_arn" toml:"sns_topic_arn"`
	OTLPEndpoint       string  `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	DailyQuota         int64   `yaml:"daily_quota" toml:"daily_quota"`
	ModelCacheTTL      string  `yaml:"model_cache_ttl" toml:"model_cache_ttl"`
	PollInterval       string  `yaml:"poll_interval" toml:"poll_interval"`
	MaxPollDuration    string  `yaml:"max_poll_duration" toml:"max_poll_duration"`
	MaxPollErrors      int     `yaml:"max_poll_errors" toml:"max_poll_errors"`
	ClaimTTL           string  `yaml:"claim_ttl" toml:"claim_ttl"`
	WorkerConcurrency  int     `yaml:"worker_concurrency" toml:"worker_concurrency"`
	InferenceTimeout   string  `yaml:"inference_timeout" toml:"inference_timeout"`
	ShutdownTimeout    string  `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	AdminAuthEnabled   *bool   `yaml:"admin_auth_enabled" toml:"admin_auth_enabled"`
	AdminUsername      string  `yaml:"admin_username" toml:"admin_username"`
}

func defaults() *Config {
	return &Config{
		Addr:              ":8080",
		LogLevel:          "info",
		GeminiBaseURL:     "https://generativelanguage.googleapis.com",
		GeminiRPS:         5,
		QueueBackend:      QueueMemory,
		DailyQuota:        50,
		ModelCacheTTL:     5 * time.Minute,
		PollInterval:      5 * time.Second,
		MaxPollDuration:   2 * time.Hour,
		MaxPollErrors:     5,
		ClaimTTL:          10 * time.Minute,
		WorkerConcurrency: 10,
		InferenceTimeout:  60 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		AdminUsername:     "admin",
	}
}

// Load builds the configuration from defaults, then the optional file at
// path, then the environment. Environment variables always win.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.apply(fc); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads a YAML or TOML file, chosen by extension.
func loadFile(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &fc); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return &fc, nil
}

func (c *Config) apply(fc *fileConfig) error {
	setString(&c.Addr, fc.Addr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.RedisURL, fc.RedisURL)
	setString(&c.GeminiAPIKeySecret, fc.GeminiAPIKeySecret)
	setString(&c.GeminiBaseURL, fc.GeminiBaseURL)
	setString(&c.AWSRegion, fc.AWSRegion)
	setString(&c.QueueBackend, fc.QueueBackend)
	setString(&c.SQSQueueURL, fc.SQSQueueURL)
	setString(&c.SNSTopicARN, fc.SNSTopicARN)
	setString(&c.OTLPEndpoint, fc.OTLPEndpoint)
	setString(&c.AdminUsername, fc.AdminUsername)

	if fc.GeminiRPS > 0 {
		c.GeminiRPS = fc.GeminiRPS
	}
	if fc.DailyQuota > 0 {
		c.DailyQuota = fc.DailyQuota
	}
	if fc.MaxPollErrors > 0 {
		c.MaxPollErrors = fc.MaxPollErrors
	}
	if fc.WorkerConcurrency > 0 {
		c.WorkerConcurrency = fc.WorkerConcurrency
	}
	if fc.BedrockEnabled != nil {
		c.BedrockEnabled = *fc.BedrockEnabled
	}
	if fc.AdminAuthEnabled != nil {
		c.AdminAuthEnabled = *fc.AdminAuthEnabled
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"model_cache_ttl", fc.ModelCacheTTL, &c.ModelCacheTTL},
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"max_poll_duration", fc.MaxPollDuration, &c.MaxPollDuration},
		{"claim_ttl", fc.ClaimTTL, &c.ClaimTTL},
		{"inference_timeout", fc.InferenceTimeout, &c.InferenceTimeout},
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Addr = getEnv("ADDR", c.Addr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.GeminiAPIKey)
	c.GeminiAPIKeySecret = getEnv("GEMINI_API_KEY_SECRET", c.GeminiAPIKeySecret)
	c.GeminiBaseURL = getEnv("GEMINI_BASE_URL", c.GeminiBaseURL)
	c.GeminiRPS = getFloatEnv("GEMINI_RPS", c.GeminiRPS)
	c.BedrockEnabled = getBoolEnv("BEDROCK_ENABLED", c.BedrockEnabled)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.QueueBackend = getEnv("QUEUE_BACKEND", c.QueueBackend)
	c.SQSQueueURL = getEnv("SQS_QUEUE_URL", c.SQSQueueURL)
	c.SNSTopicARN = getEnv("SNS_TOPIC_ARN", c.SNSTopicARN)
	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.EncryptionKey = getEnv("ENCRYPTION_KEY", c.EncryptionKey)
	c.DailyQuota = int64(getIntEnv("DAILY_QUOTA", int(c.DailyQuota)))
	c.ModelCacheTTL = getDurationEnv("MODEL_CACHE_TTL", c.ModelCacheTTL)
	c.PollInterval = getDurationEnv("POLL_INTERVAL", c.PollInterval)
	c.MaxPollDuration = getDurationEnv("MAX_POLL_DURATION", c.MaxPollDuration)
	c.MaxPollErrors = getIntEnv("MAX_POLL_ERRORS", c.MaxPollErrors)
	c.ClaimTTL = getDurationEnv("CLAIM_TTL", c.ClaimTTL)
	c.WorkerConcurrency = getIntEnv("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.InferenceTimeout = getDurationEnv("INFERENCE_TIMEOUT", c.InferenceTimeout)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.AdminAuthEnabled = getBoolEnv("ADMIN_AUTH_ENABLED", c.AdminAuthEnabled)
	c.AdminUsername = getEnv("ADMIN_USERNAME", c.AdminUsername)
	c.AdminPassword = getEnv("ADMIN_PASSWORD", c.AdminPassword)
}

func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueMemory:
	case QueueRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("queue backend %q requires REDIS_URL", c.QueueBackend)
		}
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("queue backend %q requires SQS_QUEUE_URL", c.QueueBackend)
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}

	if c.DailyQuota <= 0 {
		return fmt.Errorf("daily quota must be positive, got %d", c.DailyQuota)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker concurrency must be positive, got %d", c.WorkerConcurrency)
	}
	if c.PollInterval <= 0 || c.MaxPollDuration <= 0 {
		return fmt.Errorf("poll interval and max poll duration must be positive")
	}
	return nil
}

// UsesAWS reports whether any AWS client has to be built.
func (c *Config) UsesAWS() bool {
	return c.BedrockEnabled || c.QueueBackend == QueueSQS || c.SNSTopicARN != "" || c.GeminiAPIKeySecret != ""
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds ("30") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}
