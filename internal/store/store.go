// Package store persists jobs, tuned models, usage counters, API keys and sessions.
// Every status write is a compare-and-set on the stored status so concurrent
// workers and gateway instances coordinate through the store, not through locks.
package store

import (
	"context"
	"time"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

type JobStore interface {
	CreateJob(ctx context.Context, job *domain.TuningJob) error
	GetJob(ctx context.Context, id string) (*domain.TuningJob, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.TuningJob, error)

	// ClaimJob marks a job in status as held by workerID. It succeeds only if the
	// job is in status and unclaimed, or its claim is older than staleBefore.
	ClaimJob(ctx context.Context, id, workerID string, status domain.JobStatus, staleBefore time.Time) (bool, error)

	// RenewClaim refreshes workerID's claim on a job. It reports false when
	// another worker holds the job.
	RenewClaim(ctx context.Context, id, workerID string) (bool, error)

	// UpdateJob writes job if the stored status still equals expected.
	// Claim fields are left as stored.
	// Returns domain.ErrConflict otherwise.
	UpdateJob(ctx context.Context, job *domain.TuningJob, expected domain.JobStatus) error

	// CompleteJob inserts model and moves job from processing to ready in one
	// transaction. Model insertion is idempotent by job id.
	CompleteJob(ctx context.Context, job *domain.TuningJob, model *domain.TunedModel) error
}

type ModelStore interface {
	GetModel(ctx context.Context, id string) (*domain.TunedModel, error)
	GetModelByTunedModelID(ctx context.Context, tunedModelID string) (*domain.TunedModel, error)
	GetModelByJobID(ctx context.Context, jobID string) (*domain.TunedModel, error)
	ListModels(ctx context.Context, ownerID string) ([]*domain.TunedModel, error)
}

type UsageStore interface {
	// IncrementUsage atomically adds one to the counter and returns the new value.
	IncrementUsage(ctx context.Context, key domain.UsageKey) (int64, error)
	// RecordUsage raises the stored counter to count; it never lowers it.
	RecordUsage(ctx context.Context, key domain.UsageKey, count int64) error
	ListUsage(ctx context.Context, ownerID, modelID, sincePeriod string) ([]domain.UsageRecord, error)
}

type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, hash string) error
}

type SessionStore interface {
	GetSession(ctx context.Context, token string) (*domain.Session, error)
}

type Store interface {
	JobStore
	ModelStore
	UsageStore
	APIKeyStore
	SessionStore
	Ping(ctx context.Context) error
	Close() error
}
