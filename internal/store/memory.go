package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/tunegate/internal/domain"
)

// InMemoryStore is a single-process Store. A single mutex stands in for the
// transactional guarantees the Postgres store gets from the database.
type InMemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.TuningJob
	models   map[string]*domain.TunedModel
	usage    map[domain.UsageKey]int64
	keys     map[string]*domain.APIKey
	sessions map[string]*domain.Session
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:     make(map[string]*domain.TuningJob),
		models:   make(map[string]*domain.TunedModel),
		usage:    make(map[domain.UsageKey]int64),
		keys:     make(map[string]*domain.APIKey),
		sessions: make(map[string]*domain.Session),
		now:      time.Now,
	}
}

func (s *InMemoryStore) CreateJob(ctx context.Context, job *domain.TuningJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrConflict
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*domain.TuningJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *InMemoryStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.TuningJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*domain.TuningJob
	for _, job := range s.jobs {
		if job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *InMemoryStore) ClaimJob(ctx context.Context, id, workerID string, status domain.JobStatus, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status != status {
		return false, nil
	}
	if job.ClaimedBy != "" && !job.ClaimedAt.Before(staleBefore) {
		return false, nil
	}

	now := s.now()
	job.ClaimedBy = workerID
	job.ClaimedAt = now
	job.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) RenewClaim(ctx context.Context, id, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.ClaimedBy != workerID {
		return false, nil
	}
	job.ClaimedAt = s.now()
	return true, nil
}

func (s *InMemoryStore) UpdateJob(ctx context.Context, job *domain.TuningJob, expected domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateJobLocked(job, expected)
}

func (s *InMemoryStore) updateJobLocked(job *domain.TuningJob, expected domain.JobStatus) error {
	current, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if current.Status != expected {
		return domain.ErrConflict
	}

	updated := job.Clone()
	updated.ClaimedBy = current.ClaimedBy
	updated.ClaimedAt = current.ClaimedAt
	updated.UpdatedAt = s.now()
	s.jobs[job.ID] = updated
	job.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *InMemoryStore) CompleteJob(ctx context.Context, job *domain.TuningJob, model *domain.TunedModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if current.Status != domain.JobProcessing {
		return domain.ErrConflict
	}

	if existing := s.modelByJobLocked(job.ID); existing == nil {
		m := *model
		s.models[m.ID] = &m
	}

	return s.updateJobLocked(job, domain.JobProcessing)
}

func (s *InMemoryStore) modelByJobLocked(jobID string) *domain.TunedModel {
	for _, m := range s.models {
		if m.JobID == jobID {
			return m
		}
	}
	return nil
}

func (s *InMemoryStore) GetModel(ctx context.Context, id string) (*domain.TunedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, domain.ErrModelNotFound
	}
	c := *m
	return &c, nil
}

func (s *InMemoryStore) GetModelByTunedModelID(ctx context.Context, tunedModelID string) (*domain.TunedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.models {
		if m.TunedModelID == tunedModelID {
			c := *m
			return &c, nil
		}
	}
	return nil, domain.ErrModelNotFound
}

func (s *InMemoryStore) GetModelByJobID(ctx context.Context, jobID string) (*domain.TunedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m := s.modelByJobLocked(jobID); m != nil {
		c := *m
		return &c, nil
	}
	return nil, domain.ErrModelNotFound
}

func (s *InMemoryStore) ListModels(ctx context.Context, ownerID string) ([]*domain.TunedModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var models []*domain.TunedModel
	for _, m := range s.models {
		if m.OwnerID == ownerID {
			c := *m
			models = append(models, &c)
		}
	}
	sort.Slice(models, func(i, j int) bool {
		return models[i].CreatedAt.After(models[j].CreatedAt)
	})
	return models, nil
}

func (s *InMemoryStore) IncrementUsage(ctx context.Context, key domain.UsageKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage[key]++
	return s.usage[key], nil
}

func (s *InMemoryStore) RecordUsage(ctx context.Context, key domain.UsageKey, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count > s.usage[key] {
		s.usage[key] = count
	}
	return nil
}

func (s *InMemoryStore) ListUsage(ctx context.Context, ownerID, modelID, sincePeriod string) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []domain.UsageRecord
	for key, count := range s.usage {
		if key.OwnerID != ownerID || key.ModelID != modelID || key.Period < sincePeriod {
			continue
		}
		records = append(records, domain.UsageRecord{UsageKey: key, RequestCount: count})
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Period < records[j].Period
	})
	return records, nil
}

func (s *InMemoryStore) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key.KeyHash]; ok {
		return domain.ErrConflict
	}
	stored := *key
	stored.Key = ""
	s.keys[key.KeyHash] = &stored
	return nil
}

func (s *InMemoryStore) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[hash]
	if !ok {
		return nil, domain.ErrAPIKeyNotFound
	}
	c := *key
	return &c, nil
}

func (s *InMemoryStore) DeleteAPIKey(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[hash]; !ok {
		return domain.ErrAPIKeyNotFound
	}
	delete(s.keys, hash)
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	c := *session
	return &c, nil
}

// PutSession stands in for the external auth system in single-process setups and tests.
func (s *InMemoryStore) PutSession(session *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *session
	s.sessions[session.Token] = &c
}

func (s *InMemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
