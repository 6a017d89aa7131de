// Package orchestrator drives tuning jobs through their lifecycle: it submits
// each job to the tuning provider, polls the resulting operation and records
// the terminal outcome. Tasks coordinate only through compare-and-set writes
// in the store, so several worker processes can share one job table.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/metrics"
	"github.com/felipepmaragno/tunegate/internal/notifications"
	"github.com/felipepmaragno/tunegate/internal/queue"
	"github.com/felipepmaragno/tunegate/internal/store"
)

// TuningProvider is the remote service that trains tuned models.
type TuningProvider interface {
	Submit(ctx context.Context, spec domain.TuningSpec) (string, error)
	Poll(ctx context.Context, handle string) (*domain.PollResult, error)
}

type Config struct {
	Store    store.JobStore
	Provider TuningProvider
	Queue    queue.Queue
	Notifier notifications.Notifier

	PollInterval      time.Duration
	MaxPollDuration   time.Duration
	MaxPollErrors     int
	ClaimTTL          time.Duration
	WorkerConcurrency int
	// WorkerID names this process in job claims. Defaults to hostname plus a random suffix.
	WorkerID string
}

const (
	DefaultPollInterval      = 5 * time.Second
	DefaultMaxPollDuration   = 2 * time.Hour
	DefaultMaxPollErrors     = 5
	DefaultClaimTTL          = 10 * time.Minute
	DefaultWorkerConcurrency = 10
)

type Orchestrator struct {
	store    store.JobStore
	provider TuningProvider
	queue    queue.Queue
	notifier notifications.Notifier

	pollInterval    time.Duration
	maxPollDuration time.Duration
	maxPollErrors   int
	claimTTL        time.Duration
	workerID        string

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]context.CancelFunc

	now   func() time.Time
	newID func() string
}

func New(cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollDuration <= 0 {
		cfg.MaxPollDuration = DefaultMaxPollDuration
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = DefaultMaxPollErrors
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = DefaultWorkerConcurrency
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notifications.LogNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:           cfg.Store,
		provider:        cfg.Provider,
		queue:           cfg.Queue,
		notifier:        cfg.Notifier,
		pollInterval:    cfg.PollInterval,
		maxPollDuration: cfg.MaxPollDuration,
		maxPollErrors:   cfg.MaxPollErrors,
		claimTTL:        cfg.ClaimTTL,
		workerID:        cfg.WorkerID,
		ctx:             ctx,
		cancel:          cancel,
		sem:             make(chan struct{}, cfg.WorkerConcurrency),
		tasks:           make(map[string]context.CancelFunc),
		now:             time.Now,
		newID:           uuid.NewString,
	}
}

type SubmitRequest struct {
	Name             string                   `json:"name"`
	Kind             domain.JobKind           `json:"kind"`
	BaseModel        string                   `json:"baseModel"`
	TrainingExamples []domain.TrainingExample `json:"trainingExamples"`
	Hyperparameters  *domain.Hyperparameters  `json:"hyperparameters,omitempty"`
}

func (r SubmitRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return domain.InvalidArgument("name is required")
	}
	if r.Kind == "" {
		return domain.InvalidArgument("kind is required")
	}
	if !r.Kind.Valid() {
		return domain.InvalidArgument("unknown kind %q", r.Kind)
	}
	if strings.TrimSpace(r.BaseModel) == "" {
		return domain.InvalidArgument("baseModel is required")
	}
	if len(r.TrainingExamples) == 0 {
		return domain.InvalidArgument("trainingExamples must not be empty")
	}
	for i, ex := range r.TrainingExamples {
		if ex.Input == "" || ex.Output == "" {
			return domain.InvalidArgument("trainingExamples[%d] needs input and output", i)
		}
	}
	if h := r.Hyperparameters; h != nil {
		if h.BatchSize <= 0 || h.EpochCount <= 0 || h.LearningRate <= 0 {
			return domain.InvalidArgument("hyperparameters must be positive")
		}
	}
	return nil
}

// Submit records a queued job for ownerID and dispatches it to a worker.
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*domain.TuningJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	hp := domain.DefaultHyperparameters()
	if req.Hyperparameters != nil {
		hp = *req.Hyperparameters
	}

	now := o.now().UTC()
	job := &domain.TuningJob{
		ID:               o.newID(),
		Name:             req.Name,
		Kind:             req.Kind,
		BaseModel:        req.BaseModel,
		TrainingExamples: req.TrainingExamples,
		Hyperparameters:  hp,
		Status:           domain.JobQueued,
		OwnerID:          ownerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.RecordTransition(string(domain.JobQueued))

	slog.Info("job queued", "job_id", job.ID, "owner_id", ownerID, "kind", job.Kind)

	o.dispatch(ctx, job.ID)
	return job, nil
}

// dispatch hands the job to the queue. Without a queue, or when the queue is
// unavailable, the job is triggered in this process.
func (o *Orchestrator) dispatch(ctx context.Context, jobID string) {
	if o.queue != nil {
		err := o.queue.Enqueue(ctx, jobID)
		if err == nil {
			return
		}
		slog.Warn("enqueue failed, triggering in process", "job_id", jobID, "error", err)
	}

	if _, err := o.Trigger(ctx, jobID); err != nil {
		slog.Error("trigger failed", "job_id", jobID, "error", err)
	}
}

// Trigger starts orchestration for a queued job. It is idempotent: a job that is
// already claimed, processing or terminal is returned unchanged.
func (o *Orchestrator) Trigger(ctx context.Context, jobID string) (*domain.TuningJob, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobQueued {
		return job, nil
	}

	claimed, err := o.store.ClaimJob(ctx, jobID, o.workerID, domain.JobQueued, o.now().Add(-o.claimTTL))
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if !claimed {
		slog.Debug("job already claimed", "job_id", jobID)
		return job, nil
	}

	o.spawn(jobID, true)
	return job, nil
}

// Cancel moves a non-terminal job to cancelled and stops its task if this
// process holds it. Cancelling a terminal job returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*domain.TuningJob, error) {
	for {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}

		expected := job.Status
		job.Status = domain.JobCancelled
		err = o.store.UpdateJob(ctx, job, expected)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancel job: %w", err)
		}

		o.stopTask(jobID)
		metrics.ClearJobProgress(jobID)
		o.recordTerminal(ctx, job)
		return job, nil
	}
}

// Recover resumes jobs left behind by a previous process: processing jobs are
// polled again (never re-submitted) and queued jobs are triggered. A processing
// job is resumed only when its claim is free or older than the claim TTL, so
// jobs polled by live workers are left alone.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	processing, err := o.store.ListJobsByStatus(ctx, domain.JobProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}

	resumed := 0
	for _, job := range processing {
		claimed, err := o.store.ClaimJob(ctx, job.ID, o.workerID, domain.JobProcessing, o.now().Add(-o.claimTTL))
		if err != nil {
			slog.Warn("recover claim failed", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			slog.Debug("processing job held by another worker", "job_id", job.ID)
			continue
		}
		if job.OperationHandle == "" {
			slog.Warn("processing job without operation handle", "job_id", job.ID)
			o.fail(ctx, job, "operation handle lost")
			continue
		}
		if o.spawn(job.ID, false) {
			resumed++
		}
	}

	queued, err := o.store.ListJobsByStatus(ctx, domain.JobQueued)
	if err != nil {
		return resumed, fmt.Errorf("list queued jobs: %w", err)
	}
	for _, job := range queued {
		if _, err := o.Trigger(ctx, job.ID); err != nil {
			slog.Warn("recover trigger failed", "job_id", job.ID, "error", err)
			continue
		}
		resumed++
	}

	slog.Info("recovered jobs", "processing", len(processing), "queued", len(queued))
	return resumed, nil
}

// Run consumes the job queue until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.queue == nil {
		<-ctx.Done()
		return nil
	}

	slog.Info("orchestrator started", "worker_id", o.workerID)

	for {
		msgs, err := o.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			_, err := o.Trigger(ctx, msg.JobID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				slog.Error("trigger failed", "job_id", msg.JobID, "error", err)
				continue
			}
			if err := o.queue.Ack(ctx, msg); err != nil {
				slog.Warn("ack failed", "job_id", msg.JobID, "error", err)
			}
		}
	}
}

// Active returns the number of tasks held by this process.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// Close stops every task and waits for them to return. Jobs left in
// processing are picked up by Recover on the next start.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) spawn(jobID string, submit bool) bool {
	o.mu.Lock()
	if _, running := o.tasks[jobID]; running {
		o.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.tasks[jobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.stopTask(jobID)

		select {
		case o.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-o.sem }()

		metrics.ActiveJobs.Inc()
		defer metrics.ActiveJobs.Dec()

		o.runTask(ctx, jobID, submit)
	}()
	return true
}

func (o *Orchestrator) stopTask(jobID string) {
	o.mu.Lock()
	cancel, ok := o.tasks[jobID]
	delete(o.tasks, jobID)
	o.mu.Unlock()

	if ok {
		cancel()
	}
}
