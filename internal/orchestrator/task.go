package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/felipepmaragno/tunegate/internal/domain"
	"github.com/felipepmaragno/tunegate/internal/metrics"
	"github.com/felipepmaragno/tunegate/internal/notifications"
	"github.com/felipepmaragno/tunegate/internal/telemetry"
)

const unknownError = "Unknown error"

func (o *Orchestrator) runTask(ctx context.Context, jobID string, submit bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job task panicked",
				"job_id", jobID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if job, err := o.store.GetJob(context.Background(), jobID); err == nil && !job.Status.Terminal() {
				o.fail(context.Background(), job, fmt.Sprintf("internal error: %v", r))
			}
		}
	}()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("load job", "job_id", jobID, "error", err)
		return
	}

	if submit {
		job, err = o.submit(ctx, job)
		if err != nil || job == nil {
			return
		}
	}

	o.poll(ctx, job)
}

// submit sends the job to the provider. It returns the processing job, or nil
// when the job ended or the task lost a race.
func (o *Orchestrator) submit(ctx context.Context, job *domain.TuningJob) (*domain.TuningJob, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.submit")
	defer span.End()
	telemetry.AddJobAttributes(span, job.ID, job.OwnerID)

	if job.Status != domain.JobQueued {
		return nil, nil
	}

	handle, err := o.provider.Submit(ctx, domain.TuningSpec{
		DisplayName:      job.Name,
		BaseModel:        job.BaseModel,
		Kind:             job.Kind,
		TrainingExamples: job.TrainingExamples,
		Hyperparameters:  job.Hyperparameters,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		telemetry.AddErrorAttribute(span, err)
		slog.Warn("submit failed", "job_id", job.ID, "error", err)
		job.Status = domain.JobFailed
		job.ErrorMessage = domain.MessageOf(err)
		o.finish(ctx, job, domain.JobQueued)
		return nil, nil
	}

	job.OperationHandle = handle
	job.Status = domain.JobProcessing
	if err := o.store.UpdateJob(ctx, job, domain.JobQueued); err != nil {
		slog.Warn("job changed during submit",
			"job_id", job.ID,
			"operation", handle,
			"error", err,
		)
		return nil, err
	}
	metrics.RecordTransition(string(domain.JobProcessing))
	span.SetAttributes(attribute.String("operation", handle))

	slog.Info("job submitted", "job_id", job.ID, "operation", handle)
	return job, nil
}

// poll watches the job's operation until it ends, the job leaves processing,
// or ctx is done. The first poll happens immediately.
func (o *Orchestrator) poll(ctx context.Context, job *domain.TuningJob) {
	defer metrics.ClearJobProgress(job.ID)

	start := o.now()
	handle := job.OperationHandle
	consecutiveErrors := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		current, err := o.store.GetJob(ctx, job.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			metrics.RecordPollError("store")
			slog.Warn("reload job", "job_id", job.ID, "error", err, "attempt", consecutiveErrors)
			if consecutiveErrors >= o.maxPollErrors {
				slog.Error("giving up on job after store errors", "job_id", job.ID)
				return
			}
			timer.Reset(o.pollInterval)
			continue
		}
		if current.Status != domain.JobProcessing {
			slog.Info("job left processing, stopping poll", "job_id", job.ID, "status", current.Status)
			return
		}

		held, err := o.store.RenewClaim(ctx, job.ID, o.workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			metrics.RecordPollError("store")
			slog.Warn("renew claim", "job_id", job.ID, "error", err, "attempt", consecutiveErrors)
			if consecutiveErrors >= o.maxPollErrors {
				slog.Error("giving up on job after store errors", "job_id", job.ID)
				return
			}
			timer.Reset(o.pollInterval)
			continue
		}
		if !held {
			slog.Warn("job claimed by another worker, stopping poll", "job_id", job.ID)
			return
		}

		if o.now().Sub(start) >= o.maxPollDuration {
			slog.Warn("job polling timed out", "job_id", job.ID, "elapsed", o.now().Sub(start))
			current.Status = domain.JobTimeout
			o.finish(ctx, current, domain.JobProcessing)
			return
		}

		done, err := o.pollOnce(ctx, current, handle)
		if done {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !domain.IsTransient(err) {
				metrics.RecordPollError("permanent")
				slog.Warn("poll failed permanently", "job_id", job.ID, "error", err)
				o.fail(ctx, current, domain.MessageOf(err))
				return
			}

			consecutiveErrors++
			metrics.RecordPollError("transient")
			slog.Warn("poll failed", "job_id", job.ID, "error", err, "attempt", consecutiveErrors)
			if consecutiveErrors >= o.maxPollErrors {
				o.fail(ctx, current, domain.MessageOf(err))
				return
			}
		} else {
			consecutiveErrors = 0
		}

		timer.Reset(o.pollInterval)
	}
}

// pollOnce observes the operation once. It reports done when the task should stop.
func (o *Orchestrator) pollOnce(ctx context.Context, job *domain.TuningJob, handle string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.poll")
	defer span.End()
	telemetry.AddJobAttributes(span, job.ID, job.OwnerID)

	result, err := o.provider.Poll(ctx, handle)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return false, err
	}

	if result.HasProgress {
		span.SetAttributes(attribute.Float64("progress", result.PercentComplete))
		metrics.SetJobProgress(job.ID, result.PercentComplete)
		if result.PercentComplete != job.Progress && !result.Done {
			job.Progress = result.PercentComplete
			if err := o.store.UpdateJob(ctx, job, domain.JobProcessing); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					return true, nil
				}
				slog.Warn("persist progress", "job_id", job.ID, "error", err)
			}
		}
	}

	if !result.Done {
		return false, nil
	}

	switch {
	case result.Error != "":
		o.fail(ctx, job, result.Error)
	case result.TunedModelID != "":
		o.complete(ctx, job, result.TunedModelID)
	default:
		o.fail(ctx, job, unknownError)
	}
	return true, nil
}

func (o *Orchestrator) complete(ctx context.Context, job *domain.TuningJob, tunedModelID string) {
	job.Status = domain.JobReady
	job.TunedModelID = tunedModelID
	job.ErrorMessage = ""
	job.Progress = 100

	model := &domain.TunedModel{
		ID:           o.newID(),
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Name:         job.Name,
		Kind:         job.Kind,
		TunedModelID: tunedModelID,
		BaseModel:    job.BaseModel,
		Status:       domain.ModelReady,
		CreatedAt:    o.now().UTC(),
	}

	if err := o.store.CompleteJob(ctx, job, model); err != nil {
		slog.Warn("complete job", "job_id", job.ID, "error", err)
		return
	}

	slog.Info("job ready", "job_id", job.ID, "tuned_model_id", tunedModelID)
	o.recordTerminal(ctx, job)
}

// fail writes a failed status with message, from whatever status the job is in now.
func (o *Orchestrator) fail(ctx context.Context, job *domain.TuningJob, message string) {
	if message == "" {
		message = unknownError
	}
	expected := job.Status
	job.Status = domain.JobFailed
	job.ErrorMessage = message
	job.TunedModelID = ""
	o.finish(ctx, job, expected)
}

// finish writes a terminal status by compare-and-set against expected.
func (o *Orchestrator) finish(ctx context.Context, job *domain.TuningJob, expected domain.JobStatus) {
	if err := o.store.UpdateJob(ctx, job, expected); err != nil {
		slog.Warn("lost terminal write",
			"job_id", job.ID,
			"status", job.Status,
			"expected", expected,
			"error", err,
		)
		return
	}

	slog.Info("job finished",
		"job_id", job.ID,
		"status", job.Status,
		"error_message", job.ErrorMessage,
	)
	o.recordTerminal(ctx, job)
}

func (o *Orchestrator) recordTerminal(ctx context.Context, job *domain.TuningJob) {
	metrics.RecordTransition(string(job.Status))

	n, ok := notifications.JobNotification(job)
	if !ok {
		return
	}
	if err := o.notifier.Send(context.WithoutCancel(ctx), n); err != nil {
		slog.Warn("failed to send job notification", "job_id", job.ID, "error", err)
	}
}
