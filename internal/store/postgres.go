package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/felipepmaragno/tunegate/internal/crypto"
	"github.com/felipepmaragno/tunegate/internal/domain"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type PostgresStore struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// NewPostgresStore returns a Store backed by db. When enc is non-nil, training
// examples are sealed before they are written.
func NewPostgresStore(db *sql.DB, enc *crypto.Encryptor) *PostgresStore {
	return &PostgresStore{db: db, enc: enc}
}

const jobColumns = `id, name, kind, base_model, training_examples, hyperparameters, status,
	operation_handle, tuned_model_id, error_message, progress, owner_id,
	claimed_by, claimed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) encodeExamples(examples []domain.TrainingExample) (string, error) {
	data, err := json.Marshal(examples)
	if err != nil {
		return "", fmt.Errorf("marshal training examples: %w", err)
	}
	if s.enc == nil {
		return string(data), nil
	}
	return s.enc.Seal(data)
}

func (s *PostgresStore) decodeExamples(value string) ([]domain.TrainingExample, error) {
	data := []byte(value)
	if crypto.IsSealed(value) {
		if s.enc == nil {
			return nil, fmt.Errorf("training examples are encrypted but no key is configured")
		}
		opened, err := s.enc.Open(value)
		if err != nil {
			return nil, fmt.Errorf("open training examples: %w", err)
		}
		data = opened
	}

	var examples []domain.TrainingExample
	if err := json.Unmarshal(data, &examples); err != nil {
		return nil, fmt.Errorf("unmarshal training examples: %w", err)
	}
	return examples, nil
}

func (s *PostgresStore) scanJob(row rowScanner) (*domain.TuningJob, error) {
	var job domain.TuningJob
	var examples string
	var hyper []byte
	var claimedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Kind,
		&job.BaseModel,
		&examples,
		&hyper,
		&job.Status,
		&job.OperationHandle,
		&job.TunedModelID,
		&job.ErrorMessage,
		&job.Progress,
		&job.OwnerID,
		&job.ClaimedBy,
		&claimedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if job.TrainingExamples, err = s.decodeExamples(examples); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(hyper, &job.Hyperparameters); err != nil {
		return nil, fmt.Errorf("unmarshal hyperparameters: %w", err)
	}
	if claimedAt.Valid {
		job.ClaimedAt = claimedAt.Time
	}

	return &job, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.TuningJob) error {
	examples, err := s.encodeExamples(job.TrainingExamples)
	if err != nil {
		return err
	}
	hyper, err := json.Marshal(job.Hyperparameters)
	if err != nil {
		return fmt.Errorf("marshal hyperparameters: %w", err)
	}

	query := `
		INSERT INTO jobs (id, name, kind, base_model, training_examples, hyperparameters, status,
		                  operation_handle, tuned_model_id, error_message, progress, owner_id,
		                  created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Kind,
		job.BaseModel,
		examples,
		hyper,
		job.Status,
		job.OperationHandle,
		job.TunedModelID,
		job.ErrorMessage,
		job.Progress,
		job.OwnerID,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*domain.TuningJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := s.scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	return job, nil
}

func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.TuningJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.TuningJob
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id, workerID string, status domain.JobStatus, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE jobs
		SET claimed_by = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3 AND (claimed_by = '' OR claimed_at < $4)
	`

	result, err := s.db.ExecContext(ctx, query, id, workerID, status, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return true, nil
	}
	if err := s.jobExists(ctx, s.db, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) RenewClaim(ctx context.Context, id, workerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claimed_at = NOW() WHERE id = $1 AND claimed_by = $2`, id, workerID)
	if err != nil {
		return false, fmt.Errorf("renew claim: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return true, nil
	}
	if err := s.jobExists(ctx, s.db, id); err != nil {
		return false, err
	}
	return false, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) jobExists(ctx context.Context, q queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("query job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.TuningJob, expected domain.JobStatus) error {
	return s.updateJob(ctx, s.db, job, expected)
}

func (s *PostgresStore) updateJob(ctx context.Context, q queryer, job *domain.TuningJob, expected domain.JobStatus) error {
	query := `
		UPDATE jobs
		SET status = $3, operation_handle = $4, tuned_model_id = $5, error_message = $6,
		    progress = $7, updated_at = $8
		WHERE id = $1 AND status = $2
	`

	now := time.Now()
	result, err := q.ExecContext(ctx, query,
		job.ID,
		expected,
		job.Status,
		job.OperationHandle,
		job.TunedModelID,
		job.ErrorMessage,
		job.Progress,
		now,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if err := s.jobExists(ctx, q, job.ID); err != nil {
			return err
		}
		return domain.ErrConflict
	}

	job.UpdatedAt = now
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, job *domain.TuningJob, model *domain.TunedModel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO models (id, job_id, owner_id, name, kind, tuned_model_id, base_model, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO NOTHING
	`
	_, err = tx.ExecContext(ctx, insert,
		model.ID,
		model.JobID,
		model.OwnerID,
		model.Name,
		model.Kind,
		model.TunedModelID,
		model.BaseModel,
		model.Status,
		model.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}

	if err := s.updateJob(ctx, tx, job, domain.JobProcessing); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const modelColumns = `id, job_id, owner_id, name, kind, tuned_model_id, base_model, status, created_at`

func scanModel(row rowScanner) (*domain.TunedModel, error) {
	var m domain.TunedModel
	err := row.Scan(
		&m.ID,
		&m.JobID,
		&m.OwnerID,
		&m.Name,
		&m.Kind,
		&m.TunedModelID,
		&m.BaseModel,
		&m.Status,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) getModelBy(ctx context.Context, column, value string) (*domain.TunedModel, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE ` + column + ` = $1 LIMIT 1`

	m, err := scanModel(s.db.QueryRowContext(ctx, query, value))
	if err == sql.ErrNoRows {
		return nil, domain.ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query model: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetModel(ctx context.Context, id string) (*domain.TunedModel, error) {
	return s.getModelBy(ctx, "id", id)
}

func (s *PostgresStore) GetModelByTunedModelID(ctx context.Context, tunedModelID string) (*domain.TunedModel, error) {
	return s.getModelBy(ctx, "tuned_model_id", tunedModelID)
}

func (s *PostgresStore) GetModelByJobID(ctx context.Context, jobID string) (*domain.TunedModel, error) {
	return s.getModelBy(ctx, "job_id", jobID)
}

func (s *PostgresStore) ListModels(ctx context.Context, ownerID string) ([]*domain.TunedModel, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var models []*domain.TunedModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, m)
	}

	return models, rows.Err()
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, key domain.UsageKey) (int64, error) {
	query := `
		INSERT INTO usage (model_id, owner_id, period, request_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (model_id, owner_id, period)
		DO UPDATE SET request_count = usage.request_count + 1
		RETURNING request_count
	`

	var count int64
	if err := s.db.QueryRowContext(ctx, query, key.ModelID, key.OwnerID, key.Period).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, key domain.UsageKey, count int64) error {
	query := `
		INSERT INTO usage (model_id, owner_id, period, request_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (model_id, owner_id, period)
		DO UPDATE SET request_count = GREATEST(usage.request_count, EXCLUDED.request_count)
	`

	if _, err := s.db.ExecContext(ctx, query, key.ModelID, key.OwnerID, key.Period, count); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, ownerID, modelID, sincePeriod string) ([]domain.UsageRecord, error) {
	query := `
		SELECT model_id, owner_id, period, request_count
		FROM usage
		WHERE owner_id = $1 AND model_id = $2 AND period >= $3
		ORDER BY period
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID, modelID, sincePeriod)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var r domain.UsageRecord
		if err := rows.Scan(&r.ModelID, &r.OwnerID, &r.Period, &r.RequestCount); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	query := `INSERT INTO api_keys (key_hash, owner_id, name, created_at) VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, key.KeyHash, key.OwnerID, key.Name, key.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	query := `SELECT key_hash, owner_id, name, created_at FROM api_keys WHERE key_hash = $1`

	var key domain.APIKey
	err := s.db.QueryRowContext(ctx, query, hash).Scan(&key.KeyHash, &key.OwnerID, &key.Name, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &key, nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, hash string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE key_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrAPIKeyNotFound
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	query := `SELECT token, user_id, expires_at FROM sessions WHERE token = $1`

	var session domain.Session
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, token).Scan(&session.Token, &session.UserID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}
	return &session, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
