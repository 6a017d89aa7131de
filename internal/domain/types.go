package domain

import "time"

type JobKind string

const (
	KindGenerate JobKind = "generate"
	KindClassify JobKind = "classify"
)

func (k JobKind) Valid() bool {
	return k == KindGenerate || k == KindClassify
}

// JobStatus is the lifecycle state of a TuningJob.
//
//	queued -> processing -> ready | failed | timeout
//	queued | processing -> cancelled
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobReady      JobStatus = "ready"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobTimeout    JobStatus = "timeout"
)

// Terminal reports whether no further automatic transition can happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobReady, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

type ModelStatus string

const (
	ModelTraining ModelStatus = "training"
	ModelReady    ModelStatus = "ready"
	ModelFailed   ModelStatus = "failed"
)

type TrainingExample struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type Hyperparameters struct {
	BatchSize    int     `json:"batchSize"`
	LearningRate float64 `json:"learningRate"`
	EpochCount   int     `json:"epochCount"`
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		BatchSize:    4,
		LearningRate: 0.001,
		EpochCount:   5,
	}
}

type TuningJob struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Kind             JobKind           `json:"kind"`
	BaseModel        string            `json:"baseModel"`
	TrainingExamples []TrainingExample `json:"trainingExamples"`
	Hyperparameters  Hyperparameters   `json:"hyperparameters"`
	Status           JobStatus         `json:"status"`
	OperationHandle  string            `json:"operationHandle,omitempty"`
	TunedModelID     string            `json:"tunedModelId,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	Progress         float64           `json:"percentComplete"`
	OwnerID          string            `json:"ownerId"`
	ClaimedBy        string            `json:"-"`
	ClaimedAt        time.Time         `json:"-"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy so stores and callers never share slices.
func (j *TuningJob) Clone() *TuningJob {
	if j == nil {
		return nil
	}
	c := *j
	c.TrainingExamples = append([]TrainingExample(nil), j.TrainingExamples...)
	return &c
}

type TunedModel struct {
	ID           string      `json:"id"`
	JobID        string      `json:"jobId"`
	OwnerID      string      `json:"ownerId"`
	Name         string      `json:"name"`
	Kind         JobKind     `json:"kind"`
	TunedModelID string      `json:"tunedModelId"`
	BaseModel    string      `json:"baseModel"`
	Status       ModelStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// UsageKey identifies one usage counter. Period is a UTC calendar day (YYYY-MM-DD).
type UsageKey struct {
	ModelID string `json:"modelId"`
	OwnerID string `json:"ownerId"`
	Period  string `json:"period"`
}

const PeriodLayout = "2006-01-02"

func UsageKeyFor(modelID, ownerID string, t time.Time) UsageKey {
	return UsageKey{
		ModelID: modelID,
		OwnerID: ownerID,
		Period:  t.UTC().Format(PeriodLayout),
	}
}

func (k UsageKey) String() string {
	return k.ModelID + ":" + k.OwnerID + ":" + k.Period
}

type UsageRecord struct {
	UsageKey
	RequestCount int64 `json:"requestCount"`
}

// APIKey is stored by hash only. Key carries the plaintext exactly once, at issuance.
type APIKey struct {
	KeyHash   string    `json:"keyHash"`
	Key       string    `json:"key,omitempty"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is issued by the external auth system; the gateway only resolves it.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// TuningSpec is what the tuning provider receives for one job.
type TuningSpec struct {
	DisplayName      string
	BaseModel        string
	Kind             JobKind
	TrainingExamples []TrainingExample
	Hyperparameters  Hyperparameters
}

// PollResult is one observation of a provider tuning operation.
type PollResult struct {
	PercentComplete float64
	HasProgress     bool
	Done            bool
	TunedModelID    string
	Error           string
}
