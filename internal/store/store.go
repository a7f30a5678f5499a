package store

import (
	"context"
	"time"

	"github.com/meridianhealth/provider-validation/internal/model"
)

// Store defines the persistence interface for jobs, validations, trust
// scores, feedback, and the provider roster. Orchestration state must
// survive process restart, so every implementation is durable.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]model.Job, error)
	// UpdateJobStatus advances a non-terminal job. Moving a terminal job
	// fails with ErrConflict.
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error
	// CompleteJob moves a non-terminal job into a terminal status and stamps
	// completed_at. Fails with ErrConflict if the job is already terminal.
	CompleteJob(ctx context.Context, jobID string, status model.JobStatus, completedAt time.Time) error
	// IncrementJobCompleted atomically bumps the completed-provider counter
	// and returns the post-increment (completed, total) pair.
	IncrementJobCompleted(ctx context.Context, jobID string) (completed, total int, err error)
	// ListStaleRunning returns RUNNING jobs with no progress since the cutoff.
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]model.Job, error)

	// Validations (append-only audit trail)
	AppendValidation(ctx context.Context, v model.Validation) (*model.Validation, error)
	ListValidations(ctx context.Context, jobID, providerID string) ([]model.Validation, error)

	// Trust scores
	GetTrustScore(ctx context.Context, source, field string) (*model.TrustScore, error)
	ListTrustScores(ctx context.Context) ([]model.TrustScore, error)
	UpsertTrustScore(ctx context.Context, ts model.TrustScore) error
	// SeedTrustScore inserts a row only if the (source, field) pair is
	// absent. Returns true when a row was created.
	SeedTrustScore(ctx context.Context, ts model.TrustScore) (bool, error)

	// Feedback
	CreateFeedback(ctx context.Context, fb model.Feedback) (*model.Feedback, error)

	// Providers
	CreateProvider(ctx context.Context, p model.Provider) (*model.Provider, error)
	ImportProviders(ctx context.Context, ps []model.Provider) (int64, error)
	GetProvider(ctx context.Context, providerID string) (*model.Provider, error)
	ListProviders(ctx context.Context, limit, offset int) ([]model.Provider, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
