package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/provider-validation/internal/model"
)

// newTestSQLiteStore opens a migrated store against a throwaway database file.
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testJob(id string, status model.JobStatus, total int, at time.Time) model.Job {
	return model.Job{
		ID:             id,
		Status:         status,
		TotalProviders: total,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateJob(ctx, testJob("job-1a2b3c4d", model.JobStatusQueued, 3, now)))

	job, err := s.GetJob(ctx, "job-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 3, job.TotalProviders)
	assert.Equal(t, 0, job.CompletedProviders)
	assert.Nil(t, job.CompletedAt)

	require.NoError(t, s.UpdateJobStatus(ctx, "job-1a2b3c4d", model.JobStatusRunning))

	completed, total, err := s.IncrementJobCompleted(ctx, "job-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 3, total)

	completed, total, err = s.IncrementJobCompleted(ctx, "job-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 3, total)

	require.NoError(t, s.CompleteJob(ctx, "job-1a2b3c4d", model.JobStatusCompleted, time.Now().UTC()))

	job, err = s.GetJob(ctx, "job-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	// No transitions out of a terminal state.
	err = s.UpdateJobStatus(ctx, "job-1a2b3c4d", model.JobStatusRunning)
	assert.ErrorIs(t, err, model.ErrConflict)
	err = s.CompleteJob(ctx, "job-1a2b3c4d", model.JobStatusCancelled, time.Now().UTC())
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestSQLiteStore_CreateJob_Duplicate(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.CreateJob(ctx, testJob("job-1a2b3c4d", model.JobStatusQueued, 1, now)))
	err := s.CreateJob(ctx, testJob("job-1a2b3c4d", model.JobStatusQueued, 1, now))
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestSQLiteStore_GetJob_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := s.GetJob(context.Background(), "job-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteStore_CompleteJob_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	// A missing job is a lookup miss, not a state conflict.
	err := s.CompleteJob(ctx, "job-missing1", model.JobStatusCancelled, time.Now().UTC())
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NotErrorIs(t, err, model.ErrConflict)

	err = s.UpdateJobStatus(ctx, "job-missing1", model.JobStatusRunning)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NotErrorIs(t, err, model.ErrConflict)
}

func TestSQLiteStore_AppendValidation_UnknownJob(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := s.AppendValidation(context.Background(), model.Validation{
		JobID:      "job-missing1",
		ProviderID: "prov-1",
		Stage:      "progress",
		Status:     model.ValidationStatusRunning,
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteStore_IncrementJobCompleted_NotFound(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, _, err := s.IncrementJobCompleted(context.Background(), "job-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteStore_ListRecentJobs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateJob(ctx, testJob("job-oldest00", model.JobStatusCompleted, 1, base.Add(-2*time.Hour))))
	require.NoError(t, s.CreateJob(ctx, testJob("job-middle00", model.JobStatusFailed, 1, base.Add(-time.Hour))))
	require.NoError(t, s.CreateJob(ctx, testJob("job-newest00", model.JobStatusRunning, 1, base)))

	jobs, err := s.ListRecentJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "job-newest00", jobs[0].ID)
	assert.Equal(t, "job-middle00", jobs[1].ID)
}

func TestSQLiteStore_ListStaleRunning(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateJob(ctx, testJob("job-stale000", model.JobStatusRunning, 5, now.Add(-time.Hour))))
	require.NoError(t, s.CreateJob(ctx, testJob("job-fresh000", model.JobStatusRunning, 5, now)))
	require.NoError(t, s.CreateJob(ctx, testJob("job-queued00", model.JobStatusQueued, 5, now.Add(-time.Hour))))

	stale, err := s.ListStaleRunning(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "job-stale000", stale[0].ID)
}

func TestSQLiteStore_Validations_AppendAndList(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateJob(ctx, testJob("job-1a2b3c4d", model.JobStatusRunning, 2, now)))

	conf := 0.82
	stages := []model.Validation{
		{JobID: "job-1a2b3c4d", ProviderID: "prov-1", Stage: "queued", Status: model.ValidationStatusPending, CreatedAt: now},
		{JobID: "job-1a2b3c4d", ProviderID: "prov-1", Stage: "provider_lookup", Status: model.ValidationStatusLoading, CreatedAt: now},
		{JobID: "job-1a2b3c4d", ProviderID: "prov-2", Stage: "queued", Status: model.ValidationStatusPending, CreatedAt: now},
		{
			JobID: "job-1a2b3c4d", ProviderID: "prov-1", Stage: "agent_validation",
			Status: model.ValidationStatusCompleted, CreatedAt: now,
			Result:     map[string]any{"status": "VALID", "message": "all fields verified"},
			Confidence: &conf,
		},
	}
	for _, v := range stages {
		got, err := s.AppendValidation(ctx, v)
		require.NoError(t, err)
		assert.NotEmpty(t, got.ID)
	}

	// Insertion order survives identical timestamps via the seq tiebreak.
	all, err := s.ListValidations(ctx, "job-1a2b3c4d", "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "queued", all[0].Stage)
	assert.Equal(t, "provider_lookup", all[1].Stage)
	assert.Equal(t, "prov-2", all[2].ProviderID)
	assert.Equal(t, "agent_validation", all[3].Stage)

	byProvider, err := s.ListValidations(ctx, "job-1a2b3c4d", "prov-1")
	require.NoError(t, err)
	require.Len(t, byProvider, 3)

	last := byProvider[2]
	assert.Equal(t, model.ValidationStatusCompleted, last.Status)
	require.NotNil(t, last.Confidence)
	assert.InDelta(t, 0.82, *last.Confidence, 0.001)
	assert.Equal(t, "VALID", last.Result["status"])
	assert.Equal(t, "all fields verified", last.Result["message"])
}

func TestSQLiteStore_ListValidations_Empty(t *testing.T) {
	s := newTestSQLiteStore(t)

	vals, err := s.ListValidations(context.Background(), "job-missing", "")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestSQLiteStore_TrustScores(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	seed := model.TrustScore{Source: "npi_registry", FieldName: "status", Score: 0.95, UpdatedAt: time.Now().UTC()}
	inserted, err := s.SeedTrustScore(ctx, seed)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Reseeding never clobbers an existing row.
	seed.Score = 0.10
	inserted, err = s.SeedTrustScore(ctx, seed)
	require.NoError(t, err)
	assert.False(t, inserted)

	ts, err := s.GetTrustScore(ctx, "npi_registry", "status")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.InDelta(t, 0.95, ts.Score, 0.001)

	err = s.UpsertTrustScore(ctx, model.TrustScore{
		Source: "npi_registry", FieldName: "status",
		Score: 0.90, Total: 10, Correct: 9, UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	ts, err = s.GetTrustScore(ctx, "npi_registry", "status")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.InDelta(t, 0.90, ts.Score, 0.001)
	assert.Equal(t, 10, ts.Total)
	assert.Equal(t, 9, ts.Correct)

	missing, err := s.GetTrustScore(ctx, "npi_registry", "unknown_field")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.UpsertTrustScore(ctx, model.TrustScore{
		Source: "google_places", FieldName: "phone", Score: 0.70, UpdatedAt: time.Now().UTC(),
	}))

	scores, err := s.ListTrustScores(ctx)
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Equal(t, "google_places", scores[0].Source)
	assert.Equal(t, "npi_registry", scores[1].Source)
}

func TestSQLiteStore_CreateFeedback(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateJob(ctx, testJob("job-1a2b3c4d", model.JobStatusRunning, 1, now)))
	v, err := s.AppendValidation(ctx, model.Validation{
		JobID: "job-1a2b3c4d", ProviderID: "prov-1",
		Stage: "agent_validation", Status: model.ValidationStatusCompleted,
	})
	require.NoError(t, err)

	fb, err := s.CreateFeedback(ctx, model.Feedback{
		ValidationID:   v.ID,
		IsCorrect:      false,
		CorrectedValue: "555-0142",
		SubmittedBy:    "reviewer@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fb.ID)
	assert.False(t, fb.CreatedAt.IsZero())
}

func TestSQLiteStore_Providers(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	p, err := s.CreateProvider(ctx, model.Provider{
		NPI: "1234567890", FirstName: "Jordan", LastName: "Avery",
		Specialty: "Cardiology", State: "CA", Phone: "555-0100",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)

	_, err = s.CreateProvider(ctx, model.Provider{NPI: "1234567890", LastName: "Duplicate"})
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := s.GetProvider(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "1234567890", got.NPI)
	assert.Equal(t, "Jordan Avery", got.FullName())

	_, err = s.GetProvider(ctx, "prov-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteStore_ImportProviders(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := s.ImportProviders(ctx, []model.Provider{
		{NPI: "1111111111", LastName: "Ames"},
		{NPI: "2222222222", LastName: "Brook"},
		{NPI: "3333333333", LastName: "Chen"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	ps, err := s.ListProviders(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, ps, 3)

	page, err := s.ListProviders(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}
