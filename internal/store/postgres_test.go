package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/provider-validation/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs WHERE id = \$1`).
		WithArgs("job-missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "job-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	now := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO validation_jobs`).
		WithArgs("job-1a2b3c4d", "QUEUED", 5, 0, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateJob(context.Background(), model.Job{
		ID:             "job-1a2b3c4d",
		Status:         model.JobStatusQueued,
		TotalProviders: 5,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO validation_jobs`).
		WithArgs("job-1a2b3c4d", "QUEUED", 5, 0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateJob(context.Background(), model.Job{
		ID:             "job-1a2b3c4d",
		Status:         model.JobStatusQueued,
		TotalProviders: 5,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE validation_jobs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status NOT IN`).
		WithArgs("RUNNING", pgxmock.AnyArg(), "job-1a2b3c4d").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateJobStatus(context.Background(), "job-1a2b3c4d", model.JobStatusRunning)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobStatus_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Terminal jobs match no rows under the status guard; the existence
	// check then classifies the miss as a conflict.
	mock.ExpectExec(`UPDATE validation_jobs SET status = \$1`).
		WithArgs("RUNNING", pgxmock.AnyArg(), "job-1a2b3c4d").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM validation_jobs WHERE id = \$1`).
		WithArgs("job-1a2b3c4d").
		WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))

	err := s.UpdateJobStatus(context.Background(), "job-1a2b3c4d", model.JobStatusRunning)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE validation_jobs SET status = \$1`).
		WithArgs("RUNNING", pgxmock.AnyArg(), "job-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM validation_jobs WHERE id = \$1`).
		WithArgs("job-missing").
		WillReturnError(pgx.ErrNoRows)

	err := s.UpdateJobStatus(context.Background(), "job-missing", model.JobStatusRunning)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE validation_jobs SET status = \$1, completed_at = \$2`).
		WithArgs("CANCELLED", pgxmock.AnyArg(), "job-1a2b3c4d").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM validation_jobs WHERE id = \$1`).
		WithArgs("job-1a2b3c4d").
		WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))

	err := s.CompleteJob(context.Background(), "job-1a2b3c4d", model.JobStatusCancelled, time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE validation_jobs SET status = \$1, completed_at = \$2`).
		WithArgs("CANCELLED", pgxmock.AnyArg(), "job-missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT 1 FROM validation_jobs WHERE id = \$1`).
		WithArgs("job-missing").
		WillReturnError(pgx.ErrNoRows)

	err := s.CompleteJob(context.Background(), "job-missing", model.JobStatusCancelled, time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementJobCompleted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE validation_jobs SET completed_providers = completed_providers \+ 1`).
		WithArgs(pgxmock.AnyArg(), "job-1a2b3c4d").
		WillReturnRows(pgxmock.NewRows([]string{"completed_providers", "total_providers"}).AddRow(3, 5))

	completed, total, err := s.IncrementJobCompleted(context.Background(), "job-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, 3, completed)
	assert.Equal(t, 5, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementJobCompleted_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE validation_jobs SET completed_providers`).
		WithArgs(pgxmock.AnyArg(), "job-missing").
		WillReturnError(pgx.ErrNoRows)

	_, _, err := s.IncrementJobCompleted(context.Background(), "job-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendValidation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO validations`).
		WithArgs(pgxmock.AnyArg(), "job-1a2b3c4d", "prov-1", "agent_validation", "RUNNING", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	v, err := s.AppendValidation(context.Background(), model.Validation{
		JobID:      "job-1a2b3c4d",
		ProviderID: "prov-1",
		Stage:      "agent_validation",
		Status:     model.ValidationStatusRunning,
		Result:     map[string]any{"status": "VALID"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.False(t, v.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendValidation_UnknownJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO validations`).
		WithArgs(pgxmock.AnyArg(), "job-missing", "prov-1", "progress", "RUNNING", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	_, err := s.AppendValidation(context.Background(), model.Validation{
		JobID:      "job-missing",
		ProviderID: "prov-1",
		Stage:      "progress",
		Status:     model.ValidationStatusRunning,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTrustScore_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, source_name, field_name, score, total_validations, correct_validations, updated_at FROM trust_scores`).
		WithArgs("npi_registry", "status").
		WillReturnError(pgx.ErrNoRows)

	ts, err := s.GetTrustScore(context.Background(), "npi_registry", "status")
	require.NoError(t, err)
	assert.Nil(t, ts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTrustScore(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	updated := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, source_name, field_name, score, total_validations, correct_validations, updated_at FROM trust_scores`).
		WithArgs("npi_registry", "status").
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "source_name", "field_name", "score", "total_validations", "correct_validations", "updated_at"}).
				AddRow("ts-1", "npi_registry", "status", 0.95, 20, 19, updated),
		)

	ts, err := s.GetTrustScore(context.Background(), "npi_registry", "status")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, "npi_registry", ts.Source)
	assert.Equal(t, "status", ts.FieldName)
	assert.InDelta(t, 0.95, ts.Score, 0.001)
	assert.Equal(t, 20, ts.Total)
	assert.Equal(t, 19, ts.Correct)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertTrustScore(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(source_name, field_name\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "google_places", "phone", 0.72, 25, 18, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertTrustScore(context.Background(), model.TrustScore{
		Source:    "google_places",
		FieldName: "phone",
		Score:     0.72,
		Total:     25,
		Correct:   18,
		UpdatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SeedTrustScore(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(source_name, field_name\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "npi_registry", "status", 0.95, 0, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := s.SeedTrustScore(context.Background(), model.TrustScore{
		Source:    "npi_registry",
		FieldName: "status",
		Score:     0.95,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SeedTrustScore_Existing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(source_name, field_name\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "npi_registry", "status", 0.95, 0, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := s.SeedTrustScore(context.Background(), model.TrustScore{
		Source:    "npi_registry",
		FieldName: "status",
		Score:     0.95,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateFeedback(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO feedback`).
		WithArgs(pgxmock.AnyArg(), "val-1", false, "555-0142", "reviewer@example.com", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	fb, err := s.CreateFeedback(context.Background(), model.Feedback{
		ValidationID:   "val-1",
		IsCorrect:      false,
		CorrectedValue: "555-0142",
		SubmittedBy:    "reviewer@example.com",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fb.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateProvider_DuplicateNPI(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO providers`).
		WithArgs(pgxmock.AnyArg(), "1234567890", "Jordan", "Avery", "Cardiology", "CA", "", "", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateProvider(context.Background(), model.Provider{
		NPI:       "1234567890",
		FirstName: "Jordan",
		LastName:  "Avery",
		Specialty: "Cardiology",
		State:     "CA",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProvider_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, npi, first_name, last_name, specialty, state, address, phone, created_at FROM providers WHERE id = \$1`).
		WithArgs("prov-missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetProvider(context.Background(), "prov-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
