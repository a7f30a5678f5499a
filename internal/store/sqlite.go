package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/meridianhealth/provider-validation/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local and
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Serialize writers; SQLite allows only one anyway and a single
	// connection avoids SQLITE_BUSY under concurrent job processing.
	// Capping the pool first also pins the connection pragmas below
	// (foreign_keys is per-connection) to the one connection in use.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS validation_jobs (
	id                  TEXT PRIMARY KEY,
	status              TEXT NOT NULL DEFAULT 'QUEUED',
	total_providers     INTEGER NOT NULL,
	completed_providers INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL,
	completed_at        TIMESTAMP
);

CREATE TABLE IF NOT EXISTS validations (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	job_id      TEXT NOT NULL REFERENCES validation_jobs(id) ON DELETE CASCADE,
	provider_id TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	result      TEXT,
	confidence  REAL,
	created_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_scores (
	id                  TEXT PRIMARY KEY,
	source_name         TEXT NOT NULL,
	field_name          TEXT NOT NULL DEFAULT '',
	score               REAL NOT NULL,
	total_validations   INTEGER NOT NULL DEFAULT 0,
	correct_validations INTEGER NOT NULL DEFAULT 0,
	updated_at          TIMESTAMP NOT NULL,
	UNIQUE (source_name, field_name)
);

CREATE TABLE IF NOT EXISTS feedback (
	id              TEXT PRIMARY KEY,
	validation_id   TEXT NOT NULL REFERENCES validations(id),
	is_correct      INTEGER NOT NULL,
	corrected_value TEXT,
	submitted_by    TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS providers (
	id         TEXT PRIMARY KEY,
	npi        TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	specialty  TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL DEFAULT '',
	phone      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_validation_jobs_status ON validation_jobs(status);
CREATE INDEX IF NOT EXISTS idx_validation_jobs_created_at ON validation_jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_validations_job_provider ON validations(job_id, provider_id, created_at);
CREATE INDEX IF NOT EXISTS idx_feedback_validation_id ON feedback(validation_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validation_jobs (id, status, total_providers, completed_providers, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.TotalProviders, job.CompletedProviders, job.CreatedAt, job.UpdatedAt,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(model.ErrConflict, "sqlite: job %s already exists", job.ID)
	}
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs WHERE id = ?`,
		jobID,
	)
	j, err := scanJobRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) ListRecentJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recent jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJobRow(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_jobs SET status = ?, updated_at = ? WHERE id = ? AND `+notTerminal,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.guardedUpdateMiss(ctx, jobID)
	}
	return nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, status model.JobStatus, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE validation_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND `+notTerminal,
		string(status), completedAt, completedAt, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.guardedUpdateMiss(ctx, jobID)
	}
	return nil
}

// guardedUpdateMiss classifies a zero-row guarded status update: the job is
// either absent (NotFound) or already terminal (Conflict).
func (s *SQLiteStore) guardedUpdateMiss(ctx context.Context, jobID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM validation_jobs WHERE id = ?`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "sqlite: job %s", jobID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check job %s", jobID)
	}
	return eris.Wrapf(model.ErrConflict, "sqlite: job %s already terminal", jobID)
}

func (s *SQLiteStore) IncrementJobCompleted(ctx context.Context, jobID string) (int, int, error) {
	var completed, total int
	err := s.db.QueryRowContext(ctx,
		`UPDATE validation_jobs SET completed_providers = completed_providers + 1, updated_at = ? WHERE id = ? RETURNING completed_providers, total_providers`,
		time.Now().UTC(), jobID,
	).Scan(&completed, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, eris.Wrapf(model.ErrNotFound, "sqlite: job %s", jobID)
	}
	if err != nil {
		return 0, 0, eris.Wrapf(err, "sqlite: increment job %s", jobID)
	}
	return completed, total, nil
}

func (s *SQLiteStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs WHERE status = 'RUNNING' AND updated_at < ? ORDER BY updated_at`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJobRow(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stale job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate stale jobs")
}

func (s *SQLiteStore) AppendValidation(ctx context.Context, v model.Validation) (*model.Validation, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	var resultJSON any
	if v.Result != nil {
		b, err := json.Marshal(v.Result)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal validation result")
		}
		resultJSON = string(b)
	}

	var confidence any
	if v.Confidence != nil {
		confidence = *v.Confidence
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validations (id, job_id, provider_id, stage, status, result, confidence, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.JobID, v.ProviderID, v.Stage, string(v.Status), resultJSON, confidence, v.CreatedAt,
	)
	if isSQLiteForeignKey(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: job %s", v.JobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: append validation for job %s provider %s", v.JobID, v.ProviderID)
	}
	return &v, nil
}

func (s *SQLiteStore) ListValidations(ctx context.Context, jobID, providerID string) ([]model.Validation, error) {
	query := `SELECT id, job_id, provider_id, stage, status, result, confidence, created_at FROM validations WHERE job_id = ?`
	args := []any{jobID}
	if providerID != "" {
		query += ` AND provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list validations for job %s", jobID)
	}
	defer rows.Close()

	var vals []model.Validation
	for rows.Next() {
		var v model.Validation
		var resultJSON sql.NullString
		var confidence sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.JobID, &v.ProviderID, &v.Stage, &v.Status, &resultJSON, &confidence, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan validation")
		}
		if resultJSON.Valid && resultJSON.String != "" {
			if err := json.Unmarshal([]byte(resultJSON.String), &v.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal validation result")
			}
		}
		if confidence.Valid {
			c := confidence.Float64
			v.Confidence = &c
		}
		vals = append(vals, v)
	}
	return vals, eris.Wrap(rows.Err(), "sqlite: iterate validations")
}

func (s *SQLiteStore) GetTrustScore(ctx context.Context, source, field string) (*model.TrustScore, error) {
	var ts model.TrustScore
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_name, field_name, score, total_validations, correct_validations, updated_at FROM trust_scores WHERE source_name = ? AND field_name = ?`,
		source, field,
	).Scan(&ts.ID, &ts.Source, &ts.FieldName, &ts.Score, &ts.Total, &ts.Correct, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get trust score %s/%s", source, field)
	}
	return &ts, nil
}

func (s *SQLiteStore) ListTrustScores(ctx context.Context) ([]model.TrustScore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_name, field_name, score, total_validations, correct_validations, updated_at FROM trust_scores ORDER BY source_name, field_name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list trust scores")
	}
	defer rows.Close()

	var scores []model.TrustScore
	for rows.Next() {
		var ts model.TrustScore
		if err := rows.Scan(&ts.ID, &ts.Source, &ts.FieldName, &ts.Score, &ts.Total, &ts.Correct, &ts.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trust score")
		}
		scores = append(scores, ts)
	}
	return scores, eris.Wrap(rows.Err(), "sqlite: iterate trust scores")
}

func (s *SQLiteStore) UpsertTrustScore(ctx context.Context, ts model.TrustScore) error {
	if ts.ID == "" {
		ts.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_scores (id, source_name, field_name, score, total_validations, correct_validations, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_name, field_name) DO UPDATE
		 SET score = excluded.score, total_validations = excluded.total_validations, correct_validations = excluded.correct_validations, updated_at = excluded.updated_at`,
		ts.ID, ts.Source, ts.FieldName, ts.Score, ts.Total, ts.Correct, ts.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert trust score %s/%s", ts.Source, ts.FieldName)
}

func (s *SQLiteStore) SeedTrustScore(ctx context.Context, ts model.TrustScore) (bool, error) {
	if ts.ID == "" {
		ts.ID = uuid.New().String()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_scores (id, source_name, field_name, score, total_validations, correct_validations, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_name, field_name) DO NOTHING`,
		ts.ID, ts.Source, ts.FieldName, ts.Score, ts.Total, ts.Correct, ts.UpdatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: seed trust score %s/%s", ts.Source, ts.FieldName)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CreateFeedback(ctx context.Context, fb model.Feedback) (*model.Feedback, error) {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, validation_id, is_correct, corrected_value, submitted_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.ValidationID, fb.IsCorrect, fb.CorrectedValue, fb.SubmittedBy, fb.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert feedback for validation %s", fb.ValidationID)
	}
	return &fb, nil
}

func (s *SQLiteStore) CreateProvider(ctx context.Context, p model.Provider) (*model.Provider, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, npi, first_name, last_name, specialty, state, address, phone, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.NPI, p.FirstName, p.LastName, p.Specialty, p.State, p.Address, p.Phone, p.CreatedAt,
	)
	if isSQLiteUnique(err) {
		return nil, eris.Wrapf(model.ErrConflict, "sqlite: provider with NPI %s already exists", p.NPI)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert provider")
	}
	return &p, nil
}

func (s *SQLiteStore) ImportProviders(ctx context.Context, ps []model.Provider) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO providers (id, npi, first_name, last_name, specialty, state, address, phone, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import: prepare")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var n int64
	for _, p := range ps {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := stmt.ExecContext(ctx, id, p.NPI, p.FirstName, p.LastName, p.Specialty, p.State, p.Address, p.Phone, now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import: insert NPI %s", p.NPI)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import: commit")
	}
	return n, nil
}

func (s *SQLiteStore) GetProvider(ctx context.Context, providerID string) (*model.Provider, error) {
	var p model.Provider
	err := s.db.QueryRowContext(ctx,
		`SELECT id, npi, first_name, last_name, specialty, state, address, phone, created_at FROM providers WHERE id = ?`,
		providerID,
	).Scan(&p.ID, &p.NPI, &p.FirstName, &p.LastName, &p.Specialty, &p.State, &p.Address, &p.Phone, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: provider %s", providerID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %s", providerID)
	}
	return &p, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context, limit, offset int) ([]model.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, npi, first_name, last_name, specialty, state, address, phone, created_at FROM providers ORDER BY created_at LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list providers")
	}
	defer rows.Close()

	var ps []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.NPI, &p.FirstName, &p.LastName, &p.Specialty, &p.State, &p.Address, &p.Phone, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider")
		}
		ps = append(ps, p)
	}
	return ps, eris.Wrap(rows.Err(), "sqlite: iterate providers")
}

func scanJobRow(scan func(dest ...any) error) (*model.Job, error) {
	var j model.Job
	var completedAt sql.NullTime
	if err := scan(&j.ID, &j.Status, &j.TotalProviders, &j.CompletedProviders, &j.CreatedAt, &j.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteForeignKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
