package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/meridianhealth/provider-validation/internal/db"
	"github.com/meridianhealth/provider-validation/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot orchestration path.
var preparedStatements = map[string]string{
	"get_job":        `SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs WHERE id = $1`,
	"increment_job":  `UPDATE validation_jobs SET completed_providers = completed_providers + 1, updated_at = $1 WHERE id = $2 RETURNING completed_providers, total_providers`,
	"append_validation": `INSERT INTO validations (id, job_id, provider_id, stage, status, result, confidence, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"get_trust_score":   `SELECT id, source_name, field_name, score, total_validations, correct_validations, updated_at FROM trust_scores WHERE source_name = $1 AND field_name = $2`,
	"get_provider":      `SELECT id, npi, first_name, last_name, specialty, state, address, phone, created_at FROM providers WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for use by subsystems that need
// direct query access (e.g., bulk provider import).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS validation_jobs (
	id                  TEXT PRIMARY KEY,
	status              TEXT NOT NULL DEFAULT 'QUEUED',
	total_providers     INT NOT NULL,
	completed_providers INT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS validations (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL REFERENCES validation_jobs(id) ON DELETE CASCADE,
	provider_id TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	result      JSONB,
	confidence  NUMERIC(3,2),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trust_scores (
	id                  TEXT PRIMARY KEY,
	source_name         TEXT NOT NULL,
	field_name          TEXT NOT NULL DEFAULT '',
	score               NUMERIC(3,2) NOT NULL,
	total_validations   INT NOT NULL DEFAULT 0,
	correct_validations INT NOT NULL DEFAULT 0,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_name, field_name)
);

CREATE TABLE IF NOT EXISTS feedback (
	id              TEXT PRIMARY KEY,
	validation_id   TEXT NOT NULL REFERENCES validations(id),
	is_correct      BOOLEAN NOT NULL,
	corrected_value TEXT,
	submitted_by    TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_validation_jobs_status ON validation_jobs(status);
CREATE INDEX IF NOT EXISTS idx_validation_jobs_created_at ON validation_jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_validations_job_provider ON validations(job_id, provider_id, created_at);
CREATE INDEX IF NOT EXISTS idx_feedback_validation_id ON feedback(validation_id);
CREATE INDEX IF NOT EXISTS idx_trust_scores_pair ON trust_scores(source_name, field_name);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// terminalStatuses guards every status transition: there is no way out of a
// terminal job state.
const notTerminal = `status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')`

func (s *PostgresStore) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO validation_jobs (id, status, total_providers, completed_providers, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, string(job.Status), job.TotalProviders, job.CompletedProviders, job.CreatedAt, job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(model.ErrConflict, "postgres: job %s already exists", job.ID)
	}
	return eris.Wrap(err, "postgres: insert job")
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var j model.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs WHERE id = $1`,
		jobID,
	).Scan(&j.ID, &j.Status, &j.TotalProviders, &j.CompletedProviders, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return &j, nil
}

func (s *PostgresStore) ListRecentJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recent jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Status, &j.TotalProviders, &j.CompletedProviders, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_jobs SET status = $1, updated_at = $2 WHERE id = $3 AND `+notTerminal,
		string(status), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.guardedUpdateMiss(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, status model.JobStatus, completedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_jobs SET status = $1, completed_at = $2, updated_at = $2 WHERE id = $3 AND `+notTerminal,
		string(status), completedAt, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.guardedUpdateMiss(ctx, jobID)
	}
	return nil
}

// guardedUpdateMiss classifies a zero-row guarded status update: the job is
// either absent (NotFound) or already terminal (Conflict).
func (s *PostgresStore) guardedUpdateMiss(ctx context.Context, jobID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM validation_jobs WHERE id = $1`, jobID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check job %s", jobID)
	}
	return eris.Wrapf(model.ErrConflict, "postgres: job %s already terminal", jobID)
}

func (s *PostgresStore) IncrementJobCompleted(ctx context.Context, jobID string) (int, int, error) {
	var completed, total int
	err := s.pool.QueryRow(ctx,
		`UPDATE validation_jobs SET completed_providers = completed_providers + 1, updated_at = $1 WHERE id = $2 RETURNING completed_providers, total_providers`,
		time.Now().UTC(), jobID,
	).Scan(&completed, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, eris.Wrapf(model.ErrNotFound, "postgres: job %s", jobID)
	}
	if err != nil {
		return 0, 0, eris.Wrapf(err, "postgres: increment job %s", jobID)
	}
	return completed, total, nil
}

func (s *PostgresStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, total_providers, completed_providers, created_at, updated_at, completed_at FROM validation_jobs WHERE status = 'RUNNING' AND updated_at < $1 ORDER BY updated_at`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Status, &j.TotalProviders, &j.CompletedProviders, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stale job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate stale jobs")
}

func (s *PostgresStore) AppendValidation(ctx context.Context, v model.Validation) (*model.Validation, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	var resultJSON []byte
	if v.Result != nil {
		var err error
		resultJSON, err = json.Marshal(v.Result)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal validation result")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO validations (id, job_id, provider_id, stage, status, result, confidence, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.JobID, v.ProviderID, v.Stage, string(v.Status), resultJSON, v.Confidence, v.CreatedAt,
	)
	if isForeignKeyViolation(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: job %s", v.JobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: append validation for job %s provider %s", v.JobID, v.ProviderID)
	}
	return &v, nil
}

func (s *PostgresStore) ListValidations(ctx context.Context, jobID, providerID string) ([]model.Validation, error) {
	query := `SELECT id, job_id, provider_id, stage, status, result, confidence, created_at FROM validations WHERE job_id = $1`
	args := []any{jobID}
	if providerID != "" {
		query += ` AND provider_id = $2`
		args = append(args, providerID)
	}
	query += ` ORDER BY created_at, seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list validations for job %s", jobID)
	}
	defer rows.Close()

	var vals []model.Validation
	for rows.Next() {
		var v model.Validation
		var resultJSON []byte
		if err := rows.Scan(&v.ID, &v.JobID, &v.ProviderID, &v.Stage, &v.Status, &resultJSON, &v.Confidence, &v.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan validation")
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &v.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal validation result")
			}
		}
		vals = append(vals, v)
	}
	return vals, eris.Wrap(rows.Err(), "postgres: iterate validations")
}

func (s *PostgresStore) GetTrustScore(ctx context.Context, source, field string) (*model.TrustScore, error) {
	var ts model.TrustScore
	err := s.pool.QueryRow(ctx,
		`SELECT id, source_name, field_name, score, total_validations, correct_validations, updated_at FROM trust_scores WHERE source_name = $1 AND field_name = $2`,
		source, field,
	).Scan(&ts.ID, &ts.Source, &ts.FieldName, &ts.Score, &ts.Total, &ts.Correct, &ts.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get trust score %s/%s", source, field)
	}
	return &ts, nil
}

func (s *PostgresStore) ListTrustScores(ctx context.Context) ([]model.TrustScore, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_name, field_name, score, total_validations, correct_validations, updated_at FROM trust_scores ORDER BY source_name, field_name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list trust scores")
	}
	defer rows.Close()

	var scores []model.TrustScore
	for rows.Next() {
		var ts model.TrustScore
		if err := rows.Scan(&ts.ID, &ts.Source, &ts.FieldName, &ts.Score, &ts.Total, &ts.Correct, &ts.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trust score")
		}
		scores = append(scores, ts)
	}
	return scores, eris.Wrap(rows.Err(), "postgres: iterate trust scores")
}

func (s *PostgresStore) UpsertTrustScore(ctx context.Context, ts model.TrustScore) error {
	if ts.ID == "" {
		ts.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trust_scores (id, source_name, field_name, score, total_validations, correct_validations, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source_name, field_name) DO UPDATE
		 SET score = EXCLUDED.score, total_validations = EXCLUDED.total_validations, correct_validations = EXCLUDED.correct_validations, updated_at = EXCLUDED.updated_at`,
		ts.ID, ts.Source, ts.FieldName, ts.Score, ts.Total, ts.Correct, ts.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert trust score %s/%s", ts.Source, ts.FieldName)
}

func (s *PostgresStore) SeedTrustScore(ctx context.Context, ts model.TrustScore) (bool, error) {
	if ts.ID == "" {
		ts.ID = uuid.New().String()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO trust_scores (id, source_name, field_name, score, total_validations, correct_validations, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source_name, field_name) DO NOTHING`,
		ts.ID, ts.Source, ts.FieldName, ts.Score, ts.Total, ts.Correct, ts.UpdatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: seed trust score %s/%s", ts.Source, ts.FieldName)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CreateFeedback(ctx context.Context, fb model.Feedback) (*model.Feedback, error) {
	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, validation_id, is_correct, corrected_value, submitted_by, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		fb.ID, fb.ValidationID, fb.IsCorrect, fb.CorrectedValue, fb.SubmittedBy, fb.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert feedback for validation %s", fb.ValidationID)
	}
	return &fb, nil
}

func (s *PostgresStore) CreateProvider(ctx context.Context, p model.Provider) (*model.Provider, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO providers (id, npi, first_name, last_name, specialty, state, address, phone, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.NPI, p.FirstName, p.LastName, p.Specialty, p.State, p.Address, p.Phone, p.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, eris.Wrapf(model.ErrConflict, "postgres: provider with NPI %s already exists", p.NPI)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert provider")
	}
	return &p, nil
}

// ImportProviders bulk-loads a roster via the COPY protocol.
func (s *PostgresStore) ImportProviders(ctx context.Context, ps []model.Provider) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(ps))
	for _, p := range ps {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, p.NPI, p.FirstName, p.LastName, p.Specialty, p.State, p.Address, p.Phone, now})
	}
	n, err := db.CopyFrom(ctx, s.pool, "providers",
		[]string{"id", "npi", "first_name", "last_name", "specialty", "state", "address", "phone", "created_at"},
		rows,
	)
	return n, eris.Wrap(err, "postgres: import providers")
}

func (s *PostgresStore) GetProvider(ctx context.Context, providerID string) (*model.Provider, error) {
	var p model.Provider
	err := s.pool.QueryRow(ctx,
		`SELECT id, npi, first_name, last_name, specialty, state, address, phone, created_at FROM providers WHERE id = $1`,
		providerID,
	).Scan(&p.ID, &p.NPI, &p.FirstName, &p.LastName, &p.Specialty, &p.State, &p.Address, &p.Phone, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: provider %s", providerID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider %s", providerID)
	}
	return &p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context, limit, offset int) ([]model.Provider, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, npi, first_name, last_name, specialty, state, address, phone, created_at FROM providers ORDER BY created_at LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list providers")
	}
	defer rows.Close()

	var ps []model.Provider
	for rows.Next() {
		var p model.Provider
		if err := rows.Scan(&p.ID, &p.NPI, &p.FirstName, &p.LastName, &p.Specialty, &p.State, &p.Address, &p.Phone, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider")
		}
		ps = append(ps, p)
	}
	return ps, eris.Wrap(rows.Err(), "postgres: iterate providers")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
