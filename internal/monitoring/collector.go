package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridianhealth/provider-validation/internal/model"
	"github.com/meridianhealth/provider-validation/internal/store"
)

// snapshotJobLimit caps how many recent jobs one collection pass inspects.
const snapshotJobLimit = 1000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobsRunning   int     `json:"jobs_running"`
	JobsQueued    int     `json:"jobs_queued"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// RUNNING jobs with no progress past the staleness threshold.
	StaleJobs []model.Job `json:"stale_jobs,omitempty"`

	// Trust score metrics across all known source/field pairs.
	TrustPairs    int     `json:"trust_pairs"`
	TrustAvgScore float64 `json:"trust_avg_score"`
	TrustMinScore float64 `json:"trust_min_score"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers job and trust metrics from the store.
type Collector struct {
	store      store.Store
	staleAfter time.Duration
}

// NewCollector creates a metrics collector. staleAfter is how long a RUNNING
// job may go without progress before it is reported as stale.
func NewCollector(st store.Store, staleAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Collector{store: st, staleAfter: staleAfter}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListRecentJobs(ctx, snapshotJobLimit)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for _, j := range jobs {
		if lookbackHours > 0 && j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		switch j.Status {
		case model.JobStatusCompleted:
			snap.JobsCompleted++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusCancelled:
			snap.JobsCancelled++
		case model.JobStatusRunning:
			snap.JobsRunning++
		case model.JobStatusQueued:
			snap.JobsQueued++
		}
	}

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	stale, err := c.store.ListStaleRunning(ctx, now.Add(-c.staleAfter))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list stale jobs")
	}
	snap.StaleJobs = stale

	scores, err := c.store.ListTrustScores(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list trust scores")
	}
	snap.TrustPairs = len(scores)
	if len(scores) > 0 {
		var sum float64
		min := scores[0].Score
		for _, s := range scores {
			sum += s.Score
			if s.Score < min {
				min = s.Score
			}
		}
		snap.TrustAvgScore = sum / float64(len(scores))
		snap.TrustMinScore = min
	}

	return snap, nil
}
