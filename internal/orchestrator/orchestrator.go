// Package orchestrator owns the job and per-provider validation state
// machines: it fans work out to the agent gateway, aggregates results, and
// publishes progress through the notification hub.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhealth/provider-validation/internal/model"
	"github.com/meridianhealth/provider-validation/internal/notify"
	"github.com/meridianhealth/provider-validation/internal/resilience"
	"github.com/meridianhealth/provider-validation/internal/store"
	"github.com/meridianhealth/provider-validation/internal/trust"
	"github.com/meridianhealth/provider-validation/pkg/agent"
)

// Stage labels recorded on validation rows.
const (
	StageQueued = "queued"
	StageLookup = "provider_lookup"
	StageAgent  = "agent_validation"
)

// DefaultRecentJobsLimit bounds GetRecentJobs when the caller passes no limit.
const DefaultRecentJobsLimit = 10

// Config tunes job processing.
type Config struct {
	// ProviderConcurrency bounds parallel provider processing within one
	// job. 1 processes providers sequentially.
	ProviderConcurrency int

	// AgentTimeout bounds each agent gateway call.
	AgentTimeout time.Duration

	// Retry controls retries of transient agent failures.
	Retry resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.ProviderConcurrency <= 0 {
		c.ProviderConcurrency = 1
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 60 * time.Second
	}
	return c
}

// Orchestrator coordinates validation jobs. Job counters are mutated only
// through the store's atomic increment, so concurrent provider completions
// within a job cannot lose updates.
type Orchestrator struct {
	cfg     Config
	store   store.Store
	agent   agent.Client
	trust   *trust.Engine
	hub     *notify.Hub
	breaker *resilience.CircuitBreaker

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an orchestrator. Background job processing outlives the
// triggering request; Close cancels it.
func New(cfg Config, st store.Store, agentClient agent.Client, trustEngine *trust.Engine, hub *notify.Hub) *Orchestrator {
	baseCtx, stopAll := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		store:   st,
		agent:   agentClient,
		trust:   trustEngine,
		hub:     hub,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}),
		baseCtx: baseCtx,
		stopAll: stopAll,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Close cancels every running job and waits for processing to stop.
func (o *Orchestrator) Close() {
	o.stopAll()
	o.wg.Wait()
}

// TriggerValidation creates a job over the given provider identifiers,
// schedules background processing, and returns the job snapshot without
// waiting for any provider's validation. Provider existence is checked
// lazily during processing: a missing provider fails only its own
// validation.
func (o *Orchestrator) TriggerValidation(ctx context.Context, providerIDs []string) (*model.Job, error) {
	ids := dedupe(providerIDs)
	if len(ids) == 0 {
		return nil, eris.Wrap(model.ErrValidationFault, "orchestrator: empty provider set")
	}

	now := time.Now().UTC()
	job := model.Job{
		ID:             newJobID(),
		Status:         model.JobStatusQueued,
		TotalProviders: len(ids),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "orchestrator: create job")
	}

	zap.L().Info("orchestrator: job created",
		zap.String("job_id", job.ID),
		zap.Int("providers", len(ids)),
	)
	o.hub.PublishJob(job.ID, notify.JobCreated(job.ID))

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, job.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.process(jobCtx, job.ID, ids)
	}()

	return &job, nil
}

// GetJobStatus returns the job snapshot, or ErrNotFound.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*model.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// GetRecentJobs returns up to limit jobs, most recently created first.
func (o *Orchestrator) GetRecentJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = DefaultRecentJobsLimit
	}
	return o.store.ListRecentJobs(ctx, limit)
}

// ValidationHistory returns the append-only stage trail for a job, optionally
// narrowed to one provider, ordered by creation time.
func (o *Orchestrator) ValidationHistory(ctx context.Context, jobID, providerID string) ([]model.Validation, error) {
	return o.store.ListValidations(ctx, jobID, providerID)
}

// CancelJob moves a QUEUED or RUNNING job to CANCELLED and stops dispatching
// further providers. Fails with ErrConflict if the job is already terminal.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	if err := o.store.CompleteJob(ctx, jobID, model.JobStatusCancelled, time.Now().UTC()); err != nil {
		return eris.Wrap(err, "orchestrator: cancel job")
	}

	o.mu.Lock()
	cancel := o.cancels[jobID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	zap.L().Info("orchestrator: job cancelled", zap.String("job_id", jobID))
	o.hub.PublishJob(jobID, notify.JobStatusChanged(jobID, model.JobStatusCancelled))
	return nil
}

// RelayStageEvent appends a raw per-stage progress update from the agent to
// the validation trail and forwards it verbatim to job subscribers.
func (o *Orchestrator) RelayStageEvent(ctx context.Context, ev model.StageEvent) error {
	status := model.ValidationStatus(ev.Status)
	switch status {
	case model.ValidationStatusPending, model.ValidationStatusLoading,
		model.ValidationStatusRunning, model.ValidationStatusCompleted,
		model.ValidationStatusFailed:
	default:
		status = model.ValidationStatusRunning
	}

	if _, err := o.store.AppendValidation(ctx, model.Validation{
		JobID:      ev.JobID,
		ProviderID: ev.ProviderID,
		Stage:      ev.Stage,
		Status:     status,
		Result:     ev.Data,
	}); err != nil {
		return eris.Wrap(err, "orchestrator: record stage event")
	}

	o.hub.PublishJob(ev.JobID, notify.ValidationProgress(ev))
	return nil
}

// process runs one job to a terminal state. Per-provider failures are
// contained; only orchestration-level faults fail the job itself.
func (o *Orchestrator) process(ctx context.Context, jobID string, providerIDs []string) {
	log := zap.L().With(zap.String("job_id", jobID))
	log.Info("orchestrator: processing started")

	if err := o.store.UpdateJobStatus(ctx, jobID, model.JobStatusRunning); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// Cancelled before processing began.
			log.Info("orchestrator: job terminal before start")
			return
		}
		o.failJob(jobID, log, err)
		return
	}
	o.hub.PublishJob(jobID, notify.JobStatusChanged(jobID, model.JobStatusRunning))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ProviderConcurrency)
	for _, providerID := range providerIDs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			o.processProvider(gctx, jobID, providerID)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// CancelJob already moved the job terminal and notified.
		log.Info("orchestrator: processing stopped by cancellation")
		return
	}

	if err := o.store.CompleteJob(ctx, jobID, model.JobStatusCompleted, time.Now().UTC()); err != nil {
		if errors.Is(err, model.ErrConflict) {
			log.Info("orchestrator: job already terminal at completion")
			return
		}
		o.failJob(jobID, log, err)
		return
	}

	log.Info("orchestrator: job completed")
	o.hub.PublishJob(jobID, notify.JobCompleted(jobID, model.JobStatusCompleted))
}

// failJob marks a job FAILED after an orchestration-level fault so it is
// never left silently stuck in RUNNING.
func (o *Orchestrator) failJob(jobID string, log *zap.Logger, cause error) {
	log.Error("orchestrator: job processing fault", zap.Error(cause))

	// The job context may already be dead; use a short independent deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.CompleteJob(ctx, jobID, model.JobStatusFailed, time.Now().UTC()); err != nil {
		log.Error("orchestrator: failed to mark job FAILED", zap.Error(err))
		return
	}
	o.hub.PublishJob(jobID, notify.JobStatusChanged(jobID, model.JobStatusFailed))
}

// processProvider drives one provider through its validation stages and
// always leaves exactly one terminal validation row. Every attempt, success
// or failure, advances the job's completed counter.
func (o *Orchestrator) processProvider(ctx context.Context, jobID, providerID string) {
	log := zap.L().With(zap.String("job_id", jobID), zap.String("provider_id", providerID))

	o.appendStage(ctx, log, jobID, providerID, StageQueued, model.ValidationStatusPending, nil, nil)
	o.appendStage(ctx, log, jobID, providerID, StageLookup, model.ValidationStatusLoading, nil, nil)

	provider, err := o.store.GetProvider(ctx, providerID)
	if err != nil {
		log.Warn("orchestrator: provider lookup failed", zap.Error(err))
		o.appendStage(ctx, log, jobID, providerID, StageLookup, model.ValidationStatusFailed,
			map[string]any{"error": err.Error()}, nil)
		o.advanceProgress(ctx, log, jobID)
		return
	}

	o.appendStage(ctx, log, jobID, providerID, StageAgent, model.ValidationStatusRunning, nil, nil)

	req := agent.ValidationRequest{
		JobID:      jobID,
		ProviderID: providerID,
		NPI:        provider.NPI,
		Name:       provider.FullName(),
		Specialty:  provider.Specialty,
		State:      provider.State,
	}

	result, err := o.callAgent(ctx, req)
	if err != nil {
		log.Warn("orchestrator: agent validation failed", zap.Error(err))
		o.appendStage(ctx, log, jobID, providerID, StageAgent, model.ValidationStatusFailed,
			map[string]any{"error": eris.Wrap(model.ErrRemoteFailure, err.Error()).Error()}, nil)
		o.advanceProgress(ctx, log, jobID)
		return
	}

	confidence := o.trust.Confidence(ctx, sourceRefs(result.Sources))
	payload := map[string]any{
		"status": result.Status,
	}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if len(result.Findings) > 0 {
		payload["findings"] = result.Findings
	}

	o.appendStage(ctx, log, jobID, providerID, StageAgent, model.ValidationStatusCompleted, payload, &confidence)
	o.advanceProgress(ctx, log, jobID)
}

// callAgent runs one gateway call under the per-call timeout, the circuit
// breaker, and transient-error retry.
func (o *Orchestrator) callAgent(ctx context.Context, req agent.ValidationRequest) (*agent.ValidationResult, error) {
	return resilience.DoVal(ctx, o.cfg.Retry, func(ctx context.Context) (*agent.ValidationResult, error) {
		return resilience.ExecuteVal(ctx, o.breaker, func(ctx context.Context) (*agent.ValidationResult, error) {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
			defer cancel()
			return o.agent.Validate(callCtx, req)
		})
	})
}

func (o *Orchestrator) appendStage(ctx context.Context, log *zap.Logger, jobID, providerID, stage string, status model.ValidationStatus, result map[string]any, confidence *float64) {
	if _, err := o.store.AppendValidation(ctx, model.Validation{
		JobID:      jobID,
		ProviderID: providerID,
		Stage:      stage,
		Status:     status,
		Result:     result,
		Confidence: confidence,
	}); err != nil {
		log.Warn("orchestrator: failed to append validation row",
			zap.String("stage", stage),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// advanceProgress atomically bumps the job counter and notifies subscribers
// with the post-increment counts.
func (o *Orchestrator) advanceProgress(ctx context.Context, log *zap.Logger, jobID string) {
	completed, total, err := o.store.IncrementJobCompleted(ctx, jobID)
	if err != nil {
		log.Warn("orchestrator: failed to increment progress", zap.Error(err))
		return
	}
	o.hub.PublishJob(jobID, notify.JobProgress(jobID, completed, total))
}

func sourceRefs(fields []agent.SourceField) []trust.SourceRef {
	refs := make([]trust.SourceRef, 0, len(fields))
	for _, f := range fields {
		refs = append(refs, trust.SourceRef{Source: f.Source, Field: f.Field})
	}
	return refs
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func newJobID() string {
	return fmt.Sprintf("job-%s", uuid.New().String()[:8])
}
