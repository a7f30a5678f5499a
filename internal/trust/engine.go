// Package trust maintains per-(source, field) reliability estimates derived
// from human correctness feedback.
package trust

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridianhealth/provider-validation/internal/model"
	"github.com/meridianhealth/provider-validation/internal/store"
)

// PriorScore is returned for any pair with no recorded feedback.
const PriorScore = 0.50

// SourceRef names a (source, field) pair. An empty Field means the whole
// source.
type SourceRef struct {
	Source string `json:"source"`
	Field  string `json:"field,omitempty"`
}

// Engine reads and updates trust scores. Feedback updates for the same pair
// serialize on a per-pair lock so concurrent read-increment-write cycles
// cannot lose counts.
type Engine struct {
	store store.Store

	mu    sync.Mutex
	locks map[SourceRef]*sync.Mutex
}

// NewEngine creates a trust score engine backed by the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{
		store: st,
		locks: make(map[SourceRef]*sync.Mutex),
	}
}

func (e *Engine) pairLock(ref SourceRef) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.locks[ref]
	if l == nil {
		l = &sync.Mutex{}
		e.locks[ref] = l
	}
	return l
}

// GetScore returns the stored score for a pair, or the neutral prior when no
// row exists. It never fails: a store error is logged and degrades to the
// prior.
func (e *Engine) GetScore(ctx context.Context, source, field string) float64 {
	ts, err := e.store.GetTrustScore(ctx, source, field)
	if err != nil {
		zap.L().Warn("trust: score lookup failed, using prior",
			zap.String("source", source),
			zap.String("field", field),
			zap.Error(err),
		)
		return PriorScore
	}
	if ts == nil {
		return PriorScore
	}
	return ts.Score
}

// RecordFeedback folds one correctness signal into the pair's estimate.
// The row is lazily created at the prior on first feedback.
func (e *Engine) RecordFeedback(ctx context.Context, source, field string, isCorrect bool) (*model.TrustScore, error) {
	ref := SourceRef{Source: source, Field: field}
	l := e.pairLock(ref)
	l.Lock()
	defer l.Unlock()

	ts, err := e.store.GetTrustScore(ctx, source, field)
	if err != nil {
		return nil, eris.Wrap(err, "trust: load score")
	}
	if ts == nil {
		ts = &model.TrustScore{
			Source:    source,
			FieldName: field,
			Score:     PriorScore,
		}
	}

	ts.Total++
	if isCorrect {
		ts.Correct++
	}
	ts.Score = RoundScore(float64(ts.Correct) / float64(ts.Total))
	ts.UpdatedAt = time.Now().UTC()

	if err := e.store.UpsertTrustScore(ctx, *ts); err != nil {
		return nil, eris.Wrap(err, "trust: save score")
	}

	zap.L().Info("trust: score updated",
		zap.String("source", source),
		zap.String("field", field),
		zap.Float64("score", ts.Score),
		zap.Int("total", ts.Total),
	)
	return ts, nil
}

// SubmitFeedback persists the feedback row for audit, then applies it to the
// pair's trust score. The feedback record is immutable once written.
func (e *Engine) SubmitFeedback(ctx context.Context, fb model.Feedback, source, field string) (*model.TrustScore, error) {
	if _, err := e.store.CreateFeedback(ctx, fb); err != nil {
		return nil, eris.Wrap(err, "trust: persist feedback")
	}
	return e.RecordFeedback(ctx, source, field, fb.IsCorrect)
}

// ListScores returns every stored trust score.
func (e *Engine) ListScores(ctx context.Context) ([]model.TrustScore, error) {
	return e.store.ListTrustScores(ctx)
}

// Confidence returns the mean trust score over the given pairs, used to
// weight a validation outcome. With no pairs it degrades to the prior.
func (e *Engine) Confidence(ctx context.Context, refs []SourceRef) float64 {
	if len(refs) == 0 {
		return PriorScore
	}
	sum := 0.0
	for _, ref := range refs {
		sum += e.GetScore(ctx, ref.Source, ref.Field)
	}
	c := sum / float64(len(refs))
	return math.Min(1, math.Max(0, c))
}

// RoundScore rounds to 2 decimal places, half-up. The rounding rule is an
// observable contract for score consumers.
func RoundScore(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}
