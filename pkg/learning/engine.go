// Package learning implements the Learning Engine (spec.md §4.F): feedback
// intake and periodic learning cycles that adjust memory importance and
// connection weight from accumulated feedback, plus inactivity decay.
package learning

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/memengine/internal/config"
	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/model"
)

// Engine is the Learning Engine. It holds no state beyond its collaborators;
// the "processed" watermark lives on each feedback row in the Store.
type Engine struct {
	store store.Store
	cfg   *config.Config
	log   zerolog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a structured logger; default is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds a learning Engine.
func New(s store.Store, cfg *config.Config, opts ...Option) *Engine {
	e := &Engine{store: s, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordFeedback persists one feedback record. Each call mints a fresh
// feedback id; idempotency is keyed on (memory_id, session_id, timestamp),
// where timestamp is the current Unix second: a re-submission with the same
// triple is a no-op, matching Store.RecordFeedback's ON CONFLICT DO NOTHING
// on that key.
func (e *Engine) RecordFeedback(ctx context.Context, memoryID string, fbType model.FeedbackType, score float64, fctx model.FeedbackContext) (*model.Feedback, error) {
	now := time.Now().Unix()
	fb, err := model.NewFeedback(memoryID, fbType, score, fctx, now)
	if err != nil {
		return nil, err
	}
	rec := &store.FeedbackRecord{
		ID:        fb.ID,
		MemoryID:  fb.MemoryID,
		Type:      string(fb.Type),
		Score:     fb.Score,
		SessionID: fb.Context.SessionID,
		Context: map[string]any{
			"query":           fb.Context.Query,
			"result_position": fb.Context.ResultPosition,
			"time_of_day":     fb.Context.TimeOfDay,
			"day_of_week":     fb.Context.DayOfWeek,
			"device_type":     fb.Context.DeviceType,
		},
		Timestamp: fb.Timestamp,
	}
	if _, err := e.store.RecordFeedback(ctx, rec); err != nil {
		return nil, err
	}
	return fb, nil
}

// RunLearningCycle processes all unprocessed feedback since the last
// watermark, then applies inactivity decay. The watermark (each row's
// `processed` column) only advances after MarkFeedbackProcessed commits,
// giving at-least-once delivery; the update rules are idempotent under
// that same column, so a retried batch yields effectively-once results.
func (e *Engine) RunLearningCycle(ctx context.Context) ([]model.LearningResult, error) {
	results := make(map[string]*model.LearningResult)

	// Drain the feedback log one batch of BatchSize rows at a time until no
	// unprocessed rows remain.
	for {
		batch, err := e.store.UnprocessedFeedback(ctx, e.cfg.Learning.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		processedIDs := make([]string, 0, len(batch))
		for _, fb := range batch {
			res, err := e.applyFeedback(ctx, fb)
			if err != nil {
				if errs.Is(err, errs.NotFound) {
					// The target memory was deleted/purged after the feedback was
					// recorded; skip it but still mark the feedback processed so
					// it doesn't block the watermark forever.
					processedIDs = append(processedIDs, fb.ID)
					continue
				}
				return nil, err
			}
			if existing, ok := results[res.MemoryID]; ok {
				existing.NewImportance = res.NewImportance
				existing.EdgesTouched += res.EdgesTouched
			} else {
				results[res.MemoryID] = res
			}
			processedIDs = append(processedIDs, fb.ID)
		}

		if err := e.store.MarkFeedbackProcessed(ctx, processedIDs); err != nil {
			return nil, err
		}
	}

	decayResults, err := e.decayInactive(ctx)
	if err != nil {
		return nil, err
	}
	for _, dr := range decayResults {
		dr := dr
		if existing, ok := results[dr.MemoryID]; ok {
			existing.NewImportance = dr.NewImportance
		} else {
			results[dr.MemoryID] = &dr
		}
	}

	out := make([]model.LearningResult, 0, len(results))
	for _, r := range results {
		out = append(out, *r)
	}
	return out, nil
}

// applyFeedback implements the importance update and edge reinforcement
// rules for one feedback record.
func (e *Engine) applyFeedback(ctx context.Context, fb *store.FeedbackRecord) (*model.LearningResult, error) {
	eta := e.cfg.Learning.LearningRate
	w := model.FeedbackType(fb.Type).Weight()

	n, err := e.store.GetNode(ctx, fb.MemoryID)
	if err != nil {
		return nil, err
	}
	oldImportance := toFloat(n.Properties["importance"])
	newImportance := clamp01(oldImportance + eta*fb.Score*w)

	now := time.Now().Unix()
	if err := e.store.UpdateNodeProperties(ctx, fb.MemoryID, func(props map[string]any) error {
		props["importance"] = newImportance
		return nil
	}, now); err != nil {
		return nil, err
	}

	position := int(toInt64(fb.Context["result_position"]))
	edgesTouched, err := e.reinforceEdges(ctx, fb.MemoryID, fb.Score, eta, position, fb)
	if err != nil {
		return nil, err
	}

	return &model.LearningResult{
		MemoryID:      fb.MemoryID,
		OldImportance: oldImportance,
		NewImportance: newImportance,
		EdgesTouched:  edgesTouched,
	}, nil
}

// reinforceEdges strengthens edges between m and every memory co-retrieved
// with it by the feedback's originating query, per spec.md §4.F: weight ←
// clamp(weight + η·s/(1+p), 0, 1) where p is m's position in that result set.
func (e *Engine) reinforceEdges(ctx context.Context, memoryID string, score, eta float64, position int, fb *store.FeedbackRecord) (int, error) {
	query, _ := fb.Context["query"].(string)
	if query == "" {
		return 0, nil
	}
	coRetrieved, err := e.store.RetrievalSet(ctx, model.QueryHash(query), fb.SessionID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			// No retrieval set was recorded for this query and session, so
			// there are no co-retrieved peers to reinforce.
			return 0, nil
		}
		return 0, err
	}
	if len(coRetrieved) == 0 {
		return 0, nil
	}
	peers := make(map[string]bool, len(coRetrieved))
	for _, id := range coRetrieved {
		if id != memoryID {
			peers[id] = true
		}
	}
	if len(peers) == 0 {
		return 0, nil
	}

	edges, err := e.store.Neighbors(ctx, memoryID, nil)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	delta := eta * score / float64(1+position)
	touched := 0
	for _, edge := range edges {
		other := edge.To
		if other == memoryID {
			other = edge.From
		}
		if !peers[other] {
			continue
		}
		newWeight := clamp01(edge.Weight + delta)
		if err := e.store.UpdateEdgeWeight(ctx, edge.ID, newWeight, now); err != nil {
			return touched, err
		}
		touched++
	}
	return touched, nil
}

// decayInactive applies the per-cycle decay rule: importance ← importance ·
// (1 - δ) for every memory not accessed within the configured inactivity
// window.
func (e *Engine) decayInactive(ctx context.Context) ([]model.LearningResult, error) {
	nodes, err := e.store.ListNodes(ctx, false)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	window := int64(e.cfg.Learning.InactivityWindow / time.Second)
	delta := e.cfg.Learning.DecayRate

	var out []model.LearningResult
	for _, n := range nodes {
		lastAccessed := toInt64(n.Properties["last_accessed"])
		if lastAccessed == 0 {
			lastAccessed = n.CreatedAt
		}
		if now-lastAccessed < window {
			continue
		}
		oldImportance := toFloat(n.Properties["importance"])
		newImportance := clamp01(oldImportance * (1 - delta))
		if newImportance == oldImportance {
			continue
		}
		if err := e.store.UpdateNodeProperties(ctx, n.ID, func(props map[string]any) error {
			props["importance"] = newImportance
			return nil
		}, now); err != nil {
			return nil, err
		}
		out = append(out, model.LearningResult{
			MemoryID:      n.ID,
			OldImportance: oldImportance,
			NewImportance: newImportance,
		})
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
