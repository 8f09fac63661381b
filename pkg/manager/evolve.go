package manager

import (
	"context"
	"math"
	"time"
)

// EdgePruneThreshold (ε) below which evolve() removes an edge as no longer
// meaningful (spec.md §4.D step iii).
const EdgePruneThreshold = 0.01

// EvolveResult summarizes one Evolve() pass.
type EvolveResult struct {
	MemoriesDecayed int
	EdgesPruned     int
	NodesPurged     int
}

// Evolve runs the Memory Manager's background maintenance pass (spec.md
// §4.D): importance decay by elapsed half-life since last_accessed, pruning
// of edges below EdgePruneThreshold, and physical removal of tombstoned
// nodes past gracePeriod. It does not recompute semantic edges for memories
// whose content or embedding changed: auto-linking runs only inside
// CreateMemory, and UpdateMemory keeps the stored embedding.
func (m *Manager) Evolve(ctx context.Context, gracePeriod time.Duration) (EvolveResult, error) {
	now := time.Now().Unix()
	var res EvolveResult

	nodes, err := m.store.ListNodes(ctx, false)
	if err != nil {
		return res, err
	}
	for _, n := range nodes {
		importance := asFloat(n.Properties["importance"])
		lastAccessed := asInt64(n.Properties["last_accessed"])
		if lastAccessed == 0 {
			lastAccessed = n.CreatedAt
		}
		elapsed := time.Duration(now-lastAccessed) * time.Second
		if elapsed <= 0 {
			continue
		}
		decayed := decayImportance(importance, elapsed, m.cfg.Learning.HalfLife)
		if decayed == importance {
			continue
		}
		n.Properties["importance"] = decayed
		if err := m.store.UpdateNodeProperties(ctx, n.ID, func(props map[string]any) error {
			props["importance"] = decayed
			return nil
		}, now); err != nil {
			return res, err
		}
		res.MemoriesDecayed++
	}

	edges, err := m.store.ListEdges(ctx, "")
	if err != nil {
		return res, err
	}
	for _, e := range edges {
		if e.Weight < EdgePruneThreshold {
			if err := m.store.DeleteEdge(ctx, e.ID); err != nil {
				return res, err
			}
			res.EdgesPruned++
		}
	}

	before := now - int64(gracePeriod.Seconds())
	purged, err := m.store.PurgeDeleted(ctx, before)
	if err != nil {
		return res, err
	}
	res.NodesPurged = purged

	return res, nil
}

// decayImportance applies spec.md §4.D's exponential decay formula:
// importance * exp(-λ * Δt), where λ = ln(2) / halfLife.
func decayImportance(importance float64, elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return importance
	}
	lambda := math.Ln2 / halfLife.Seconds()
	return importance * math.Exp(-lambda*elapsed.Seconds())
}
