package retriever

import (
	"context"
	"math"
	"sort"

	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/pool"
)

// pprResult is the converged rank vector plus how many iterations it took,
// surfaced for debug logging.
type pprResult struct {
	rank       map[string]float64
	iterations int
}

// personalizedPageRank implements spec.md §4.E step 2: teleport mass
// concentrated on the seed set proportional to seed similarity, iterating
// r ← α·Pᵀ·r + (1-α)·v until the L1 delta drops below tolerance or maxIter
// is reached. Dangling nodes (no outgoing edges within edgeTypes) leak
// their mass back through the teleport vector, keeping the rank vector
// summing to 1 at every step.
func personalizedPageRank(ctx context.Context, s store.Store, seeds []store.ScoredVector, edgeTypes []string, damping float64, maxIter int) (pprResult, error) {
	nodes, err := s.ListNodes(ctx, false)
	if err != nil {
		return pprResult{}, err
	}
	if len(nodes) == 0 || len(seeds) == 0 {
		return pprResult{rank: map[string]float64{}}, nil
	}

	index := make(map[string]int, len(nodes))
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
		ids[i] = n.ID
	}

	edges, err := s.ListEdges(ctx, "")
	if err != nil {
		return pprResult{}, err
	}

	// out[i] holds (targetIndex, weight) pairs; outSum[i] is the row's total
	// weight, used to row-normalize into a stochastic transition.
	out := make([][]weightedEdge, len(nodes))
	outSum := make([]float64, len(nodes))
	allowed := toSet(edgeTypes)
	for _, e := range edges {
		if len(allowed) > 0 && !allowed[e.EdgeType] {
			continue
		}
		fi, ok1 := index[e.From]
		ti, ok2 := index[e.To]
		if !ok1 || !ok2 || fi == ti {
			continue
		}
		out[fi] = append(out[fi], weightedEdge{to: ti, weight: e.Weight})
		outSum[fi] += e.Weight
	}

	v := pool.GetFloatSlice()
	defer pool.PutFloatSlice(v)
	for i := 0; i < len(nodes); i++ {
		v = append(v, 0)
	}
	var simSum float64
	for _, sd := range seeds {
		simSum += sd.Sim
	}
	if simSum <= 0 {
		// Degenerate case (all-zero similarities): fall back to a uniform
		// teleport over the seed set rather than dividing by zero.
		for _, sd := range seeds {
			if i, ok := index[sd.ID]; ok {
				v[i] = 1.0 / float64(len(seeds))
			}
		}
	} else {
		for _, sd := range seeds {
			if i, ok := index[sd.ID]; ok {
				v[i] += sd.Sim / simSum
			}
		}
	}

	r := pool.GetFloatSlice()
	defer pool.PutFloatSlice(r)
	r = append(r, v...)

	next := make([]float64, len(nodes))
	iterations := 0
	for ; iterations < maxIter; iterations++ {
		for i := range next {
			next[i] = 0
		}
		var leaked float64
		for i, rowEdges := range out {
			ri := r[i]
			if ri == 0 {
				continue
			}
			if outSum[i] == 0 {
				leaked += ri
				continue
			}
			for _, we := range rowEdges {
				next[we.to] += ri * (we.weight / outSum[i])
			}
		}
		var l1 float64
		for i := range next {
			val := damping*next[i] + damping*leaked*v[i] + (1-damping)*v[i]
			l1 += math.Abs(val - r[i])
			next[i] = val
		}
		copy(r, next)
		if l1 < 1e-6 {
			iterations++
			break
		}
	}

	rank := make(map[string]float64, len(nodes))
	for i, id := range ids {
		rank[id] = r[i]
	}
	return pprResult{rank: rank, iterations: iterations}, nil
}

type weightedEdge struct {
	to     int
	weight float64
}

func toSet(ss []string) map[string]bool {
	if len(ss) == 0 {
		return nil
	}
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// quantileFloor returns the largest rank value r such that at least
// (1-q) of ranks are >= r — i.e. the threshold for the top (1-q) quantile,
// used by neighborhood expansion (spec.md §4.E step 3, "r ≥ quantile_q").
func quantileFloor(rank map[string]float64, q float64) float64 {
	if len(rank) == 0 {
		return 0
	}
	vals := make([]float64, 0, len(rank))
	for _, v := range rank {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	idx := int(q * float64(len(vals)))
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}
