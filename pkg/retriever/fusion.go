package retriever

import (
	"sort"

	"github.com/kittclouds/memengine/pkg/model"
)

// rrfK is RankFusion's reciprocal-rank-fusion constant (spec.md §4.E step 4,
// "RRF with k=60").
const rrfK = 60

// fuse combines per-memory seed similarity and PPR rank into a single
// score according to method, then returns candidates sorted by spec.md
// §4.E's ordering rule: fused score desc, importance desc, updated_at
// desc, id asc.
func fuse(method model.FusionMethod, sim, ppr, importance map[string]float64, updatedAt map[string]int64, ids []string) []Result {
	scores := make(map[string]float64, len(ids))
	switch method {
	case model.FusionRankFusion:
		simRank := rankOf(sim, ids)
		pprRank := rankOf(ppr, ids)
		for _, id := range ids {
			scores[id] = 1.0/float64(rrfK+simRank[id]) + 1.0/float64(rrfK+pprRank[id])
		}
	case model.FusionMaxPooling:
		for _, id := range ids {
			s, p := sim[id], ppr[id]
			if p > s {
				scores[id] = p
			} else {
				scores[id] = s
			}
		}
	default: // LinearWeighted
		for _, id := range ids {
			scores[id] = 0.5*sim[id] + 0.5*ppr[id]
		}
	}

	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		out = append(out, Result{MemoryID: id, Score: scores[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ia, ib := importance[a.MemoryID], importance[b.MemoryID]
		if ia != ib {
			return ia > ib
		}
		ua, ub := updatedAt[a.MemoryID], updatedAt[b.MemoryID]
		if ua != ub {
			return ua > ub
		}
		return a.MemoryID < b.MemoryID
	})
	return out
}

func rankOf(scores map[string]float64, ids []string) map[string]int {
	sorted := append([]string(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return scores[sorted[i]] > scores[sorted[j]] })
	rank := make(map[string]int, len(ids))
	for i, id := range sorted {
		rank[id] = i + 1
	}
	return rank
}
