// Package retriever implements the Retriever (spec.md §4.E): Semantic,
// Temporal, Hybrid, and HippoRAG query handling over the Hybrid Store.
package retriever

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/memengine/internal/config"
	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/embedding"
	"github.com/kittclouds/memengine/pkg/model"
	"github.com/kittclouds/memengine/pkg/pool"
)

// Result is one ranked memory id from a retrieval call.
type Result struct {
	MemoryID string
	Score    float64
}

// Retriever answers Query requests against a Store.
type Retriever struct {
	store    store.Store
	provider embedding.Provider
	cfg      *config.Config
	log      zerolog.Logger
}

// Option configures a Retriever at construction time.
type Option func(*Retriever)

// WithLogger attaches a structured logger; default is zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(r *Retriever) { r.log = l }
}

// New builds a Retriever.
func New(s store.Store, provider embedding.Provider, cfg *config.Config, opts ...Option) *Retriever {
	r := &Retriever{store: s, provider: provider, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query dispatches to the strategy named by q.Type, per spec.md §4.E.
func (r *Retriever) Query(ctx context.Context, q model.Query) ([]Result, error) {
	if err := q.Validate(); err != nil {
		return nil, errs.New(errs.InvariantViolation, "Retriever.Query", err)
	}
	var results []Result
	var err error
	switch q.Type {
	case model.QuerySemantic:
		results, err = r.semantic(ctx, q)
	case model.QueryTemporal:
		results, err = r.temporal(ctx, q)
	case model.QueryHybrid:
		results, err = r.hybrid(ctx, q)
	case model.QueryGraph:
		results, err = r.hippoRAG(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	page := r.paginate(results, q)

	if q.Text != "" && len(page) > 0 {
		ids := make([]string, len(page))
		for i, res := range page {
			ids[i] = res.MemoryID
		}
		if err := r.store.SaveRetrievalSet(ctx, model.QueryHash(q.Text), q.Context.SessionID, ids, time.Now().Unix()); err != nil {
			r.log.Warn().Err(err).Msg("failed to persist retrieval set")
		}
	}
	return page, nil
}

func (r *Retriever) paginate(results []Result, q model.Query) []Result {
	if q.Offset > 0 {
		if q.Offset >= len(results) {
			return nil
		}
		results = results[q.Offset:]
	}
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if r.provider == nil {
		return nil, errs.New(errs.EmbeddingUnavailable, "Retriever.embedQuery", nil)
	}
	v, err := r.provider.Embed(ctx, text)
	if err != nil {
		return nil, errs.New(errs.EmbeddingUnavailable, "Retriever.embedQuery", err)
	}
	return v, nil
}

// vectorFilter restricts QueryVectors to the memory types named in f.Types,
// the one Filters field actually present on the vector row's own metadata.
// Tags, Source, HasTimeRange and MinImportance live on the node, not the
// vector, and are applied afterwards by filterByNodeAttributes.
func (r *Retriever) vectorFilter(f model.Filters) store.VectorFilter {
	if len(f.Types) == 0 {
		return nil
	}
	return func(v *store.VectorRecord) bool {
		mt, _ := v.Metadata["memory_type"].(string)
		for _, t := range f.Types {
			if string(t) == mt {
				return true
			}
		}
		return false
	}
}

// filterByNodeAttributes applies the Filters fields that only the node
// carries (tags, source, time range, importance) via a node lookup -- the
// same join pattern applyConstraints uses for Graph queries.
func (r *Retriever) filterByNodeAttributes(ctx context.Context, results []Result, f model.Filters) ([]Result, error) {
	if len(f.Tags) == 0 && f.Source == "" && !f.HasTimeRange && f.MinImportance == 0 {
		return results, nil
	}
	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.MemoryID
	}
	nodes, err := r.nodeIndex(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(results))
	for _, res := range results {
		n, ok := nodes[res.MemoryID]
		if !ok || !nodeMatchesFilters(n, f) {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func nodeMatchesFilters(n *store.NodeRecord, f model.Filters) bool {
	if len(f.Tags) > 0 && !containsAll(asStringSlice(n.Properties["tags"]), f.Tags) {
		return false
	}
	if f.Source != "" {
		src, _ := n.Properties["source"].(string)
		if src != f.Source {
			return false
		}
	}
	if f.HasTimeRange && (n.CreatedAt < f.TimeRangeFrom || n.CreatedAt > f.TimeRangeTo) {
		return false
	}
	if f.MinImportance > 0 && toFloat(n.Properties["importance"]) < f.MinImportance {
		return false
	}
	return true
}

// semantic implements spec.md §4.E's Semantic query type.
func (r *Retriever) semantic(ctx context.Context, q model.Query) ([]Result, error) {
	qv, err := r.embedQuery(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	k := q.Limit
	if k <= 0 {
		k = r.cfg.Retrieval.MaxResults
	}
	candidates, err := r.store.QueryVectors(ctx, qv, k+q.Offset, q.Threshold, r.vectorFilter(q.Filters))
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{MemoryID: c.ID, Score: c.Sim}
	}
	return r.filterByNodeAttributes(ctx, out, q.Filters)
}

// temporal implements spec.md §4.E's Temporal query type: rank by recency
// score = exp(-(now - created_at)/τ), filtered by time_range.
func (r *Retriever) temporal(ctx context.Context, q model.Query) ([]Result, error) {
	nodes, err := r.store.ListNodes(ctx, false)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	const tau = 24 * 60 * 60 // 1-day recency time constant
	var out []Result
	for _, n := range nodes {
		if q.Filters.HasTimeRange {
			if n.CreatedAt < q.Filters.TimeRangeFrom || n.CreatedAt > q.Filters.TimeRangeTo {
				continue
			}
		}
		score := math.Exp(-float64(now-n.CreatedAt) / tau)
		out = append(out, Result{MemoryID: n.ID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// hybrid implements spec.md §4.E's linear fusion of semantic, temporal and
// importance signals weighted by Query.Weights. The three inputs (a vector
// scan, a node scan for recency, and a node scan for importance) are
// independent store reads, so they run concurrently via errgroup rather
// than sequentially.
func (r *Retriever) hybrid(ctx context.Context, q model.Query) ([]Result, error) {
	var sem, temp []Result
	var nodes []*store.NodeRecord

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sem, err = r.semantic(gctx, model.Query{Text: q.Text, Type: model.QuerySemantic, Filters: q.Filters, Limit: 0})
		return err
	})
	g.Go(func() error {
		var err error
		temp, err = r.temporal(gctx, model.Query{Filters: q.Filters})
		return err
	})
	g.Go(func() error {
		var err error
		nodes, err = r.store.ListNodes(gctx, false)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	semScore := toScoreMap(sem)
	tempScore := toScoreMap(temp)
	importance := map[string]float64{}
	updatedAt := map[string]int64{}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if !nodeMatchesFilters(n, q.Filters) {
			continue
		}
		imp := 0.0
		if v, ok := n.Properties["importance"]; ok {
			imp = toFloat(v)
		}
		importance[n.ID] = imp
		updatedAt[n.ID] = n.UpdatedAt
		ids = append(ids, n.ID)
	}

	w := q.Weights
	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		score := w.Semantic*semScore[id] + w.Temporal*tempScore[id] + w.Importance*importance[id]
		out = append(out, Result{MemoryID: id, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if importance[out[i].MemoryID] != importance[out[j].MemoryID] {
			return importance[out[i].MemoryID] > importance[out[j].MemoryID]
		}
		if updatedAt[out[i].MemoryID] != updatedAt[out[j].MemoryID] {
			return updatedAt[out[i].MemoryID] > updatedAt[out[j].MemoryID]
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	return out, nil
}

func toScoreMap(rs []Result) map[string]float64 {
	m := make(map[string]float64, len(rs))
	for _, r := range rs {
		m[r.MemoryID] = r.Score
	}
	return m
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

// hippoRAG implements spec.md §4.E's HippoRAG retrieval: seed selection,
// personalized PageRank, optional neighborhood expansion, fusion, then
// RetrievalConstraints filtering. Empty graph or no seeds yields an empty
// result, not an error.
func (r *Retriever) hippoRAG(ctx context.Context, q model.Query) ([]Result, error) {
	qv, err := r.embedQuery(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	seedCount := r.cfg.Retrieval.SeedCount
	switch q.Context.Priority {
	case model.PriorityHigh:
		seedCount *= 2
	case model.PriorityLow:
		seedCount /= 2
	}
	if seedCount <= 0 {
		seedCount = 1
	}

	seeds, err := r.store.QueryVectors(ctx, qv, seedCount, 0, nil)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	damping := r.cfg.Retrieval.Damping
	maxIter := r.cfg.Retrieval.PPRMaxIter
	ppr, err := personalizedPageRank(ctx, r.store, seeds, nil, damping, maxIter)
	if err != nil {
		return nil, err
	}
	r.log.Debug().Int("iterations", ppr.iterations).Int("seeds", len(seeds)).Msg("ppr converged")

	candidateIDs := pool.GetStringSlice()
	defer pool.PutStringSlice(candidateIDs)
	seen := map[string]bool{}
	for _, s := range seeds {
		if !seen[s.ID] {
			seen[s.ID] = true
			candidateIDs = append(candidateIDs, s.ID)
		}
	}
	if q.ExpandNbh {
		floor := quantileFloor(ppr.rank, r.cfg.Retrieval.ExpansionQuantile)
		for id, score := range ppr.rank {
			if score >= floor && !seen[id] {
				seen[id] = true
				candidateIDs = append(candidateIDs, id)
			}
		}
	}

	sim := make(map[string]float64, len(seeds))
	for _, s := range seeds {
		sim[s.ID] = s.Sim
	}

	nodesByID, err := r.nodeIndex(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}
	importance := map[string]float64{}
	updatedAt := map[string]int64{}
	for id, n := range nodesByID {
		importance[id] = toFloat(n.Properties["importance"])
		updatedAt[id] = n.UpdatedAt
	}

	fused := fuse(q.Fusion, sim, ppr.rank, importance, updatedAt, candidateIDs)
	filtered := r.applyConstraints(fused, nodesByID, q)

	// Best-effort touch side effect (spec.md §4.E step 6): failures are
	// logged, never propagated to the caller.
	now := time.Now().Unix()
	for _, res := range filtered {
		if err := r.store.TouchNode(ctx, res.MemoryID, now); err != nil {
			r.log.Warn().Err(err).Str("memory_id", res.MemoryID).Msg("touch-on-read failed")
		}
	}

	return filtered, nil
}

func (r *Retriever) nodeIndex(ctx context.Context, ids []string) (map[string]*store.NodeRecord, error) {
	out := make(map[string]*store.NodeRecord, len(ids))
	for _, id := range ids {
		n, err := r.store.GetNode(ctx, id)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		if n.IsDeleted {
			continue
		}
		out[id] = n
	}
	return out, nil
}

func (r *Retriever) applyConstraints(results []Result, nodes map[string]*store.NodeRecord, q model.Query) []Result {
	c := constraintsFromQuery(q)
	out := make([]Result, 0, len(results))
	for _, res := range results {
		n, ok := nodes[res.MemoryID]
		if !ok {
			continue
		}
		if res.Score < c.MinRelevance {
			continue
		}
		if c.MinImportance > 0 && toFloat(n.Properties["importance"]) < c.MinImportance {
			continue
		}
		tags := asStringSlice(n.Properties["tags"])
		if len(c.RequiredTags) > 0 && !containsAll(tags, c.RequiredTags) {
			continue
		}
		if len(c.ExcludedTags) > 0 && containsAny(tags, c.ExcludedTags) {
			continue
		}
		if c.HasTimeRange && (n.CreatedAt < c.TimeRangeFrom || n.CreatedAt > c.TimeRangeTo) {
			continue
		}
		if c.SourceFilter != "" {
			src, _ := n.Properties["source"].(string)
			if src != c.SourceFilter {
				continue
			}
		}
		out = append(out, res)
		if c.MaxResults > 0 && len(out) >= c.MaxResults {
			break
		}
	}
	return out
}

func constraintsFromQuery(q model.Query) model.RetrievalConstraints {
	return model.RetrievalConstraints{
		MaxResults:    q.Limit,
		MinRelevance:  q.Threshold,
		MinImportance: q.Filters.MinImportance,
		RequiredTags:  q.Filters.Tags,
		TimeRangeFrom: q.Filters.TimeRangeFrom,
		TimeRangeTo:   q.Filters.TimeRangeTo,
		HasTimeRange:  q.Filters.HasTimeRange,
		SourceFilter:  q.Filters.Source,
	}
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func containsAny(have, excluded []string) bool {
	set := make(map[string]bool, len(excluded))
	for _, e := range excluded {
		set[e] = true
	}
	for _, h := range have {
		if set[h] {
			return true
		}
	}
	return false
}
