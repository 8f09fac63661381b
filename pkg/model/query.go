package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// QueryType selects which Retriever strategy handles a Query.
type QueryType string

const (
	QuerySemantic QueryType = "Semantic"
	QueryTemporal QueryType = "Temporal"
	QueryHybrid   QueryType = "Hybrid"
	QueryGraph    QueryType = "Graph"
)

// Priority hints how aggressively the Retriever should scan (SPEC_FULL.md
// §12, supplemented from the Rust original's RetrievalContext). Higher
// priority widens the HippoRAG seed count N.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
)

// Filters narrows a Query's candidate set before ranking.
type Filters struct {
	Tags          []string
	Types         []MemoryType
	TimeRangeFrom int64
	TimeRangeTo   int64
	HasTimeRange  bool
	Source        string
	MinImportance float64
}

// Weights are the Hybrid query-type's per-signal blend; must sum to 1.
type Weights struct {
	Semantic   float64
	Temporal   float64
	Importance float64
	Connection float64
}

// Sum reports the total weight, used to validate the "summing to 1"
// requirement from spec.md §3.
func (w Weights) Sum() float64 {
	return w.Semantic + w.Temporal + w.Importance + w.Connection
}

// RetrievalContext carries session-scoped retrieval hints (SPEC_FULL.md
// §12): which session issued the query, its current topic, recent prior
// queries, and a Priority the Retriever uses to size its seed scan.
type RetrievalContext struct {
	SessionID     string
	CurrentTopic  string
	RecentQueries []string
	Priority      Priority
}

// RetrievalConstraints filters a HippoRAG result set (spec.md §4.E step 5).
type RetrievalConstraints struct {
	MaxResults    int
	MinRelevance  float64
	MinImportance float64
	RequiredTags  []string
	ExcludedTags  []string
	TimeRangeFrom int64
	TimeRangeTo   int64
	HasTimeRange  bool
	SourceFilter  string
}

// FusionMethod selects how HippoRAG combines seed similarity and PPR score.
type FusionMethod string

const (
	FusionLinearWeighted FusionMethod = "LinearWeighted"
	FusionRankFusion     FusionMethod = "RankFusion"
	FusionMaxPooling     FusionMethod = "MaxPooling"
)

// Query is a retrieval request (spec.md §3).
type Query struct {
	Text      string
	Type      QueryType
	Filters   Filters
	Limit     int
	Offset    int
	SortBy    string
	Weights   Weights
	Fusion    FusionMethod
	Context   RetrievalContext
	EnablePPR bool
	ExpandNbh bool
	// Threshold is the minimum cosine-similarity (Semantic) or fused-score
	// (Graph) a candidate must clear to be returned. Distinct from
	// Filters.MinImportance, which filters on the memory's own importance
	// attribute rather than its relevance to this query.
	Threshold float64
}

// Validate checks the parts of a Query a constructor-free struct can still
// enforce: a recognized QueryType and (for Hybrid) weights summing to 1
// within floating-point tolerance.
func (q Query) Validate() error {
	switch q.Type {
	case QuerySemantic, QueryTemporal, QueryHybrid, QueryGraph:
	default:
		return fmt.Errorf("unrecognized query type %q", q.Type)
	}
	if q.Type == QueryHybrid {
		if s := q.Weights.Sum(); s < 0.999 || s > 1.001 {
			return fmt.Errorf("hybrid query weights must sum to 1, got %f", s)
		}
	}
	return nil
}

// QueryHash identifies a query's text for retrieval-set bookkeeping: the
// Learning Engine uses it to recover which memories were co-retrieved by a
// feedback record's originating query (SPEC_FULL.md §4.F edge reinforcement).
func QueryHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
