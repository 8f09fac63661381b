// Package store provides SQLite-backed persistence for the hybrid
// vector-graph memory engine: a vector index, a typed graph (nodes +
// edges), an append-only feedback log, and a write-through LRU cache in
// front of all three.
//
// Modeled on GoKitt's internal/store (database/sql over
// ncruces/go-sqlite3, asg017/sqlite-vec-go-bindings registered for its
// vector extension functions, per-table locking, blob-encoded float
// vectors) but re-shaped from GoKitt's note/entity/edge schema onto
// spec.md's vector/node/edge/feedback schema.
package store

import "context"

// VectorRecord is one row of the vectors table: an embedding plus the
// metadata needed to answer similarity queries without touching the node
// table.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Dim       int
	Metadata  map[string]any
	CreatedAt int64
	UpdatedAt int64
}

// NodeRecord is one row of the nodes table.
type NodeRecord struct {
	ID         string
	NodeType   string
	Properties map[string]any
	IsDeleted  bool
	DeletedAt  int64
	CreatedAt  int64
	UpdatedAt  int64
}

// EdgeRecord is one row of the edges table: a typed, weighted directed
// edge between two node ids.
type EdgeRecord struct {
	ID         string
	From       string
	To         string
	EdgeType   string
	Weight     float64
	Properties map[string]any
	CreatedAt  int64
	UpdatedAt  int64
}

// FeedbackRecord is one row of the feedback log.
type FeedbackRecord struct {
	ID        string
	MemoryID  string
	Type      string
	Score     float64
	Context   map[string]any
	SessionID string
	Timestamp int64
	Processed bool
}

// ScoredVector pairs a vector id with a similarity score, used by
// QueryVectors. QueryVectors itself sorts by Sim descending and breaks ties
// by the lexicographically smaller ID, per spec.md's "smaller id" rule.
type ScoredVector struct {
	ID  string
	Sim float64
}

// GraphResult is the deduplicated node/edge set returned by QueryGraph.
type GraphResult struct {
	Nodes []*NodeRecord
	Edges []*EdgeRecord
}

// VectorFilter inspects a candidate vector record (id + metadata) and
// reports whether it should be included in QueryVectors results. Kept as a
// closure rather than a typed filter struct so callers (Retriever,
// Manager) can apply whatever predicate their Query.Filters demand without
// the store needing to understand Query at all.
type VectorFilter func(*VectorRecord) bool

// Stats is the introspection surface for component G (Statistics &
// Introspection): counts plus cache effectiveness.
type Stats struct {
	VectorCount      int
	NodeCount        int
	EdgeCount        int
	DeletedNodeCount int
	PendingFeedback  int
	CacheHits        int64
	CacheMisses      int64
}

// HitRate returns the cache hit rate in [0,1], or 0 if there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// Store is the hybrid vector-graph persistence contract (spec.md §4.B).
// SQLiteStore is the sole implementation.
type Store interface {
	InsertVector(ctx context.Context, v *VectorRecord) error
	GetVector(ctx context.Context, id string) (*VectorRecord, error)
	QueryVectors(ctx context.Context, query []float32, k int, threshold float64, filter VectorFilter) ([]ScoredVector, error)

	InsertNode(ctx context.Context, n *NodeRecord) error
	GetNode(ctx context.Context, id string) (*NodeRecord, error)
	// ListNodes enumerates nodes (optionally including tombstoned ones),
	// used by evolve()'s decay pass which must visit every memory
	// regardless of graph connectivity.
	ListNodes(ctx context.Context, includeDeleted bool) ([]*NodeRecord, error)
	InsertEdge(ctx context.Context, e *EdgeRecord) error
	QueryGraph(ctx context.Context, startNodes []string, edgeTypes []string, maxDepth, limit int) (*GraphResult, error)
	Neighbors(ctx context.Context, id string, edgeTypes []string) ([]*EdgeRecord, error)

	// CreateMemoryAtomic persists a vector, its node, and any auto-linked
	// edges in a single transaction (spec.md §5 "Atomicity").
	CreateMemoryAtomic(ctx context.Context, v *VectorRecord, n *NodeRecord, edges []*EdgeRecord) error

	TouchNode(ctx context.Context, id string, now int64) error
	UpdateNodeProperties(ctx context.Context, id string, mutate func(props map[string]any) error, now int64) error
	UpdateEdgeWeight(ctx context.Context, id string, weight float64, now int64) error
	ListEdges(ctx context.Context, edgeType string) ([]*EdgeRecord, error)
	DeleteEdge(ctx context.Context, id string) error

	// Delete soft-deletes a node (tombstone) and prunes dangling edges per
	// invariant I2; it never removes the vector row, since a tombstoned
	// memory may still be visited by history-style reads. Physical removal
	// is PurgeDeleted's job.
	Delete(ctx context.Context, id string, now int64) error
	PurgeDeleted(ctx context.Context, before int64) (int, error)

	RecordFeedback(ctx context.Context, f *FeedbackRecord) (bool, error)
	UnprocessedFeedback(ctx context.Context, limit int) ([]*FeedbackRecord, error)
	MarkFeedbackProcessed(ctx context.Context, ids []string) error
	PendingFeedbackCount(ctx context.Context) (int, error)

	SaveRetrievalSet(ctx context.Context, queryHash, sessionID string, memoryIDs []string, ts int64) error
	RetrievalSet(ctx context.Context, queryHash, sessionID string) ([]string, error)

	Stats(ctx context.Context) (Stats, error)

	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, data []byte) error

	Close() error
}
