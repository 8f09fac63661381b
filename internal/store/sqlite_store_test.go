package store

import (
	"context"
	"testing"

	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/idgen"
)

func errIsNotFound(err error) bool { return errs.Is(err, errs.NotFound) }

func testOpen(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(Options{
		DSN:         ":memory:",
		TablePrefix: "mem_",
		Dimension:   4,
		VectorCap:   64,
		NodeCap:     64,
		EdgeCap:     64,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	v := &VectorRecord{
		ID:        "v1",
		Embedding: []float32{1, 0, 0, 0},
		Dim:       4,
		Metadata:  map[string]any{"kind": "episodic"},
		CreatedAt: 100,
		UpdatedAt: 100,
	}
	if err := s.InsertVector(ctx, v); err != nil {
		t.Fatalf("InsertVector: %v", err)
	}

	got, err := s.GetVector(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVector: %v", err)
	}
	if len(got.Embedding) != 4 || got.Embedding[0] != 1 {
		t.Fatalf("unexpected embedding: %v", got.Embedding)
	}
	if got.Metadata["kind"] != "episodic" {
		t.Fatalf("unexpected metadata: %v", got.Metadata)
	}

	if _, err := s.GetVector(ctx, "missing"); !errIsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestQueryVectorsOrderingAndTieBreak(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	insert := func(id string, e []float32) {
		if err := s.CreateMemoryAtomic(ctx,
			&VectorRecord{ID: id, Embedding: e, Dim: 4, CreatedAt: 1, UpdatedAt: 1},
			&NodeRecord{ID: id, NodeType: "memory", CreatedAt: 1, UpdatedAt: 1},
			nil,
		); err != nil {
			t.Fatalf("CreateMemoryAtomic(%s): %v", id, err)
		}
	}
	// b and c are identical vectors (tie); a is orthogonal (filtered out by threshold).
	insert("c", []float32{1, 0, 0, 0})
	insert("b", []float32{1, 0, 0, 0})
	insert("a", []float32{0, 1, 0, 0})

	res, err := s.QueryVectors(ctx, []float32{1, 0, 0, 0}, 10, 0.5, nil)
	if err != nil {
		t.Fatalf("QueryVectors: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results above threshold, got %d", len(res))
	}
	if res[0].ID != "b" || res[1].ID != "c" {
		t.Fatalf("expected tie-break by id asc (b, c), got (%s, %s)", res[0].ID, res[1].ID)
	}
}

func TestDeletePrunesEdgesAndKeepsVector(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	for _, id := range []string{"n1", "n2"} {
		if err := s.CreateMemoryAtomic(ctx,
			&VectorRecord{ID: id, Embedding: []float32{1, 0, 0, 0}, Dim: 4, CreatedAt: 1, UpdatedAt: 1},
			&NodeRecord{ID: id, NodeType: "memory", CreatedAt: 1, UpdatedAt: 1},
			nil,
		); err != nil {
			t.Fatalf("CreateMemoryAtomic(%s): %v", id, err)
		}
	}
	if err := s.InsertEdge(ctx, &EdgeRecord{ID: "e1", From: "n1", To: "n2", EdgeType: "related", Weight: 0.5, CreatedAt: 1, UpdatedAt: 1}); err != nil {
		t.Fatalf("InsertEdge: %v", err)
	}

	if err := s.Delete(ctx, "n1", 200); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	edges, err := s.ListEdges(ctx, "")
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected edges incident to a deleted node to be pruned, got %d", len(edges))
	}

	if _, err := s.GetVector(ctx, "n1"); err != nil {
		t.Fatalf("expected vector to survive soft delete, got %v", err)
	}

	n, err := s.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if !n.IsDeleted {
		t.Fatalf("expected node to be tombstoned")
	}

	purged, err := s.PurgeDeleted(ctx, 1000)
	if err != nil {
		t.Fatalf("PurgeDeleted: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 node purged, got %d", purged)
	}
	if _, err := s.GetVector(ctx, "n1"); !errIsNotFound(err) {
		t.Fatalf("expected vector to be gone after purge, got %v", err)
	}
}

// TestEdgeUpsertKeepsMaxWeight exercises the real call pattern: two
// independent InsertEdge calls for the same (from, to, edge_type) triple,
// each minting its own id via idgen.Connection, as auto-linking and
// Manager.CreateConnection actually do. The conflict must resolve on (source_id, target_id,
// edge_type), not id, or the two calls insert two rows instead of merging.
func TestEdgeUpsertKeepsMaxWeight(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	e := &EdgeRecord{ID: idgen.Connection(), From: "a", To: "b", EdgeType: "related", Weight: 0.3, CreatedAt: 1, UpdatedAt: 1}
	if err := s.InsertEdge(ctx, e); err != nil {
		t.Fatalf("InsertEdge: %v", err)
	}
	e2 := &EdgeRecord{ID: idgen.Connection(), From: "a", To: "b", EdgeType: "related", Weight: 0.1, CreatedAt: 1, UpdatedAt: 2}
	if err := s.InsertEdge(ctx, e2); err != nil {
		t.Fatalf("InsertEdge (lower weight): %v", err)
	}

	edges, err := s.ListEdges(ctx, "related")
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].Weight != 0.3 {
		t.Fatalf("expected upsert to merge into 1 row keeping the larger weight 0.3, got %+v", edges)
	}
}

func TestInsertVectorRejectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	v := &VectorRecord{ID: "v1", Embedding: []float32{1, 0, 0}, Dim: 3, CreatedAt: 1, UpdatedAt: 1}
	err := s.InsertVector(ctx, v)
	if err == nil {
		t.Fatalf("expected dimension mismatch error, got nil")
	}
	if !errs.Is(err, errs.DimensionMismatch) {
		t.Fatalf("expected errs.DimensionMismatch, got %v", err)
	}
}

func TestFeedbackIdempotency(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	f := &FeedbackRecord{ID: "f1", MemoryID: "m1", Type: "click", Score: 1, SessionID: "s1", Timestamp: 1000}
	inserted, err := s.RecordFeedback(ctx, f)
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first feedback record to be inserted")
	}

	f2 := &FeedbackRecord{ID: "f2", MemoryID: "m1", Type: "click", Score: 1, SessionID: "s1", Timestamp: 1000}
	inserted, err = s.RecordFeedback(ctx, f2)
	if err != nil {
		t.Fatalf("RecordFeedback (duplicate): %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate (memory_id, session_id, ts) to be ignored")
	}

	pending, err := s.PendingFeedbackCount(ctx)
	if err != nil {
		t.Fatalf("PendingFeedbackCount: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 pending feedback record, got %d", pending)
	}

	unprocessed, err := s.UnprocessedFeedback(ctx, 10)
	if err != nil {
		t.Fatalf("UnprocessedFeedback: %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("expected 1 unprocessed record, got %d", len(unprocessed))
	}
	if err := s.MarkFeedbackProcessed(ctx, []string{unprocessed[0].ID}); err != nil {
		t.Fatalf("MarkFeedbackProcessed: %v", err)
	}
	pending, err = s.PendingFeedbackCount(ctx)
	if err != nil {
		t.Fatalf("PendingFeedbackCount: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected 0 pending feedback records after marking processed, got %d", pending)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	if err := s.CreateMemoryAtomic(ctx,
		&VectorRecord{ID: "v1", Embedding: []float32{0, 1, 0, 0}, Dim: 4, CreatedAt: 1, UpdatedAt: 1},
		&NodeRecord{ID: "v1", NodeType: "memory", CreatedAt: 1, UpdatedAt: 1},
		[]*EdgeRecord{{ID: "e1", From: "v1", To: "v1", EdgeType: "self", Weight: 1, CreatedAt: 1, UpdatedAt: 1}},
	); err != nil {
		t.Fatalf("CreateMemoryAtomic: %v", err)
	}

	data, err := s.Export(ctx)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := testOpen(t)
	if err := dst.Import(ctx, data); err != nil {
		t.Fatalf("Import: %v", err)
	}

	got, err := dst.GetVector(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVector after import: %v", err)
	}
	if got.Embedding[1] != 1 {
		t.Fatalf("unexpected embedding after import: %v", got.Embedding)
	}

	edges, err := dst.ListEdges(ctx, "self")
	if err != nil {
		t.Fatalf("ListEdges after import: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge after import, got %d", len(edges))
	}
}

func TestQueryGraphDeterministicOrdering(t *testing.T) {
	ctx := context.Background()
	s := testOpen(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := s.InsertNode(ctx, &NodeRecord{ID: id, NodeType: "memory", CreatedAt: 1, UpdatedAt: 1}); err != nil {
			t.Fatalf("InsertNode(%s): %v", id, err)
		}
	}
	edges := []*EdgeRecord{
		{ID: "e1", From: "a", To: "c", EdgeType: "related", Weight: 1, CreatedAt: 1, UpdatedAt: 1},
		{ID: "e2", From: "a", To: "b", EdgeType: "related", Weight: 1, CreatedAt: 1, UpdatedAt: 1},
	}
	for _, e := range edges {
		if err := s.InsertEdge(ctx, e); err != nil {
			t.Fatalf("InsertEdge: %v", err)
		}
	}

	res, err := s.QueryGraph(ctx, []string{"a"}, nil, 1, 10)
	if err != nil {
		t.Fatalf("QueryGraph: %v", err)
	}
	if len(res.Nodes) != 3 {
		t.Fatalf("expected 3 nodes (a, b, c), got %d", len(res.Nodes))
	}
	if res.Nodes[0].ID != "a" || res.Nodes[1].ID != "b" || res.Nodes[2].ID != "c" {
		t.Fatalf("expected deterministic depth-then-id ordering, got %v", ids(res.Nodes))
	}
}

func ids(nodes []*NodeRecord) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
