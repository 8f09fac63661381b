package learning

import (
	"context"
	"testing"
	"time"

	"github.com/kittclouds/memengine/internal/config"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/manager"
	"github.com/kittclouds/memengine/pkg/model"
)

type fakeProvider struct{}

func (fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func testSetup(t *testing.T) (*Engine, *manager.Manager, store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{DSN: ":memory:", TablePrefix: "mem_", Dimension: 4, VectorCap: 64, NodeCap: 64, EdgeCap: 64})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.Vector.Dimension = 4
	cfg.Learning.LearningRate = 0.5
	cfg.Learning.DecayRate = 0.5
	cfg.Learning.BatchSize = 100
	cfg.Learning.InactivityWindow = time.Hour

	mgr := manager.New(s, fakeProvider{}, cfg)
	eng := New(s, cfg)
	return eng, mgr, s
}

func TestRecordFeedbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, mgr, _ := testSetup(t)

	id, err := mgr.CreateMemory(ctx, "x", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{Importance: 0.5})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	fctx := model.FeedbackContext{Query: "find x", ResultPosition: 0, SessionID: "s1"}
	if _, err := eng.RecordFeedback(ctx, id, model.Explicit, 1.0, fctx); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	// Re-recording under a distinct id should not error; idempotency is
	// scoped to the Store's (memory_id, session_id, ts) key.
	if _, err := eng.RecordFeedback(ctx, id, model.Explicit, 1.0, fctx); err != nil {
		t.Fatalf("RecordFeedback (second): %v", err)
	}
}

func TestRunLearningCycleUpdatesImportance(t *testing.T) {
	ctx := context.Background()
	eng, mgr, _ := testSetup(t)

	id, err := mgr.CreateMemory(ctx, "x", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{Importance: 0.5})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	fctx := model.FeedbackContext{Query: "find x", ResultPosition: 0, SessionID: "s1"}
	if _, err := eng.RecordFeedback(ctx, id, model.Explicit, 1.0, fctx); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}

	results, err := eng.RunLearningCycle(ctx)
	if err != nil {
		t.Fatalf("RunLearningCycle: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 learning result, got %d: %+v", len(results), results)
	}
	r := results[0]
	if r.MemoryID != id {
		t.Fatalf("unexpected memory id %s", r.MemoryID)
	}
	wantImportance := 0.5 + 0.5*1.0*model.Explicit.Weight()
	if wantImportance > 1 {
		wantImportance = 1
	}
	if r.NewImportance != wantImportance {
		t.Fatalf("expected new importance %f, got %f", wantImportance, r.NewImportance)
	}

	got, err := mgr.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Attributes.Importance != wantImportance {
		t.Fatalf("expected persisted importance %f, got %f", wantImportance, got.Attributes.Importance)
	}
}

func TestRunLearningCycleReinforcesCoRetrievedEdges(t *testing.T) {
	ctx := context.Background()
	eng, mgr, s := testSetup(t)

	id1, err := mgr.CreateMemory(ctx, "alpha", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{})
	if err != nil {
		t.Fatalf("CreateMemory 1: %v", err)
	}
	id2, err := mgr.CreateMemory(ctx, "beta", model.Knowledge, []float32{0, 1, 0, 0}, model.Attributes{})
	if err != nil {
		t.Fatalf("CreateMemory 2: %v", err)
	}
	conn, err := mgr.CreateConnection(ctx, id1, id2, model.Semantic, 0.1)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	query := "alpha and beta"
	if err := s.SaveRetrievalSet(ctx, model.QueryHash(query), "s1", []string{id1, id2}, time.Now().Unix()); err != nil {
		t.Fatalf("SaveRetrievalSet: %v", err)
	}

	fctx := model.FeedbackContext{Query: query, ResultPosition: 0, SessionID: "s1"}
	if _, err := eng.RecordFeedback(ctx, id1, model.Rating, 1.0, fctx); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}

	results, err := eng.RunLearningCycle(ctx)
	if err != nil {
		t.Fatalf("RunLearningCycle: %v", err)
	}
	var found *model.LearningResult
	for i := range results {
		if results[i].MemoryID == id1 {
			found = &results[i]
		}
	}
	if found == nil || found.EdgesTouched == 0 {
		t.Fatalf("expected at least one edge touched for %s, got %+v", id1, results)
	}

	edges, err := s.Neighbors(ctx, id1, nil)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	for _, e := range edges {
		if e.ID == conn.ID && e.Weight <= 0.1 {
			t.Fatalf("expected edge weight to increase above 0.1, got %f", e.Weight)
		}
	}
}

func TestDecayInactiveAppliesToStaleMemories(t *testing.T) {
	ctx := context.Background()
	eng, mgr, s := testSetup(t)

	id, err := mgr.CreateMemory(ctx, "stale", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{Importance: 1.0})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	stale := time.Now().Unix() - int64(2*time.Hour/time.Second)
	if err := s.UpdateNodeProperties(ctx, id, func(props map[string]any) error {
		props["last_accessed"] = stale
		return nil
	}, time.Now().Unix()); err != nil {
		t.Fatalf("UpdateNodeProperties: %v", err)
	}

	results, err := eng.RunLearningCycle(ctx)
	if err != nil {
		t.Fatalf("RunLearningCycle: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected decay to produce 1 result, got %d", len(results))
	}
	if results[0].NewImportance != 0.5 {
		t.Fatalf("expected importance halved to 0.5, got %f", results[0].NewImportance)
	}
}
