package manager

import (
	"context"
	"testing"
	"time"

	"github.com/kittclouds/memengine/internal/config"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/model"
)

type fakeProvider struct {
	vectors map[string][]float32
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func testManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{DSN: ":memory:", TablePrefix: "mem_", Dimension: 4, VectorCap: 64, NodeCap: 64, EdgeCap: 64})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.Vector.Dimension = 4
	cfg.Vector.AutoLinkK = 5
	cfg.Vector.SimilarityThreshold = 0.5

	p := &fakeProvider{vectors: map[string][]float32{}}
	return New(s, p, cfg), s
}

func TestCreateAndGetMemory(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	id, err := mgr.CreateMemory(ctx, "hello world", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{Importance: 0.8})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if id == "" {
		t.Fatalf("expected assigned id")
	}

	got, err := mgr.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Content != "hello world" {
		t.Fatalf("unexpected content: %q", got.Content)
	}
	if got.Attributes.Importance != 0.8 {
		t.Fatalf("unexpected importance: %f", got.Attributes.Importance)
	}
}

func TestCreateMemoryRejectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	if _, err := mgr.CreateMemory(ctx, "x", model.Knowledge, []float32{1, 0}, model.Attributes{}); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestAutoLinkOnInsert(t *testing.T) {
	ctx := context.Background()
	mgr, s := testManager(t)

	id1, err := mgr.CreateMemory(ctx, "Rust programming language", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{})
	if err != nil {
		t.Fatalf("CreateMemory 1: %v", err)
	}
	id2, err := mgr.CreateMemory(ctx, "systems programming", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{})
	if err != nil {
		t.Fatalf("CreateMemory 2: %v", err)
	}

	edges, err := s.Neighbors(ctx, id2, nil)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	found := false
	for _, e := range edges {
		if (e.From == id2 && e.To == id1) || (e.From == id1 && e.To == id2) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an auto-linked semantic edge between %s and %s", id1, id2)
	}
}

func TestUpdateMemoryImportanceClamped(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	id, err := mgr.CreateMemory(ctx, "x", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{Importance: 0.9})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	updated, err := mgr.UpdateMemory(ctx, UpdateRequest{
		MemoryID: id,
		Updates:  []Update{{Type: ImportanceAdjustment, Delta: 0.5}},
	})
	if err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if updated.Attributes.Importance != 1.0 {
		t.Fatalf("expected importance clamped to 1.0, got %f", updated.Attributes.Importance)
	}
	if updated.Metadata.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", updated.Metadata.Version)
	}
}

func TestCreateConnectionRejectsDeletedEndpoint(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	id1, _ := mgr.CreateMemory(ctx, "a", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{})
	id2, _ := mgr.CreateMemory(ctx, "b", model.Knowledge, []float32{0, 1, 0, 0}, model.Attributes{})

	if err := mgr.Delete(ctx, id2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mgr.CreateConnection(ctx, id1, id2, model.Semantic, 0.5); err == nil {
		t.Fatalf("expected error connecting to a deleted endpoint")
	}
}

func TestEvolveDecaysImportance(t *testing.T) {
	ctx := context.Background()
	mgr, s := testManager(t)
	mgr.cfg.Learning.HalfLife = time.Hour

	id, err := mgr.CreateMemory(ctx, "x", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{Importance: 1.0})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	// Simulate the memory not having been accessed for 10 half-lives.
	if err := s.UpdateNodeProperties(ctx, id, func(props map[string]any) error {
		props["last_accessed"] = time.Now().Unix() - int64(10*time.Hour/time.Second)
		return nil
	}, time.Now().Unix()); err != nil {
		t.Fatalf("UpdateNodeProperties: %v", err)
	}

	res, err := mgr.Evolve(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if res.MemoriesDecayed != 1 {
		t.Fatalf("expected 1 memory decayed, got %d", res.MemoriesDecayed)
	}

	got, err := mgr.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Attributes.Importance >= 0.5 {
		t.Fatalf("expected importance to have decayed well below 0.5 after 10 half-lives, got %f", got.Attributes.Importance)
	}
}

func TestEvolvePrunesEdgesOfAnyType(t *testing.T) {
	ctx := context.Background()
	mgr, _ := testManager(t)

	id1, err := mgr.CreateMemory(ctx, "a", model.Knowledge, []float32{1, 0, 0, 0}, model.Attributes{})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	id2, err := mgr.CreateMemory(ctx, "b", model.Knowledge, []float32{0, 1, 0, 0}, model.Attributes{})
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	conn, err := mgr.CreateConnection(ctx, id1, id2, model.Causal, EdgePruneThreshold/2)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	res, err := mgr.Evolve(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Evolve: %v", err)
	}
	if res.EdgesPruned != 1 {
		t.Fatalf("expected 1 edge pruned, got %d", res.EdgesPruned)
	}

	edges, err := mgr.store.ListEdges(ctx, "")
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	for _, e := range edges {
		if e.ID == conn.ID {
			t.Fatalf("expected Causal edge %s to be pruned", conn.ID)
		}
	}
}
