// Package manager implements the Memory Manager (spec.md §4.D). It
// orchestrates embedding generation, atomic persistence, auto-linking, and
// the update/evolve operations. It is not the only writer: the Learning
// Engine writes importance and edge weights, and the Retriever records
// touch-on-read, directly through the Store rather than through the Manager.
package manager

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/kittclouds/memengine/internal/config"
	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/idgen"
	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/embedding"
	"github.com/kittclouds/memengine/pkg/model"
)

// Manager is the Memory Manager. It holds no state of its own beyond its
// collaborators; all durable state lives in the Store.
type Manager struct {
	store    store.Store
	provider embedding.Provider
	cfg      *config.Config
	log      zerolog.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a structured logger; the default is a disabled
// (zerolog.Nop) logger, matching GoKitt's silent-by-default WASM core.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New builds a Manager. provider may be nil only if every call to
// CreateMemory supplies its own embedding.
func New(s store.Store, provider embedding.Provider, cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{store: s, provider: provider, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpdateType tags one mutation in an UpdateRequest (spec.md §4.D).
type UpdateType string

const (
	ContentRewrite      UpdateType = "ContentRewrite"
	AttributeSet        UpdateType = "AttributeSet"
	ImportanceAdjustment UpdateType = "ImportanceAdjustment"
	TagAdd              UpdateType = "TagAdd"
	TagRemove           UpdateType = "TagRemove"
	ConnectionAdd       UpdateType = "ConnectionAdd"
	ConnectionRemove    UpdateType = "ConnectionRemove"
	SoftDelete          UpdateType = "SoftDelete"
)

// Update is one operation within an UpdateRequest.
type Update struct {
	Type  UpdateType
	Key   string
	Value any
	Delta float64
	// Absolute, when true with ImportanceAdjustment, sets importance to
	// Delta directly instead of adding it.
	Absolute bool
}

// UpdateRequest bundles a sequence of Updates applied under a single
// version bump (spec.md §4.D).
type UpdateRequest struct {
	MemoryID string
	Updates  []Update
}

// generateEmbedding delegates to the Embedding Provider and L2-normalizes
// the result before storage, so cosine similarity reduces to a dot product
// (spec.md §4.D).
func (m *Manager) generateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if m.provider == nil {
		return nil, errs.New(errs.EmbeddingUnavailable, "Manager.generateEmbedding", fmt.Errorf("no embedding provider configured"))
	}
	v, err := m.provider.Embed(ctx, text)
	if err != nil {
		return nil, errs.New(errs.EmbeddingUnavailable, "Manager.generateEmbedding", err)
	}
	return normalizeEmbedding(v), nil
}

func normalizeEmbedding(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// CreateMemory validates, embeds (if needed), persists atomically, and
// optionally auto-links the new Memory, returning its assigned id.
func (m *Manager) CreateMemory(ctx context.Context, content string, memType model.MemoryType, embeddingIn []float32, attrs model.Attributes) (string, error) {
	now := time.Now().Unix()

	emb := embeddingIn
	if emb == nil {
		var err error
		emb, err = m.generateEmbedding(ctx, content)
		if err != nil {
			return "", err
		}
	} else {
		emb = normalizeEmbedding(emb)
	}

	if m.cfg.Vector.Dimension > 0 && len(emb) != m.cfg.Vector.Dimension {
		return "", errs.New(errs.DimensionMismatch, "Manager.CreateMemory",
			fmt.Errorf("embedding has dim %d, configured dim is %d", len(emb), m.cfg.Vector.Dimension))
	}

	mem, err := model.New(content, memType, emb, attrs, now)
	if err != nil {
		return "", err
	}

	v, n := toRecords(mem)

	edges, err := m.autoLinkCandidates(ctx, mem.ID, emb, now)
	if err != nil {
		return "", err
	}

	if err := m.store.CreateMemoryAtomic(ctx, v, n, edges); err != nil {
		return "", err
	}

	m.log.Debug().Str("memory_id", mem.ID).Int("auto_links", len(edges)).Msg("memory created")
	return mem.ID, nil
}

// autoLinkCandidates queries the top-K nearest existing memories above the
// configured semantic threshold and builds Semantic connections to them,
// per spec.md §4.D "Auto-linking on insert".
func (m *Manager) autoLinkCandidates(ctx context.Context, newID string, emb []float32, now int64) ([]*store.EdgeRecord, error) {
	if len(emb) == 0 || m.cfg.Vector.AutoLinkK <= 0 {
		return nil, nil
	}
	candidates, err := m.store.QueryVectors(ctx, emb, m.cfg.Vector.AutoLinkK, m.cfg.Vector.SimilarityThreshold, nil)
	if err != nil {
		return nil, err
	}
	edges := make([]*store.EdgeRecord, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == newID {
			continue
		}
		edges = append(edges, &store.EdgeRecord{
			ID:         idgen.Connection(),
			From:       newID,
			To:         c.ID,
			EdgeType:   string(model.Semantic),
			Weight:     c.Sim,
			Properties: map[string]any{},
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return edges, nil
}

// GetMemory returns the current state of a Memory. Non-mutating: it does
// not bump access counters (spec.md §4.D).
func (m *Manager) GetMemory(ctx context.Context, id string) (*model.Memory, error) {
	v, err := m.store.GetVector(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := m.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.IsDeleted {
		return nil, errs.New(errs.NotFound, "Manager.GetMemory", fmt.Errorf("memory %s is deleted", id))
	}
	return fromRecords(v, n)
}

// UpdateMemory applies a sequence of Updates under a single version bump.
func (m *Manager) UpdateMemory(ctx context.Context, req UpdateRequest) (*model.Memory, error) {
	now := time.Now().Unix()

	v, err := m.store.GetVector(ctx, req.MemoryID)
	if err != nil {
		return nil, err
	}
	n, err := m.store.GetNode(ctx, req.MemoryID)
	if err != nil {
		return nil, err
	}
	mem, err := fromRecords(v, n)
	if err != nil {
		return nil, err
	}

	for _, u := range req.Updates {
		if err := applyUpdate(mem, u); err != nil {
			return nil, err
		}
	}
	mem.Metadata.Version++
	mem.Metadata.UpdatedAt = now

	if mem.Metadata.IsDeleted {
		// SoftDelete goes through Store.Delete so incident edges are pruned
		// per invariant I2, rather than through the plain node upsert below.
		if err := m.store.Delete(ctx, req.MemoryID, now); err != nil {
			return nil, err
		}
		return mem, nil
	}

	newV, newN := toRecords(mem)
	newV.Embedding = v.Embedding // content/attribute updates don't touch the embedding
	newV.Dim = v.Dim
	if err := m.store.InsertVector(ctx, newV); err != nil {
		return nil, err
	}
	if err := m.store.InsertNode(ctx, newN); err != nil {
		return nil, err
	}
	return mem, nil
}

func applyUpdate(mem *model.Memory, u Update) error {
	switch u.Type {
	case ContentRewrite:
		s, _ := u.Value.(string)
		if s == "" {
			return errs.New(errs.InvariantViolation, "applyUpdate", fmt.Errorf("ContentRewrite requires non-empty string value"))
		}
		mem.Content = s
	case AttributeSet:
		switch u.Key {
		case "context":
			mem.Attributes.Context = fmt.Sprint(u.Value)
		case "emotion":
			mem.Attributes.Emotion = fmt.Sprint(u.Value)
		case "source":
			mem.Attributes.Source = fmt.Sprint(u.Value)
		case "language":
			mem.Attributes.Language = fmt.Sprint(u.Value)
		default:
			if mem.Attributes.Custom == nil {
				mem.Attributes.Custom = map[string]any{}
			}
			mem.Attributes.Custom[u.Key] = u.Value
		}
	case ImportanceAdjustment:
		next := mem.Attributes.Importance + u.Delta
		if u.Absolute {
			next = u.Delta
		}
		mem.Attributes.Importance = clamp01(next)
	case TagAdd:
		if mem.Attributes.Tags == nil {
			mem.Attributes.Tags = map[string]struct{}{}
		}
		mem.Attributes.Tags[u.Key] = struct{}{}
	case TagRemove:
		delete(mem.Attributes.Tags, u.Key)
	case ConnectionAdd:
		mem.Connections[u.Key] = struct{}{}
	case ConnectionRemove:
		delete(mem.Connections, u.Key)
	case SoftDelete:
		mem.Metadata.IsDeleted = true
	default:
		return errs.New(errs.InvariantViolation, "applyUpdate", fmt.Errorf("unrecognized update type %q", u.Type))
	}
	return nil
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

// CreateConnection verifies both endpoints exist and are non-deleted, then
// upserts the edge keeping the max weight (invariant I6, SPEC_FULL.md §13
// Open Question i).
func (m *Manager) CreateConnection(ctx context.Context, from, to string, connType model.ConnectionType, weight float64) (*model.Connection, error) {
	now := time.Now().Unix()

	for _, id := range []string{from, to} {
		n, err := m.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if n.IsDeleted {
			return nil, errs.New(errs.DanglingReference, "Manager.CreateConnection", fmt.Errorf("endpoint %s is deleted", id))
		}
	}

	c, err := model.NewConnection(from, to, connType, weight, now)
	if err != nil {
		return nil, err
	}
	e := &store.EdgeRecord{
		ID:         c.ID,
		From:       c.From,
		To:         c.To,
		EdgeType:   string(c.Type),
		Weight:     c.Weight,
		Properties: c.Properties,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
	if err := m.store.InsertEdge(ctx, e); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete soft-deletes a Memory through the store, pruning its edges.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id, time.Now().Unix())
}

// Stats returns the underlying store's introspection counters (component G).
func (m *Manager) Stats(ctx context.Context) (store.Stats, error) {
	return m.store.Stats(ctx)
}
