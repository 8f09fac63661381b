package manager

import (
	"fmt"

	"github.com/kittclouds/memengine/internal/store"
	"github.com/kittclouds/memengine/pkg/model"
)

// toRecords splits a Memory into the VectorRecord/NodeRecord pair the
// store persists. Everything except the embedding itself — content, type,
// attributes, connections, metadata — is folded into the node's
// properties map as JSON-friendly values, since store.NodeRecord only
// understands map[string]any.
func toRecords(m *model.Memory) (*store.VectorRecord, *store.NodeRecord) {
	tags := make([]string, 0, len(m.Attributes.Tags))
	for t := range m.Attributes.Tags {
		tags = append(tags, t)
	}
	conns := make([]string, 0, len(m.Connections))
	for c := range m.Connections {
		conns = append(conns, c)
	}

	props := map[string]any{
		"content":      m.Content,
		"memory_type":  string(m.MemoryType),
		"keywords":     m.Attributes.Keywords,
		"tags":         tags,
		"context":      m.Attributes.Context,
		"importance":   m.Attributes.Importance,
		"confidence":   m.Attributes.Confidence,
		"emotion":      m.Attributes.Emotion,
		"source":       m.Attributes.Source,
		"language":     m.Attributes.Language,
		"custom":       m.Attributes.Custom,
		"connections":  conns,
		"created_at":   m.Metadata.CreatedAt,
		"last_accessed": m.Metadata.LastAccessed,
		"access_count": m.Metadata.AccessCount,
		"version":      m.Metadata.Version,
	}

	v := &store.VectorRecord{
		ID:        m.ID,
		Embedding: m.Embedding,
		Dim:       len(m.Embedding),
		Metadata:  map[string]any{"memory_type": string(m.MemoryType)},
		CreatedAt: m.Metadata.CreatedAt,
		UpdatedAt: m.Metadata.UpdatedAt,
	}
	n := &store.NodeRecord{
		ID:         m.ID,
		NodeType:   "memory",
		Properties: props,
		IsDeleted:  m.Metadata.IsDeleted,
		DeletedAt:  m.Metadata.DeletedAt,
		CreatedAt:  m.Metadata.CreatedAt,
		UpdatedAt:  m.Metadata.UpdatedAt,
	}
	return v, n
}

// fromRecords reassembles a Memory from its persisted vector and node. The
// inverse of toRecords; tolerant of absent optional fields since props
// round-trips through JSON (ints become float64, etc).
func fromRecords(v *store.VectorRecord, n *store.NodeRecord) (*model.Memory, error) {
	p := n.Properties
	if p == nil {
		p = map[string]any{}
	}

	m := &model.Memory{
		ID:          n.ID,
		Content:     asString(p["content"]),
		MemoryType:  model.MemoryType(asString(p["memory_type"])),
		Embedding:   v.Embedding,
		Connections: map[string]struct{}{},
		Metadata: model.Metadata{
			CreatedAt:    n.CreatedAt,
			UpdatedAt:    n.UpdatedAt,
			LastAccessed: asInt64(p["last_accessed"]),
			AccessCount:  asInt64(p["access_count"]),
			Version:      asInt64(p["version"]),
			IsDeleted:    n.IsDeleted,
			DeletedAt:    n.DeletedAt,
		},
		Attributes: model.Attributes{
			Keywords:   asStringSlice(p["keywords"]),
			Tags:       asStringSet(p["tags"]),
			Context:    asString(p["context"]),
			Importance: asFloat(p["importance"]),
			Confidence: asFloat(p["confidence"]),
			Emotion:    asString(p["emotion"]),
			Source:     asString(p["source"]),
			Language:   asString(p["language"]),
			Custom:     asMap(p["custom"]),
		},
	}
	if m.Metadata.Version == 0 {
		m.Metadata.Version = 1
	}
	for _, c := range asStringSlice(p["connections"]) {
		m.Connections[c] = struct{}{}
	}
	return m, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
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

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return nil
	}
}

func asStringSet(v any) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range asStringSlice(v) {
		out[s] = struct{}{}
	}
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}
