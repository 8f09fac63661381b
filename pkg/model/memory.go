// Package model defines the engine's domain types: Memory, Connection,
// Query, and Feedback, along with the enums closing over their typed
// variants. Constructors enforce the invariants from spec.md §3; mutation
// happens only through the methods here or through pkg/manager, never by
// poking fields directly from outside the package boundary they're declared
// in (Go can't enforce that at compile time, so it's a calling convention,
// not a language guarantee).
package model

import (
	"fmt"

	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/idgen"
)

// MemoryType is the closed set of memory kinds (spec.md §3).
type MemoryType string

const (
	Knowledge  MemoryType = "Knowledge"
	Event      MemoryType = "Event"
	Task       MemoryType = "Task"
	Preference MemoryType = "Preference"
	Relation   MemoryType = "Relation"
)

func (t MemoryType) valid() bool {
	switch t {
	case Knowledge, Event, Task, Preference, Relation:
		return true
	}
	return false
}

// MaxContentBytes bounds Memory.Content, per spec.md §3 ("non-empty, bounded
// length, e.g. ≤ 64 KiB").
const MaxContentBytes = 64 * 1024

// Attributes holds a Memory's descriptive, non-embedding fields.
type Attributes struct {
	Keywords   []string
	Tags       map[string]struct{}
	Context    string
	Importance float64
	Confidence float64
	Emotion    string
	Source     string
	Language   string
	Custom     map[string]any
}

// Metadata holds a Memory's lifecycle bookkeeping fields.
type Metadata struct {
	CreatedAt    int64
	UpdatedAt    int64
	LastAccessed int64
	AccessCount  int64
	Version      int64
	IsDeleted    bool
	DeletedAt    int64
}

// Memory is the engine's atomic unit of remembered content (spec.md §3).
type Memory struct {
	ID          string
	Content     string
	MemoryType  MemoryType
	Embedding   []float32
	Attributes  Attributes
	Connections map[string]struct{}
	Metadata    Metadata
}

// New constructs a Memory, allocating a fresh id and validating the
// invariants a constructor can check without store access: non-empty
// bounded content, a recognized MemoryType, and (if supplied) a non-zero
// embedding. The embedding may be nil if the caller intends the Manager to
// fetch one from the Embedding Provider.
func New(content string, memType MemoryType, embedding []float32, attrs Attributes, now int64) (*Memory, error) {
	if content == "" {
		return nil, errs.New(errs.InvariantViolation, "model.New", fmt.Errorf("content must be non-empty"))
	}
	if len(content) > MaxContentBytes {
		return nil, errs.New(errs.InvariantViolation, "model.New", fmt.Errorf("content exceeds %d bytes", MaxContentBytes))
	}
	if !memType.valid() {
		return nil, errs.New(errs.InvariantViolation, "model.New", fmt.Errorf("unrecognized memory type %q", memType))
	}
	if embedding != nil && normSq(embedding) == 0 {
		return nil, errs.New(errs.InvariantViolation, "model.New", fmt.Errorf("embedding must have non-zero norm"))
	}
	if attrs.Importance < 0 || attrs.Importance > 1 {
		return nil, errs.New(errs.InvariantViolation, "model.New", fmt.Errorf("importance %f out of [0,1]", attrs.Importance))
	}
	if attrs.Confidence < 0 || attrs.Confidence > 1 {
		return nil, errs.New(errs.InvariantViolation, "model.New", fmt.Errorf("confidence %f out of [0,1]", attrs.Confidence))
	}
	if attrs.Tags == nil {
		attrs.Tags = map[string]struct{}{}
	}
	if attrs.Custom == nil {
		attrs.Custom = map[string]any{}
	}
	return &Memory{
		ID:          idgen.Memory(),
		Content:     content,
		MemoryType:  memType,
		Embedding:   embedding,
		Attributes:  attrs,
		Connections: map[string]struct{}{},
		Metadata: Metadata{
			CreatedAt:    now,
			UpdatedAt:    now,
			LastAccessed: now,
			AccessCount:  0,
			Version:      1,
		},
	}, nil
}

func normSq(v []float32) float64 {
	var s float64
	for _, f := range v {
		s += float64(f) * float64(f)
	}
	return s
}

// Touch updates last-accessed bookkeeping: bumps access_count, refreshes
// last_accessed, and advances version (invariant I3: version strictly
// increases on any mutation, including a touch).
func (m *Memory) Touch(now int64) {
	m.Metadata.LastAccessed = now
	m.Metadata.AccessCount++
	m.Metadata.Version++
	if now > m.Metadata.UpdatedAt {
		m.Metadata.UpdatedAt = now
	}
}

// Equal reports identity equality (spec.md §4.C: "Equality is by id").
func (m *Memory) Equal(other *Memory) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.ID == other.ID
}
