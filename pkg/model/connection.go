package model

import (
	"fmt"

	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/idgen"
)

// ConnectionType is the closed set of typed edges between Memories.
type ConnectionType string

const (
	Semantic     ConnectionType = "Semantic"
	Temporal     ConnectionType = "Temporal"
	Causal       ConnectionType = "Causal"
	Contextual   ConnectionType = "Contextual"
	Hierarchical ConnectionType = "Hierarchical"
	Associative  ConnectionType = "Associative"
)

func (t ConnectionType) valid() bool {
	switch t {
	case Semantic, Temporal, Causal, Contextual, Hierarchical, Associative:
		return true
	}
	return false
}

// Connection is a typed, weighted directed edge between two Memories
// (spec.md §3).
type Connection struct {
	ID         string
	From       string
	To         string
	Type       ConnectionType
	Weight     float64
	CreatedAt  int64
	UpdatedAt  int64
	Properties map[string]any
}

// NewConnection constructs a Connection, rejecting self-loops (invariant
// I6) and out-of-range weights up front; endpoint existence is the caller's
// (Manager's) responsibility since it requires store access.
func NewConnection(from, to string, connType ConnectionType, weight float64, now int64) (*Connection, error) {
	if from == to {
		return nil, errs.New(errs.InvariantViolation, "model.NewConnection", fmt.Errorf("self-loops are not permitted (from == to == %s)", from))
	}
	if !connType.valid() {
		return nil, errs.New(errs.InvariantViolation, "model.NewConnection", fmt.Errorf("unrecognized connection type %q", connType))
	}
	if weight < 0 || weight > 1 {
		return nil, errs.New(errs.InvariantViolation, "model.NewConnection", fmt.Errorf("weight %f out of [0,1]", weight))
	}
	return &Connection{
		ID:         idgen.Connection(),
		From:       from,
		To:         to,
		Type:       connType,
		Weight:     weight,
		CreatedAt:  now,
		UpdatedAt:  now,
		Properties: map[string]any{},
	}, nil
}

// clamp01 keeps a value within [0,1] (invariant I5).
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
