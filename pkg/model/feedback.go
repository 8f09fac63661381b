package model

import (
	"fmt"

	"github.com/kittclouds/memengine/internal/errs"
	"github.com/kittclouds/memengine/internal/idgen"
)

// FeedbackType is the closed set of feedback kinds, each carrying a
// distinct learning-rate weight (spec.md §4.F).
type FeedbackType string

const (
	Explicit  FeedbackType = "Explicit"
	Implicit  FeedbackType = "Implicit"
	Correction FeedbackType = "Correction"
	Rating    FeedbackType = "Rating"
)

// Weight returns w_type from spec.md §4.F's importance update rule.
func (t FeedbackType) Weight() float64 {
	switch t {
	case Explicit:
		return 1.0
	case Rating:
		return 0.8
	case Correction:
		return 0.6
	case Implicit:
		return 0.3
	default:
		return 0
	}
}

func (t FeedbackType) valid() bool {
	switch t {
	case Explicit, Implicit, Correction, Rating:
		return true
	}
	return false
}

// FeedbackContext records the retrieval circumstances a feedback record was
// produced under (spec.md §3, grounded on original_source's FeedbackContext).
type FeedbackContext struct {
	Query          string
	ResultPosition int
	SessionID      string
	TimeOfDay      string
	DayOfWeek      string
	DeviceType     string
}

// Feedback is one signed judgment about a retrieved Memory (spec.md §3).
type Feedback struct {
	ID        string
	MemoryID  string
	Type      FeedbackType
	Score     float64
	Context   FeedbackContext
	Timestamp int64
}

// NewFeedback constructs a Feedback record, validating score range and
// feedback type; the (memory_id, session_id, timestamp) idempotency check
// is the Store's job, since it requires a uniqueness scan.
func NewFeedback(memoryID string, fbType FeedbackType, score float64, ctx FeedbackContext, now int64) (*Feedback, error) {
	if memoryID == "" {
		return nil, errs.New(errs.InvariantViolation, "model.NewFeedback", fmt.Errorf("memory_id must be non-empty"))
	}
	if !fbType.valid() {
		return nil, errs.New(errs.InvariantViolation, "model.NewFeedback", fmt.Errorf("unrecognized feedback type %q", fbType))
	}
	if score < -1 || score > 1 {
		return nil, errs.New(errs.InvariantViolation, "model.NewFeedback", fmt.Errorf("score %f out of [-1,1]", score))
	}
	return &Feedback{
		ID:        idgen.Feedback(),
		MemoryID:  memoryID,
		Type:      fbType,
		Score:     score,
		Context:   ctx,
		Timestamp: now,
	}, nil
}

// LearningResult is one memory's outcome from a learning cycle pass
// (spec.md §4.F).
type LearningResult struct {
	MemoryID      string
	OldImportance float64
	NewImportance float64
	EdgesTouched  int
}
