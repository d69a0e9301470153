package models

import "time"

// CounterKind classifies what a review counter measures.
type CounterKind string

// Review counter kinds.
const (
	CounterUsage       CounterKind = "usage"
	CounterSuccess     CounterKind = "success"
	CounterFailure     CounterKind = "failure"
	CounterError       CounterKind = "error"
	CounterDegradation CounterKind = "performance_degradation"
)

// ReviewCounter is a rolling counter keyed by (entity type, entity id,
// kind). When Count reaches Threshold a review_triggered event is emitted
// and the counter resets.
type ReviewCounter struct {
	EntityType EntityType  `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Kind       CounterKind `json:"kind"`
	Count      int         `json:"count"`
	Threshold  int         `json:"threshold"`
	LastReview *time.Time  `json:"last_review,omitempty"`
}

// CounterKey uniquely identifies a review counter.
type CounterKey struct {
	EntityType EntityType
	EntityID   string
	Kind       CounterKind
}
