package models

import (
	"time"
)

// ActivityEvent is one raw tracked interaction. Rows are immutable once
// written; aggregation always recomputes from them.
type ActivityEvent struct {
	ID          string    `json:"id"`
	AID         string    `json:"aid"`
	EntityID    int64     `json:"entity_id"`
	SubEntityID *int64    `json:"sub_entity_id,omitempty"`
	EventType   string    `json:"event_type"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Event types recorded in the activity log.
const (
	EventView     = "view"
	EventComplete = "complete"
)

// EntityMetrics is the current aggregate row for one entity.
type EntityMetrics struct {
	EntityID       int64     `json:"entity_id"`
	Views          int64     `json:"views"`
	Completions    int64     `json:"completions"`
	UniqueVisitors int64     `json:"unique_visitors"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EntityMetricsDaily is the per-calendar-day variant, keyed by (entity, day).
type EntityMetricsDaily struct {
	EntityID       int64     `json:"entity_id"`
	Day            time.Time `json:"day"`
	Views          int64     `json:"views"`
	Completions    int64     `json:"completions"`
	UniqueVisitors int64     `json:"unique_visitors"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SubEntityDistribution counts activity per (entity, sub-entity) pair.
type SubEntityDistribution struct {
	EntityID    int64     `json:"entity_id"`
	SubEntityID int64     `json:"sub_entity_id"`
	Events      int64     `json:"events"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HouseLead scores one visitor's engagement with one entity. Unique per
// (aid, entity_id); LastInteractedAt only ever moves forward.
type HouseLead struct {
	AID              string    `json:"aid"`
	EntityID         int64     `json:"entity_id"`
	Interactions     int64     `json:"interactions"`
	Score            float64   `json:"score"`
	LastInteractedAt time.Time `json:"last_interacted_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// VisitorProfile holds the semi-structured attribute bag for one anonymous
// visitor: device/geo detection output plus vendor-enriched fields.
type VisitorProfile struct {
	AID       string         `json:"aid"`
	Attrs     map[string]any `json:"attrs"`
	UpdatedAt time.Time      `json:"updated_at"`
}
