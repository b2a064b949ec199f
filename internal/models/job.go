package models

import (
	"fmt"
	"time"
)

// JobKind enumerates the fixed set of periodic analytics jobs. The set is
// closed: the scheduler iterates AllJobKinds and anything else fails to parse.
type JobKind string

const (
	KindRefreshEntityMetricsView        JobKind = "refresh_entity_metrics_view"
	KindCalculateEntitySubEntityMetrics JobKind = "calculate_entity_sub_entity_metrics"
	KindUpdateHouseLead                 JobKind = "update_house_lead"
	KindCalculateHouseLeadMetrics       JobKind = "calculate_house_lead_metrics"
	KindTruncateRawActivity             JobKind = "truncate_raw_activity"
	KindRefreshDailyEntityMetrics       JobKind = "refresh_daily_entity_metrics"
)

// AllJobKinds lists every job kind in scheduling order.
var AllJobKinds = []JobKind{
	KindRefreshEntityMetricsView,
	KindCalculateEntitySubEntityMetrics,
	KindUpdateHouseLead,
	KindCalculateHouseLeadMetrics,
	KindTruncateRawActivity,
	KindRefreshDailyEntityMetrics,
}

func (k JobKind) String() string { return string(k) }

// ParseJobKind maps a string onto a known kind, or fails.
func ParseJobKind(s string) (JobKind, error) {
	for _, k := range AllJobKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// JobStatus is the lifecycle state persisted on a job run.
type JobStatus string

const (
	StatusWaiting    JobStatus = "waiting"
	StatusInProgress JobStatus = "in_progress"
	StatusSuccessful JobStatus = "successful"
	StatusFailed     JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

// Terminal reports whether a run in this status will never transition again.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// InvalidTransitionError is returned when a status change violates the run
// lifecycle. It indicates a bug in the caller, not a recoverable condition.
type InvalidTransitionError struct {
	From, To JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition from %s to %s", e.From, e.To)
}

// ValidateTransition checks a status change against the legal edges:
// waiting -> in_progress and in_progress -> successful|failed.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return &InvalidTransitionError{From: s, To: target}
	}
	return nil
}

func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case StatusWaiting:
		return target == StatusInProgress
	case StatusInProgress:
		return target == StatusSuccessful || target == StatusFailed
	default:
		// Terminal states never move again; a retry is a brand new run.
		return false
	}
}

// JobRun is one execution of a job kind, kept in the ledger as append-only
// history. The updated_at of the latest successful run doubles as the
// incremental checkpoint for that kind.
type JobRun struct {
	ID           string    `json:"id"`
	Kind         JobKind   `json:"kind"`
	Status       JobStatus `json:"status"`
	RowsAffected int64     `json:"rows_affected"`
	Summary      *string   `json:"summary,omitempty"`
	LastError    *string   `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
