package aggregate

import (
	"context"
	"time"

	"engagement-analytics/internal/models"
)

// Window is the half-open interval [From, To) an aggregator recomputes.
// From is the last successful checkpoint; a zero From means the beginning
// of recorded history.
type Window struct {
	From time.Time
	To   time.Time
}

// Outcome summarizes a finished aggregator run for the job ledger.
type Outcome struct {
	RowsAffected int64
	Summary      string
}

// Aggregator computes one job kind over a window. Implementations must be
// idempotent with respect to the window: re-running after a partial failure
// recomputes from source rows and upserts by key, never increments blindly.
type Aggregator interface {
	Kind() models.JobKind
	Run(ctx context.Context, window Window) (Outcome, error)
}

// Store is the slice of the metrics store the aggregators read and write.
type Store interface {
	ActivityInWindow(ctx context.Context, from, to time.Time) ([]models.ActivityEvent, error)
	ActivityBefore(ctx context.Context, cutoff time.Time) ([]models.ActivityEvent, error)
	DeleteActivityBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteActivityByIDs(ctx context.Context, ids []string) (int64, error)
	UpsertEntityMetrics(ctx context.Context, m models.EntityMetrics) error
	UpsertEntityMetricsDaily(ctx context.Context, m models.EntityMetricsDaily) error
	UpsertSubEntityDistribution(ctx context.Context, d models.SubEntityDistribution) error
	AppendHouseLeadEvents(ctx context.Context, events []models.ActivityEvent) error
	RefreshHouseLead(ctx context.Context, aid string, entityID int64, lastInteractedAt time.Time) error
	HouseLeadsUpdatedSince(ctx context.Context, since time.Time) ([]models.HouseLead, error)
	UpdateHouseLeadScore(ctx context.Context, aid string, entityID int64, score float64) error
}

// Deps carries everything the aggregator set needs beyond the store.
type Deps struct {
	Store     Store
	Retention time.Duration
	Archiver  Archiver // optional; nil skips the pre-truncation export
	Policy    ScorePolicy
	Now       func() time.Time
}

// All builds one aggregator per job kind.
func All(d Deps) []Aggregator {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Policy == nil {
		d.Policy = DefaultScorePolicy{HalfLife: 7 * 24 * time.Hour}
	}
	return []Aggregator{
		&entityMetricsAggregator{store: d.Store},
		&subEntityAggregator{store: d.Store},
		&houseLeadAggregator{store: d.Store},
		&houseLeadMetricsAggregator{store: d.Store, policy: d.Policy, now: d.Now},
		&truncateAggregator{store: d.Store, retention: d.Retention, archiver: d.Archiver, now: d.Now},
		&dailyEntityMetricsAggregator{store: d.Store},
	}
}
