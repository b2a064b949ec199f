package aggregate

import (
	"context"
	"fmt"
	"time"

	"engagement-analytics/internal/models"
)

// Archiver exports rows about to be pruned. The truncate aggregator calls it
// before deleting when one is configured.
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, events []models.ActivityEvent) (string, error)
}

// truncateAggregator prunes the time-partitioned activity projection. The
// boundary is always now minus retention, never the checkpoint, and the
// delete is strict: rows at or after the boundary survive.
type truncateAggregator struct {
	store     Store
	retention time.Duration
	archiver  Archiver
	now       func() time.Time
}

func (a *truncateAggregator) Kind() models.JobKind { return models.KindTruncateRawActivity }

func (a *truncateAggregator) Run(ctx context.Context, _ Window) (Outcome, error) {
	cutoff := a.now().Add(-a.retention)

	var deleted int64
	var location string
	if a.archiver != nil {
		events, err := a.store.ActivityBefore(ctx, cutoff)
		if err != nil {
			return Outcome{}, err
		}
		if len(events) > 0 {
			location, err = a.archiver.Archive(ctx, cutoff, events)
			if err != nil {
				return Outcome{}, fmt.Errorf("archive before truncate: %w", err)
			}
			ids := make([]string, len(events))
			for i, ev := range events {
				ids[i] = ev.ID
			}
			// Delete exactly the archived rows; anything backfilled under
			// the cutoff since the read waits for the next pass.
			deleted, err = a.store.DeleteActivityByIDs(ctx, ids)
			if err != nil {
				return Outcome{}, err
			}
		}
	} else {
		var err error
		deleted, err = a.store.DeleteActivityBefore(ctx, cutoff)
		if err != nil {
			return Outcome{}, err
		}
	}

	summary := fmt.Sprintf("%d rows older than %s deleted", deleted, cutoff.UTC().Format(time.RFC3339))
	if location != "" {
		summary += ", archived to " + location
	}
	return Outcome{RowsAffected: deleted, Summary: summary}, nil
}
