package aggregate

import (
	"context"
	"fmt"

	"engagement-analytics/internal/models"
)

// subEntityAggregator recomputes the event distribution per
// (entity, sub-entity) pair. Events without a sub-entity are skipped.
type subEntityAggregator struct {
	store Store
}

func (a *subEntityAggregator) Kind() models.JobKind {
	return models.KindCalculateEntitySubEntityMetrics
}

type entitySubEntity struct {
	entityID    int64
	subEntityID int64
}

func (a *subEntityAggregator) Run(ctx context.Context, window Window) (Outcome, error) {
	events, err := a.store.ActivityInWindow(ctx, window.From, window.To)
	if err != nil {
		return Outcome{}, err
	}

	counts := make(map[entitySubEntity]int64)
	for _, ev := range events {
		if ev.SubEntityID == nil {
			continue
		}
		counts[entitySubEntity{entityID: ev.EntityID, subEntityID: *ev.SubEntityID}]++
	}

	var written int64
	for key, n := range counts {
		d := models.SubEntityDistribution{
			EntityID:    key.entityID,
			SubEntityID: key.subEntityID,
			Events:      n,
		}
		if err := a.store.UpsertSubEntityDistribution(ctx, d); err != nil {
			return Outcome{}, err
		}
		written++
	}
	return Outcome{
		RowsAffected: written,
		Summary:      fmt.Sprintf("%d pairs from %d events", written, len(events)),
	}, nil
}
