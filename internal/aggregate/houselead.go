package aggregate

import (
	"context"
	"fmt"
	"math"
	"time"

	"engagement-analytics/internal/models"
)

// houseLeadAggregator folds window activity into house leads: engagement
// history keyed by event id (so replays append nothing) and the lead row's
// last_interacted_at pushed forward to the max timestamp seen.
type houseLeadAggregator struct {
	store Store
}

func (a *houseLeadAggregator) Kind() models.JobKind { return models.KindUpdateHouseLead }

type leadKey struct {
	aid      string
	entityID int64
}

func (a *houseLeadAggregator) Run(ctx context.Context, window Window) (Outcome, error) {
	events, err := a.store.ActivityInWindow(ctx, window.From, window.To)
	if err != nil {
		return Outcome{}, err
	}
	if err := a.store.AppendHouseLeadEvents(ctx, events); err != nil {
		return Outcome{}, err
	}

	lastSeen := make(map[leadKey]time.Time)
	for _, ev := range events {
		key := leadKey{aid: ev.AID, entityID: ev.EntityID}
		if ev.OccurredAt.After(lastSeen[key]) {
			lastSeen[key] = ev.OccurredAt
		}
	}

	var written int64
	for key, last := range lastSeen {
		if err := a.store.RefreshHouseLead(ctx, key.aid, key.entityID, last); err != nil {
			return Outcome{}, err
		}
		written++
	}
	return Outcome{
		RowsAffected: written,
		Summary:      fmt.Sprintf("%d leads from %d events", written, len(events)),
	}, nil
}

// ScorePolicy turns accumulated engagement signals into a lead score. The
// formula is a replaceable policy; implementations must be monotonic in
// interaction count and in recency.
type ScorePolicy interface {
	Score(interactions int64, lastInteractedAt, now time.Time) float64
}

// DefaultScorePolicy weights the interaction count by an exponential decay
// on time since the last interaction.
type DefaultScorePolicy struct {
	HalfLife time.Duration
}

func (p DefaultScorePolicy) Score(interactions int64, lastInteractedAt, now time.Time) float64 {
	if interactions <= 0 {
		return 0
	}
	age := now.Sub(lastInteractedAt)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-age.Hours() / p.HalfLife.Hours())
	return float64(interactions) * decay
}

// houseLeadMetricsAggregator rescores leads touched since the checkpoint.
// A zero window start rescores every lead.
type houseLeadMetricsAggregator struct {
	store  Store
	policy ScorePolicy
	now    func() time.Time
}

func (a *houseLeadMetricsAggregator) Kind() models.JobKind {
	return models.KindCalculateHouseLeadMetrics
}

func (a *houseLeadMetricsAggregator) Run(ctx context.Context, window Window) (Outcome, error) {
	leads, err := a.store.HouseLeadsUpdatedSince(ctx, window.From)
	if err != nil {
		return Outcome{}, err
	}

	now := a.now()
	var written int64
	for _, lead := range leads {
		score := a.policy.Score(lead.Interactions, lead.LastInteractedAt, now)
		if err := a.store.UpdateHouseLeadScore(ctx, lead.AID, lead.EntityID, score); err != nil {
			return Outcome{}, err
		}
		written++
	}
	return Outcome{
		RowsAffected: written,
		Summary:      fmt.Sprintf("%d leads rescored", written),
	}, nil
}
