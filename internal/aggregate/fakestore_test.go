package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"engagement-analytics/internal/models"
)

// fakeStore mirrors the Postgres upsert semantics in memory: keyed replace
// for metrics tables, GREATEST for last_interacted_at, interaction counts
// recomputed from engagement history.
type fakeStore struct {
	mu            sync.Mutex
	activity      []models.ActivityEvent
	entityMetrics map[int64]models.EntityMetrics
	dailyMetrics  map[string]models.EntityMetricsDaily
	distributions map[string]models.SubEntityDistribution
	leadEvents    map[string]models.ActivityEvent
	leads         map[string]models.HouseLead
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entityMetrics: make(map[int64]models.EntityMetrics),
		dailyMetrics:  make(map[string]models.EntityMetricsDaily),
		distributions: make(map[string]models.SubEntityDistribution),
		leadEvents:    make(map[string]models.ActivityEvent),
		leads:         make(map[string]models.HouseLead),
	}
}

func leadID(aid string, entityID int64) string {
	return fmt.Sprintf("%s|%d", aid, entityID)
}

func dailyID(entityID int64, day time.Time) string {
	return fmt.Sprintf("%d|%s", entityID, day.UTC().Format("2006-01-02"))
}

func distID(entityID, subEntityID int64) string {
	return fmt.Sprintf("%d|%d", entityID, subEntityID)
}

func (f *fakeStore) add(events ...models.ActivityEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, events...)
}

func (f *fakeStore) ActivityInWindow(_ context.Context, from, to time.Time) ([]models.ActivityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ActivityEvent
	for _, ev := range f.activity {
		if !ev.OccurredAt.Before(from) && ev.OccurredAt.Before(to) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (f *fakeStore) ActivityBefore(_ context.Context, cutoff time.Time) ([]models.ActivityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ActivityEvent
	for _, ev := range f.activity {
		if ev.OccurredAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteActivityBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []models.ActivityEvent
	var deleted int64
	for _, ev := range f.activity {
		if ev.OccurredAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	f.activity = kept
	return deleted, nil
}

func (f *fakeStore) DeleteActivityByIDs(_ context.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []models.ActivityEvent
	var deleted int64
	for _, ev := range f.activity {
		if drop[ev.ID] {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	f.activity = kept
	return deleted, nil
}

func (f *fakeStore) UpsertEntityMetrics(_ context.Context, m models.EntityMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityMetrics[m.EntityID] = m
	return nil
}

func (f *fakeStore) UpsertEntityMetricsDaily(_ context.Context, m models.EntityMetricsDaily) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dailyMetrics[dailyID(m.EntityID, m.Day)] = m
	return nil
}

func (f *fakeStore) UpsertSubEntityDistribution(_ context.Context, d models.SubEntityDistribution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distributions[distID(d.EntityID, d.SubEntityID)] = d
	return nil
}

func (f *fakeStore) AppendHouseLeadEvents(_ context.Context, events []models.ActivityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range events {
		if _, ok := f.leadEvents[ev.ID]; ok {
			continue
		}
		f.leadEvents[ev.ID] = ev
	}
	return nil
}

func (f *fakeStore) RefreshHouseLead(_ context.Context, aid string, entityID int64, lastInteractedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var interactions int64
	for _, ev := range f.leadEvents {
		if ev.AID == aid && ev.EntityID == entityID {
			interactions++
		}
	}
	key := leadID(aid, entityID)
	lead, ok := f.leads[key]
	if !ok {
		lead = models.HouseLead{AID: aid, EntityID: entityID, LastInteractedAt: lastInteractedAt, CreatedAt: time.Now().UTC()}
	}
	if lastInteractedAt.After(lead.LastInteractedAt) {
		lead.LastInteractedAt = lastInteractedAt
	}
	lead.Interactions = interactions
	lead.UpdatedAt = time.Now().UTC()
	f.leads[key] = lead
	return nil
}

func (f *fakeStore) HouseLeadsUpdatedSince(_ context.Context, since time.Time) ([]models.HouseLead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.HouseLead
	for _, lead := range f.leads {
		if !lead.UpdatedAt.Before(since) {
			out = append(out, lead)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateHouseLeadScore(_ context.Context, aid string, entityID int64, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := leadID(aid, entityID)
	lead, ok := f.leads[key]
	if !ok {
		return nil
	}
	lead.Score = score
	lead.UpdatedAt = time.Now().UTC()
	f.leads[key] = lead
	return nil
}

func (f *fakeStore) lead(aid string, entityID int64) (models.HouseLead, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead, ok := f.leads[leadID(aid, entityID)]
	return lead, ok
}
