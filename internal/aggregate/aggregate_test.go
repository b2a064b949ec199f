package aggregate

import (
	"context"
	"reflect"
	"testing"
	"time"

	"engagement-analytics/internal/models"
)

var testBase = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func ev(id, aid string, entityID int64, subEntityID *int64, eventType string, at time.Time) models.ActivityEvent {
	return models.ActivityEvent{
		ID:          id,
		AID:         aid,
		EntityID:    entityID,
		SubEntityID: subEntityID,
		EventType:   eventType,
		OccurredAt:  at,
	}
}

func ptr(n int64) *int64 { return &n }

func fullWindow() Window {
	return Window{To: testBase.Add(time.Hour)}
}

func TestEntityMetricsAggregator(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.add(
		ev("e1", "v1", 42, nil, models.EventView, testBase),
		ev("e2", "v2", 42, nil, models.EventView, testBase.Add(time.Minute)),
		ev("e3", "v1", 42, nil, models.EventComplete, testBase.Add(2*time.Minute)),
		ev("e4", "v3", 7, nil, models.EventView, testBase.Add(3*time.Minute)),
	)

	agg := &entityMetricsAggregator{store: st}
	outcome, err := agg.Run(ctx, fullWindow())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.RowsAffected != 2 {
		t.Fatalf("expected 2 entities written, got %d", outcome.RowsAffected)
	}

	m := st.entityMetrics[42]
	if m.Views != 2 || m.Completions != 1 || m.UniqueVisitors != 2 {
		t.Fatalf("entity 42 counters wrong: %+v", m)
	}
	if m := st.entityMetrics[7]; m.Views != 1 || m.UniqueVisitors != 1 {
		t.Fatalf("entity 7 counters wrong: %+v", m)
	}
}

func TestEntityMetricsIdempotentOverSameWindow(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.add(
		ev("e1", "v1", 42, nil, models.EventView, testBase),
		ev("e2", "v2", 42, nil, models.EventComplete, testBase.Add(time.Minute)),
	)

	agg := &entityMetricsAggregator{store: st}
	if _, err := agg.Run(ctx, fullWindow()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := st.entityMetrics[42]

	if _, err := agg.Run(ctx, fullWindow()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(st.entityMetrics[42], first) {
		t.Fatalf("replaying the window changed state: %+v vs %+v", st.entityMetrics[42], first)
	}
}

func TestEntityMetricsWindowExcludesOutsideEvents(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.add(
		ev("old", "v1", 42, nil, models.EventView, testBase.Add(-time.Hour)),
		ev("in", "v1", 42, nil, models.EventView, testBase),
	)

	agg := &entityMetricsAggregator{store: st}
	if _, err := agg.Run(ctx, Window{From: testBase, To: testBase.Add(time.Hour)}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m := st.entityMetrics[42]; m.Views != 1 {
		t.Fatalf("expected only the in-window view, got %+v", m)
	}
}

func TestDailyEntityMetricsGroupsByDay(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.add(
		ev("e1", "v1", 42, nil, models.EventView, testBase),
		ev("e2", "v1", 42, nil, models.EventView, testBase.AddDate(0, 0, 1)),
		ev("e3", "v2", 42, nil, models.EventComplete, testBase.AddDate(0, 0, 1).Add(time.Hour)),
	)

	agg := &dailyEntityMetricsAggregator{store: st}
	outcome, err := agg.Run(ctx, Window{To: testBase.AddDate(0, 0, 2)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.RowsAffected != 2 {
		t.Fatalf("expected 2 entity-days, got %d", outcome.RowsAffected)
	}

	day1 := st.dailyMetrics[dailyID(42, testBase)]
	if day1.Views != 1 || day1.UniqueVisitors != 1 {
		t.Fatalf("day 1 wrong: %+v", day1)
	}
	day2 := st.dailyMetrics[dailyID(42, testBase.AddDate(0, 0, 1))]
	if day2.Views != 1 || day2.Completions != 1 || day2.UniqueVisitors != 2 {
		t.Fatalf("day 2 wrong: %+v", day2)
	}
}

func TestSubEntityDistribution(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.add(
		ev("e1", "v1", 42, ptr(1), models.EventView, testBase),
		ev("e2", "v2", 42, ptr(1), models.EventView, testBase.Add(time.Minute)),
		ev("e3", "v1", 42, ptr(2), models.EventView, testBase.Add(2*time.Minute)),
		ev("e4", "v1", 42, nil, models.EventView, testBase.Add(3*time.Minute)),
	)

	agg := &subEntityAggregator{store: st}
	outcome, err := agg.Run(ctx, fullWindow())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.RowsAffected != 2 {
		t.Fatalf("expected 2 pairs, got %d", outcome.RowsAffected)
	}
	if d := st.distributions[distID(42, 1)]; d.Events != 2 {
		t.Fatalf("pair (42,1) wrong: %+v", d)
	}
	if d := st.distributions[distID(42, 2)]; d.Events != 1 {
		t.Fatalf("pair (42,2) wrong: %+v", d)
	}
}

func TestHouseLeadLastInteractedIsMax(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	t1 := testBase
	t2 := testBase.Add(10 * time.Minute)
	// Deliberately out of insertion order; max must win regardless.
	st.add(
		ev("e2", "v1", 42, nil, models.EventView, t2),
		ev("e1", "v1", 42, nil, models.EventView, t1),
	)

	agg := &houseLeadAggregator{store: st}
	if _, err := agg.Run(ctx, fullWindow()); err != nil {
		t.Fatalf("run: %v", err)
	}

	lead, ok := st.lead("v1", 42)
	if !ok {
		t.Fatal("lead not created")
	}
	if !lead.LastInteractedAt.Equal(t2) {
		t.Fatalf("last_interacted_at = %s, want %s", lead.LastInteractedAt, t2)
	}
	if lead.Interactions != 2 {
		t.Fatalf("interactions = %d, want 2", lead.Interactions)
	}
}

func TestHouseLeadReplayDoesNotDoubleCount(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.add(
		ev("e1", "v1", 42, nil, models.EventView, testBase),
		ev("e2", "v1", 42, nil, models.EventView, testBase.Add(time.Minute)),
	)

	agg := &houseLeadAggregator{store: st}
	if _, err := agg.Run(ctx, fullWindow()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := agg.Run(ctx, fullWindow()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	lead, _ := st.lead("v1", 42)
	if lead.Interactions != 2 {
		t.Fatalf("replay doubled interactions: %d", lead.Interactions)
	}
}

func TestDefaultScorePolicyMonotonic(t *testing.T) {
	p := DefaultScorePolicy{HalfLife: 24 * time.Hour}
	now := testBase

	if p.Score(5, now, now) <= p.Score(3, now, now) {
		t.Fatal("score must grow with interaction count")
	}
	recent := p.Score(5, now.Add(-time.Hour), now)
	stale := p.Score(5, now.Add(-72*time.Hour), now)
	if recent <= stale {
		t.Fatal("score must grow with recency")
	}
	if p.Score(0, now, now) != 0 {
		t.Fatal("zero interactions must score zero")
	}
}

func TestHouseLeadMetricsRescores(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.add(
		ev("e1", "v1", 42, nil, models.EventView, testBase),
		ev("e2", "v1", 42, nil, models.EventView, testBase.Add(time.Minute)),
	)
	leadAgg := &houseLeadAggregator{store: st}
	if _, err := leadAgg.Run(ctx, fullWindow()); err != nil {
		t.Fatalf("lead run: %v", err)
	}

	now := testBase.Add(2 * time.Hour)
	scoreAgg := &houseLeadMetricsAggregator{
		store:  st,
		policy: DefaultScorePolicy{HalfLife: 24 * time.Hour},
		now:    func() time.Time { return now },
	}
	outcome, err := scoreAgg.Run(ctx, Window{})
	if err != nil {
		t.Fatalf("score run: %v", err)
	}
	if outcome.RowsAffected != 1 {
		t.Fatalf("expected 1 lead rescored, got %d", outcome.RowsAffected)
	}

	lead, _ := st.lead("v1", 42)
	if lead.Score <= 0 {
		t.Fatalf("expected positive score, got %f", lead.Score)
	}
	if lead.Score > 2 {
		t.Fatalf("score must not exceed interaction count before decay: %f", lead.Score)
	}
}

func TestTruncateDeletesStrictlyOlderOnly(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	retention := 30 * 24 * time.Hour
	now := testBase
	cutoff := now.Add(-retention)
	st.add(
		ev("old", "v1", 42, nil, models.EventView, cutoff.Add(-time.Second)),
		ev("boundary", "v1", 42, nil, models.EventView, cutoff),
		ev("new", "v1", 42, nil, models.EventView, now.Add(-time.Hour)),
	)

	agg := &truncateAggregator{store: st, retention: retention, now: func() time.Time { return now }}
	outcome, err := agg.Run(ctx, Window{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.RowsAffected != 1 {
		t.Fatalf("expected exactly 1 row deleted, got %d", outcome.RowsAffected)
	}
	if len(st.activity) != 2 {
		t.Fatalf("boundary or newer rows were deleted: %d left", len(st.activity))
	}
}

type recordingArchiver struct {
	events    []models.ActivityEvent
	onArchive func()
}

func (r *recordingArchiver) Archive(_ context.Context, _ time.Time, events []models.ActivityEvent) (string, error) {
	r.events = append(r.events, events...)
	if r.onArchive != nil {
		r.onArchive()
	}
	return "s3://archive/test.jsonl", nil
}

func TestTruncateArchivesBeforeDelete(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	retention := 24 * time.Hour
	now := testBase
	st.add(
		ev("old", "v1", 42, nil, models.EventView, now.Add(-48*time.Hour)),
		ev("new", "v1", 42, nil, models.EventView, now.Add(-time.Hour)),
	)

	rec := &recordingArchiver{}
	agg := &truncateAggregator{store: st, retention: retention, archiver: rec, now: func() time.Time { return now }}
	outcome, err := agg.Run(ctx, Window{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].ID != "old" {
		t.Fatalf("archived the wrong rows: %+v", rec.events)
	}
	if outcome.RowsAffected != 1 {
		t.Fatalf("expected 1 row deleted, got %d", outcome.RowsAffected)
	}
}

func TestTruncateNeverDeletesUnarchivedBackfill(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	retention := 24 * time.Hour
	now := testBase
	st.add(ev("old", "v1", 42, nil, models.EventView, now.Add(-48*time.Hour)))

	// A late backfill lands under the cutoff after the archive read.
	rec := &recordingArchiver{}
	rec.onArchive = func() {
		st.add(ev("backfill", "v2", 42, nil, models.EventView, now.Add(-36*time.Hour)))
	}
	agg := &truncateAggregator{store: st, retention: retention, archiver: rec, now: func() time.Time { return now }}

	outcome, err := agg.Run(ctx, Window{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.RowsAffected != 1 {
		t.Fatalf("expected only the archived row deleted, got %d", outcome.RowsAffected)
	}
	if len(st.activity) != 1 || st.activity[0].ID != "backfill" {
		t.Fatalf("backfilled row must survive until archived: %+v", st.activity)
	}

	// The next pass archives and prunes the straggler.
	rec.onArchive = nil
	if _, err := agg.Run(ctx, Window{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(st.activity) != 0 {
		t.Fatalf("expected backfill pruned on the next pass: %+v", st.activity)
	}
	if len(rec.events) != 2 {
		t.Fatalf("expected both rows archived, got %d", len(rec.events))
	}
}

func TestAllCoversEveryKind(t *testing.T) {
	aggs := All(Deps{Store: newFakeStore(), Retention: time.Hour})
	seen := make(map[models.JobKind]bool)
	for _, a := range aggs {
		seen[a.Kind()] = true
	}
	for _, k := range models.AllJobKinds {
		if !seen[k] {
			t.Fatalf("no aggregator for kind %s", k)
		}
	}
}
