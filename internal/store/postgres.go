package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"engagement-analytics/internal/models"
)

// Store wraps pgxpool for Postgres persistence of raw activity and the
// derived analytics tables. All upserts are keyed; re-applying the same
// write for a key replaces rather than accumulates.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so the job ledger can share connections.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// InsertActivity appends a raw event to the immutable log and its
// time-partitioned projection. Duplicate event ids are ignored so replayed
// deliveries are harmless.
func (s *Store) InsertActivity(ctx context.Context, ev models.ActivityEvent) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO activity_events (id, aid, entity_id, sub_entity_id, event_type, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.AID, ev.EntityID, ev.SubEntityID, ev.EventType, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO activity_dt (id, aid, entity_id, sub_entity_id, event_type, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, ev.AID, ev.EntityID, ev.SubEntityID, ev.EventType, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert activity_dt: %w", err)
	}
	return tx.Commit(ctx)
}

// ActivityInWindow reads events with from <= occurred_at < to, ordered by time.
func (s *Store) ActivityInWindow(ctx context.Context, from, to time.Time) ([]models.ActivityEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aid, entity_id, sub_entity_id, event_type, occurred_at
		FROM activity_dt
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at ASC, id ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query activity window: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ActivityBefore reads events strictly older than the cutoff, oldest first.
// Used to export rows ahead of retention truncation.
func (s *Store) ActivityBefore(ctx context.Context, cutoff time.Time) ([]models.ActivityEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aid, entity_id, sub_entity_id, event_type, occurred_at
		FROM activity_dt
		WHERE occurred_at < $1
		ORDER BY occurred_at ASC, id ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query activity before cutoff: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteActivityBefore removes events strictly older than the cutoff from the
// partitioned projection. The canonical activity_events log is never touched.
func (s *Store) DeleteActivityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM activity_dt WHERE occurred_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete activity before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteActivityByIDs removes exactly the given rows from the partitioned
// projection. Used after archiving so rows backfilled between the read and
// the delete are never dropped unarchived.
func (s *Store) DeleteActivityByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM activity_dt WHERE id = ANY($1::uuid[])
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete activity by ids: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertEntityMetrics replaces the aggregate counters for one entity.
func (s *Store) UpsertEntityMetrics(ctx context.Context, m models.EntityMetrics) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_metrics (entity_id, views, completions, unique_visitors, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (entity_id) DO UPDATE
		SET views = EXCLUDED.views,
		    completions = EXCLUDED.completions,
		    unique_visitors = EXCLUDED.unique_visitors,
		    updated_at = NOW()
	`, m.EntityID, m.Views, m.Completions, m.UniqueVisitors)
	if err != nil {
		return fmt.Errorf("upsert entity metrics: %w", err)
	}
	return nil
}

// GetEntityMetrics fetches the current aggregate row for an entity.
func (s *Store) GetEntityMetrics(ctx context.Context, entityID int64) (models.EntityMetrics, bool, error) {
	var m models.EntityMetrics
	err := s.pool.QueryRow(ctx, `
		SELECT entity_id, views, completions, unique_visitors, updated_at
		FROM entity_metrics WHERE entity_id = $1
	`, entityID).Scan(&m.EntityID, &m.Views, &m.Completions, &m.UniqueVisitors, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EntityMetrics{}, false, nil
	}
	if err != nil {
		return models.EntityMetrics{}, false, fmt.Errorf("query entity metrics: %w", err)
	}
	return m, true, nil
}

// UpsertEntityMetricsDaily replaces the counters for one (entity, day) key.
func (s *Store) UpsertEntityMetricsDaily(ctx context.Context, m models.EntityMetricsDaily) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_metrics_daily (entity_id, day, views, completions, unique_visitors, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (entity_id, day) DO UPDATE
		SET views = EXCLUDED.views,
		    completions = EXCLUDED.completions,
		    unique_visitors = EXCLUDED.unique_visitors,
		    updated_at = NOW()
	`, m.EntityID, m.Day, m.Views, m.Completions, m.UniqueVisitors)
	if err != nil {
		return fmt.Errorf("upsert daily entity metrics: %w", err)
	}
	return nil
}

// DailyEntityMetrics lists daily rows for an entity from a given day forward.
func (s *Store) DailyEntityMetrics(ctx context.Context, entityID int64, fromDay time.Time) ([]models.EntityMetricsDaily, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, day, views, completions, unique_visitors, updated_at
		FROM entity_metrics_daily
		WHERE entity_id = $1 AND day >= $2
		ORDER BY day ASC
	`, entityID, fromDay)
	if err != nil {
		return nil, fmt.Errorf("query daily entity metrics: %w", err)
	}
	defer rows.Close()

	var out []models.EntityMetricsDaily
	for rows.Next() {
		var m models.EntityMetricsDaily
		if err := rows.Scan(&m.EntityID, &m.Day, &m.Views, &m.Completions, &m.UniqueVisitors, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan daily entity metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertSubEntityDistribution replaces the event count for one
// (entity, sub-entity) key.
func (s *Store) UpsertSubEntityDistribution(ctx context.Context, d models.SubEntityDistribution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_sub_entity_distribution (entity_id, sub_entity_id, events, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (entity_id, sub_entity_id) DO UPDATE
		SET events = EXCLUDED.events, updated_at = NOW()
	`, d.EntityID, d.SubEntityID, d.Events)
	if err != nil {
		return fmt.Errorf("upsert sub-entity distribution: %w", err)
	}
	return nil
}

// SubEntityDistribution lists distribution rows for one entity.
func (s *Store) SubEntityDistribution(ctx context.Context, entityID int64) ([]models.SubEntityDistribution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, sub_entity_id, events, updated_at
		FROM entity_sub_entity_distribution
		WHERE entity_id = $1
		ORDER BY events DESC, sub_entity_id ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query sub-entity distribution: %w", err)
	}
	defer rows.Close()

	var out []models.SubEntityDistribution
	for rows.Next() {
		var d models.SubEntityDistribution
		if err := rows.Scan(&d.EntityID, &d.SubEntityID, &d.Events, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sub-entity distribution: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AppendHouseLeadEvents records engagement history keyed by event id, so a
// replayed window appends nothing new.
func (s *Store) AppendHouseLeadEvents(ctx context.Context, events []models.ActivityEvent) error {
	for _, ev := range events {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO house_lead_events (event_id, aid, entity_id, event_type, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.ID, ev.AID, ev.EntityID, ev.EventType, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("append house lead event: %w", err)
		}
	}
	return nil
}

// RefreshHouseLead upserts the lead row for (aid, entity). The interaction
// count is recomputed from history and last_interacted_at only moves forward.
func (s *Store) RefreshHouseLead(ctx context.Context, aid string, entityID int64, lastInteractedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO house_leads (aid, entity_id, interactions, score, last_interacted_at, created_at, updated_at)
		VALUES (
			$1, $2,
			(SELECT COUNT(*) FROM house_lead_events WHERE aid = $1 AND entity_id = $2),
			0, $3, NOW(), NOW()
		)
		ON CONFLICT (aid, entity_id) DO UPDATE
		SET interactions = (SELECT COUNT(*) FROM house_lead_events WHERE aid = $1 AND entity_id = $2),
		    last_interacted_at = GREATEST(house_leads.last_interacted_at, EXCLUDED.last_interacted_at),
		    updated_at = NOW()
	`, aid, entityID, lastInteractedAt)
	if err != nil {
		return fmt.Errorf("refresh house lead: %w", err)
	}
	return nil
}

// HouseLeadsUpdatedSince lists leads touched at or after the given time.
// A zero time lists every lead.
func (s *Store) HouseLeadsUpdatedSince(ctx context.Context, since time.Time) ([]models.HouseLead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT aid, entity_id, interactions, score, last_interacted_at, created_at, updated_at
		FROM house_leads
		WHERE updated_at >= $1
		ORDER BY updated_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query house leads: %w", err)
	}
	defer rows.Close()

	var out []models.HouseLead
	for rows.Next() {
		var l models.HouseLead
		if err := rows.Scan(&l.AID, &l.EntityID, &l.Interactions, &l.Score, &l.LastInteractedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan house lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateHouseLeadScore writes a recomputed score onto an existing lead.
func (s *Store) UpdateHouseLeadScore(ctx context.Context, aid string, entityID int64, score float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE house_leads SET score = $3, updated_at = NOW()
		WHERE aid = $1 AND entity_id = $2
	`, aid, entityID, score)
	if err != nil {
		return fmt.Errorf("update house lead score: %w", err)
	}
	return nil
}

// HouseLeadsForVisitor lists every lead row for one visitor.
func (s *Store) HouseLeadsForVisitor(ctx context.Context, aid string) ([]models.HouseLead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT aid, entity_id, interactions, score, last_interacted_at, created_at, updated_at
		FROM house_leads
		WHERE aid = $1
		ORDER BY score DESC, entity_id ASC
	`, aid)
	if err != nil {
		return nil, fmt.Errorf("query visitor house leads: %w", err)
	}
	defer rows.Close()

	var out []models.HouseLead
	for rows.Next() {
		var l models.HouseLead
		if err := rows.Scan(&l.AID, &l.EntityID, &l.Interactions, &l.Score, &l.LastInteractedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan house lead: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetProfile fetches the stored attribute bag for a visitor.
func (s *Store) GetProfile(ctx context.Context, aid string) (models.VisitorProfile, bool, error) {
	var p models.VisitorProfile
	var attrsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT aid, attrs, updated_at FROM visitor_profiles WHERE aid = $1
	`, aid).Scan(&p.AID, &attrsJSON, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VisitorProfile{}, false, nil
	}
	if err != nil {
		return models.VisitorProfile{}, false, fmt.Errorf("query visitor profile: %w", err)
	}
	if err := json.Unmarshal(attrsJSON, &p.Attrs); err != nil {
		return models.VisitorProfile{}, false, fmt.Errorf("unmarshal profile attrs: %w", err)
	}
	return p, true, nil
}

// MergeProfile applies fn to the visitor's stored attribute bag under a row
// lock, creating the row when absent. The lock serializes concurrent merges
// for one aid; merges for different aids proceed independently.
func (s *Store) MergeProfile(ctx context.Context, aid string, fn func(existing map[string]any) map[string]any) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO visitor_profiles (aid, attrs, updated_at)
		VALUES ($1, '{}'::jsonb, NOW())
		ON CONFLICT (aid) DO NOTHING
	`, aid)
	if err != nil {
		return fmt.Errorf("ensure visitor profile: %w", err)
	}

	var attrsJSON []byte
	if err := tx.QueryRow(ctx, `
		SELECT attrs FROM visitor_profiles WHERE aid = $1 FOR UPDATE
	`, aid).Scan(&attrsJSON); err != nil {
		return fmt.Errorf("lock visitor profile: %w", err)
	}

	var existing map[string]any
	if err := json.Unmarshal(attrsJSON, &existing); err != nil {
		return fmt.Errorf("unmarshal profile attrs: %w", err)
	}

	merged, err := json.Marshal(fn(existing))
	if err != nil {
		return fmt.Errorf("marshal merged attrs: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE visitor_profiles SET attrs = $2, updated_at = NOW() WHERE aid = $1
	`, aid, merged); err != nil {
		return fmt.Errorf("update visitor profile: %w", err)
	}
	return tx.Commit(ctx)
}

func scanEvents(rows pgx.Rows) ([]models.ActivityEvent, error) {
	var out []models.ActivityEvent
	for rows.Next() {
		var ev models.ActivityEvent
		if err := rows.Scan(&ev.ID, &ev.AID, &ev.EntityID, &ev.SubEntityID, &ev.EventType, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
