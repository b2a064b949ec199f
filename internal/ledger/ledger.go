package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"engagement-analytics/internal/models"
)

// Ledger is the append-only job run history in Postgres. It is the sole
// authority for the single-flight check: a partial unique index on
// (kind) WHERE status = 'in_progress' backs the conditional claim, so the
// guarantee survives process restarts without any in-memory lock.
type Ledger struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool; the ledger shares the store's connection pool.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Insert persists a new run in waiting status and returns it.
func (l *Ledger) Insert(ctx context.Context, kind models.JobKind) (models.JobRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := l.pool.Exec(ctx, `
		INSERT INTO job_runs (id, kind, status, rows_affected, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
	`, id, string(kind), string(models.StatusWaiting), now)
	if err != nil {
		return models.JobRun{}, fmt.Errorf("insert job run: %w", err)
	}
	return models.JobRun{
		ID:        id,
		Kind:      kind,
		Status:    models.StatusWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Claim atomically moves a waiting run to in_progress, provided no other run
// of the same kind is already in_progress. Returns false when the claim lost
// to a concurrent run.
func (l *Ledger) Claim(ctx context.Context, id string, kind models.JobKind) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $3, updated_at = NOW()
		WHERE id = $1
		  AND status = $4
		  AND NOT EXISTS (
			SELECT 1 FROM job_runs WHERE kind = $2 AND status = $3
		  )
	`, id, string(kind), string(models.StatusInProgress), string(models.StatusWaiting))
	if err != nil {
		// Two tight racers can both pass the NOT EXISTS snapshot; the loser
		// then trips the partial unique index. That is a lost claim, not a
		// store failure.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim job run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Complete records the terminal outcome of an in_progress run. The WHERE
// clause only matches in_progress rows; zero rows affected means the caller
// attempted an illegal transition.
func (l *Ledger) Complete(ctx context.Context, id string, status models.JobStatus, rowsAffected int64, summary, lastError *string) (time.Time, error) {
	var updatedAt time.Time
	err := l.pool.QueryRow(ctx, `
		UPDATE job_runs
		SET status = $2, rows_affected = $3, summary = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
		RETURNING updated_at
	`, id, string(status), rowsAffected, summary, lastError, string(models.StatusInProgress)).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		current, found, ferr := l.findByID(ctx, id)
		if ferr != nil {
			return time.Time{}, ferr
		}
		if !found {
			return time.Time{}, fmt.Errorf("complete job run: run %s not found", id)
		}
		return time.Time{}, &models.InvalidTransitionError{From: current.Status, To: status}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("complete job run: %w", err)
	}
	return updatedAt, nil
}

const runColumns = `id, kind, status, rows_affected, summary, last_error, created_at, updated_at`

// FindLatest returns the most recent run of a kind. Ties on updated_at are
// broken by created_at then id so "most recent" stays deterministic.
func (l *Ledger) FindLatest(ctx context.Context, kind models.JobKind) (models.JobRun, bool, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE kind = $1
		ORDER BY updated_at DESC, created_at DESC, id DESC
		LIMIT 1
	`, string(kind))
	return scanRun(row)
}

// FindLatestByStatus returns the most recent run of a kind in a given status.
func (l *Ledger) FindLatestByStatus(ctx context.Context, kind models.JobKind, status models.JobStatus) (models.JobRun, bool, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE kind = $1 AND status = $2
		ORDER BY updated_at DESC, created_at DESC, id DESC
		LIMIT 1
	`, string(kind), string(status))
	return scanRun(row)
}

// RecentRuns lists the newest runs of a kind for the audit API.
func (l *Ledger) RecentRuns(ctx context.Context, kind models.JobKind, limit int) ([]models.JobRun, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE kind = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		run, _, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FindStale lists runs stuck in_progress since before the cutoff. The core
// never reclaims them; callers surface them for external reconciliation.
func (l *Ledger) FindStale(ctx context.Context, cutoff time.Time) ([]models.JobRun, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM job_runs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
	`, string(models.StatusInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale runs: %w", err)
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		run, _, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (l *Ledger) findByID(ctx context.Context, id string) (models.JobRun, bool, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM job_runs WHERE id = $1
	`, id)
	return scanRun(row)
}

func scanRun(row pgx.Row) (models.JobRun, bool, error) {
	var run models.JobRun
	var kind, status string
	var summary, lastErr pgtype.Text

	err := row.Scan(&run.ID, &kind, &status, &run.RowsAffected, &summary, &lastErr, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, false, nil
	}
	if err != nil {
		return models.JobRun{}, false, fmt.Errorf("scan job run: %w", err)
	}
	run.Kind = models.JobKind(kind)
	run.Status = models.JobStatus(status)
	run.Summary = textPtr(summary)
	run.LastError = textPtr(lastErr)
	return run, true, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
