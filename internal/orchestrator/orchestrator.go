package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"engagement-analytics/internal/aggregate"
	"engagement-analytics/internal/models"
	"engagement-analytics/internal/telemetry"
)

// ErrAlreadyRunning is the normal outcome of triggering a kind whose previous
// run has not finished. Callers skip the cycle; no retry is needed.
var ErrAlreadyRunning = errors.New("job already running")

// Ledger is the slice of the job ledger the orchestrator drives. The ledger
// is the durable authority for single-flight; the orchestrator holds no
// in-memory locks.
type Ledger interface {
	Insert(ctx context.Context, kind models.JobKind) (models.JobRun, error)
	Claim(ctx context.Context, id string, kind models.JobKind) (bool, error)
	Complete(ctx context.Context, id string, status models.JobStatus, rowsAffected int64, summary, lastError *string) (time.Time, error)
	FindLatest(ctx context.Context, kind models.JobKind) (models.JobRun, bool, error)
	FindLatestByStatus(ctx context.Context, kind models.JobKind, status models.JobStatus) (models.JobRun, bool, error)
	FindStale(ctx context.Context, cutoff time.Time) ([]models.JobRun, error)
}

// Orchestrator decides which analytics job runs next and records outcomes.
// Aggregators never touch the ledger; they return an Outcome and the
// orchestrator writes it back.
type Orchestrator struct {
	ledger      Ledger
	aggregators map[models.JobKind]aggregate.Aggregator
	log         *logrus.Logger
	staleAfter  time.Duration
	now         func() time.Time
}

func New(ledger Ledger, aggregators []aggregate.Aggregator, log *logrus.Logger, staleAfter time.Duration) *Orchestrator {
	byKind := make(map[models.JobKind]aggregate.Aggregator, len(aggregators))
	for _, a := range aggregators {
		byKind[a.Kind()] = a
	}
	return &Orchestrator{
		ledger:      ledger,
		aggregators: byKind,
		log:         log,
		staleAfter:  staleAfter,
		now:         time.Now,
	}
}

// TryStart claims a new run for the kind, or reports ErrAlreadyRunning if the
// most recent run is still in progress. The ledger-side conditional claim
// backs the read-then-claim check, so two concurrent triggers race down to
// exactly one claimed run.
func (o *Orchestrator) TryStart(ctx context.Context, kind models.JobKind) (models.JobRun, error) {
	latest, found, err := o.ledger.FindLatest(ctx, kind)
	if err != nil {
		return models.JobRun{}, err
	}
	if found && latest.Status == models.StatusInProgress {
		return models.JobRun{}, ErrAlreadyRunning
	}

	run, err := o.ledger.Insert(ctx, kind)
	if err != nil {
		return models.JobRun{}, err
	}
	claimed, err := o.ledger.Claim(ctx, run.ID, kind)
	if err != nil {
		return models.JobRun{}, err
	}
	if !claimed {
		// Lost the race to a concurrent trigger; the waiting row stays in
		// the ledger as audit of the skipped cycle.
		return models.JobRun{}, ErrAlreadyRunning
	}
	run.Status = models.StatusInProgress
	return run, nil
}

// Complete records the outcome of an in-progress run. Any attempt to
// complete a run that is not in progress surfaces InvalidTransitionError.
func (o *Orchestrator) Complete(ctx context.Context, run models.JobRun, outcome aggregate.Outcome, runErr error) (models.JobRun, error) {
	status := models.StatusSuccessful
	var summary, lastError *string
	if runErr != nil {
		status = models.StatusFailed
		msg := runErr.Error()
		lastError = &msg
	} else if outcome.Summary != "" {
		summary = &outcome.Summary
	}

	if err := run.Status.ValidateTransition(status); err != nil {
		return models.JobRun{}, err
	}
	updatedAt, err := o.ledger.Complete(ctx, run.ID, status, outcome.RowsAffected, summary, lastError)
	if err != nil {
		return models.JobRun{}, err
	}
	run.Status = status
	run.RowsAffected = outcome.RowsAffected
	run.Summary = summary
	run.LastError = lastError
	run.UpdatedAt = updatedAt
	return run, nil
}

// LastSuccessfulCheckpoint returns the updated_at of the most recent
// successful run of the kind. A false second return means no successful run
// exists and aggregation starts from the beginning of recorded history.
func (o *Orchestrator) LastSuccessfulCheckpoint(ctx context.Context, kind models.JobKind) (time.Time, bool, error) {
	run, found, err := o.ledger.FindLatestByStatus(ctx, kind, models.StatusSuccessful)
	if err != nil {
		return time.Time{}, false, err
	}
	if !found {
		return time.Time{}, false, nil
	}
	return run.UpdatedAt, true, nil
}

// RunKind executes one full cycle for a kind: claim, aggregate over the
// incremental window, record the outcome. ErrAlreadyRunning is returned
// untouched so callers can treat it as a normal skip.
func (o *Orchestrator) RunKind(ctx context.Context, kind models.JobKind) (models.JobRun, error) {
	agg, ok := o.aggregators[kind]
	if !ok {
		return models.JobRun{}, fmt.Errorf("no aggregator registered for kind %s", kind)
	}

	checkpoint, _, err := o.LastSuccessfulCheckpoint(ctx, kind)
	if err != nil {
		return models.JobRun{}, err
	}

	run, err := o.TryStart(ctx, kind)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			telemetry.RunsSkipped.WithLabelValues(kind.String()).Inc()
		}
		return models.JobRun{}, err
	}
	telemetry.RunsStarted.WithLabelValues(kind.String()).Inc()

	window := aggregate.Window{From: checkpoint, To: o.now()}
	started := o.now()
	outcome, runErr := agg.Run(ctx, window)
	telemetry.RunDuration.WithLabelValues(kind.String()).Observe(o.now().Sub(started).Seconds())

	completed, err := o.Complete(ctx, run, outcome, runErr)
	if err != nil {
		return models.JobRun{}, err
	}
	if runErr != nil {
		telemetry.RunsFailed.WithLabelValues(kind.String()).Inc()
		o.log.WithFields(logrus.Fields{"kind": kind, "run": run.ID}).WithError(runErr).Error("job run failed")
		return completed, nil
	}
	telemetry.RunsSucceeded.WithLabelValues(kind.String()).Inc()
	telemetry.RowsAffected.WithLabelValues(kind.String()).Add(float64(outcome.RowsAffected))
	o.log.WithFields(logrus.Fields{
		"kind": kind,
		"run":  run.ID,
		"rows": outcome.RowsAffected,
	}).Info("job run succeeded")
	return completed, nil
}

// RunCycle triggers every kind once. Kinds whose previous run is still in
// progress are skipped; other errors are logged and do not stop the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	for _, kind := range models.AllJobKinds {
		if ctx.Err() != nil {
			return
		}
		if _, err := o.RunKind(ctx, kind); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				o.log.WithField("kind", kind).Debug("previous run still in progress, skipping")
				continue
			}
			o.log.WithField("kind", kind).WithError(err).Error("trigger failed")
		}
	}
	o.reportStale(ctx)
}

// reportStale surfaces runs stuck in progress past the threshold. The core
// never reclaims them; reconciliation is an external policy.
func (o *Orchestrator) reportStale(ctx context.Context) {
	if o.staleAfter <= 0 {
		return
	}
	stale, err := o.ledger.FindStale(ctx, o.now().Add(-o.staleAfter))
	if err != nil {
		o.log.WithError(err).Warn("stale run query failed")
		return
	}
	telemetry.StaleRunsGauge.Set(float64(len(stale)))
	for _, run := range stale {
		o.log.WithFields(logrus.Fields{
			"kind":  run.Kind,
			"run":   run.ID,
			"since": run.UpdatedAt.UTC().Format(time.RFC3339),
		}).Warn("run stuck in progress past staleness threshold")
	}
}
