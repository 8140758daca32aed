// Package reconcile resolves partial-failure states left behind when a flow
// aborted between two writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"automatic-submission-service/internal/alert"
	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
	"automatic-submission-service/internal/telemetry"
)

// Result summarizes one sweep.
type Result struct {
	Found    int
	Resolved int
	Skipped  int
}

// Sweeper fails jobs that were left busy by an interrupted flow.
type Sweeper struct {
	store  store.JobStore
	alerts *alert.Recorder
	// grace keeps the sweep away from jobs a running flow is still building.
	grace time.Duration
	log   *zap.Logger
	now   func() time.Time
}

// NewSweeper returns a Sweeper. Jobs without tasks younger than grace are
// left alone.
func NewSweeper(st store.JobStore, alerts *alert.Recorder, grace time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: st, alerts: alerts, grace: grace, log: log, now: time.Now}
}

// Sweep finds and resolves inconsistent jobs. It stops at the first store
// outage; any other failure is logged and the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	found, err := s.store.Inconsistencies(ctx, s.now().Add(-s.grace))
	if err != nil {
		return Result{}, fmt.Errorf("find inconsistencies: %w", err)
	}
	res := Result{Found: len(found)}
	for _, inc := range found {
		err := s.resolve(ctx, inc)
		switch {
		case err == nil:
			res.Resolved++
			telemetry.ReconcileResolved.WithLabelValues(string(inc.Kind)).Inc()
			s.log.Info("inconsistent job resolved", zap.String("job", inc.Job.ID), zap.String("kind", string(inc.Kind)))
		case errors.Is(err, store.ErrUnavailable):
			return res, err
		case errors.Is(err, store.ErrConflict):
			res.Skipped++
		default:
			res.Skipped++
			s.log.Error("resolving inconsistent job failed", zap.String("job", inc.Job.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (s *Sweeper) resolve(ctx context.Context, inc store.Inconsistency) error {
	var errRef string
	switch inc.Kind {
	case store.FailedTaskBusyJob:
		if inc.Task != nil {
			errRef = inc.Task.Error
		}
		if errRef == "" {
			errRef = s.alerts.Record(ctx, alert.Alert{
				Message:   fmt.Sprintf("Job %s was still busy after one of its tasks failed.", inc.Job.ID),
				Reference: inc.Job.ID,
				Graph:     inc.Job.Graph,
			})
		}
	case store.JobWithoutTasks:
		errRef = s.alerts.Record(ctx, alert.Alert{
			Message:   fmt.Sprintf("Job %s of submission %s was never given a register task.", inc.Job.ID, inc.Job.Submission),
			Reference: inc.Job.ID,
			Graph:     inc.Job.Graph,
		})
	default:
		return fmt.Errorf("unknown inconsistency %q", inc.Kind)
	}
	return s.store.TransitionJob(ctx, store.TransitionParams{
		ID:         inc.Job.ID,
		Graph:      inc.Job.Graph,
		From:       models.StatusBusy,
		To:         models.StatusFailed,
		Attachment: store.FailureOf(errRef),
	})
}
