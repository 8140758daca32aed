// Package reactor applies download status events to the download task of a
// job. Events may arrive duplicated or out of order; only legal transitions
// are applied and every write is a guarded update.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"automatic-submission-service/internal/alert"
	"automatic-submission-service/internal/credentials"
	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
	"automatic-submission-service/internal/telemetry"
)

// Outcome of a single event.
type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Rejected  Outcome = "rejected"
	Conflict  Outcome = "conflict"
	Failed    Outcome = "failed"
)

// Report summarizes one batch.
type Report struct {
	Ignored    int
	Applied    int
	Duplicates int
	Rejected   int
	Conflicts  int
	Failed     int
}

func (r *Report) add(o Outcome) {
	switch o {
	case Applied:
		r.Applied++
	case Duplicate:
		r.Duplicates++
	case Rejected:
		r.Rejected++
	case Conflict:
		r.Conflicts++
	case Failed:
		r.Failed++
	}
	telemetry.ReactorEvents.WithLabelValues(string(o)).Inc()
}

// Reactor handles change notification batches one at a time.
type Reactor struct {
	mu     sync.Mutex
	store  store.Store
	creds  *credentials.Manager
	alerts *alert.Recorder
	log    *zap.Logger
}

// New returns a Reactor writing through st. A nil logger discards logs.
func New(st store.Store, creds *credentials.Manager, alerts *alert.Recorder, log *zap.Logger) *Reactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reactor{store: st, creds: creds, alerts: alerts, log: log}
}

// HandleBatch reacts to every download status event in the batch. At most
// one batch is handled at a time. A failing event is recorded and the batch
// continues, except when the store is unavailable: the batch is aborted and
// the error returned so it can be replayed.
func (r *Reactor) HandleBatch(ctx context.Context, batch []models.Changeset) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	events, ignored := Events(batch)
	report := Report{Ignored: ignored}
	for _, ev := range events {
		outcome, err := r.react(ctx, ev)
		if errors.Is(err, store.ErrUnavailable) {
			return report, fmt.Errorf("react to %s: %w", ev.RemoteDataObject, err)
		}
		if err != nil {
			r.log.Error("download status event failed",
				zap.String("remote_data_object", ev.RemoteDataObject),
				zap.String("download_status", string(ev.Status)),
				zap.Error(err))
			r.alerts.Record(ctx, alert.Alert{
				Message:   fmt.Sprintf("Could not process download status %s of remote data object %s.", ev.Status, ev.RemoteDataObject),
				Detail:    err.Error(),
				Reference: ev.RemoteDataObject,
			})
		}
		report.add(outcome)
	}
	return report, nil
}

func (r *Reactor) react(ctx context.Context, ev Event) (Outcome, error) {
	info, err := r.store.ResolveDownloadTask(ctx, ev.RemoteDataObject)
	if err != nil {
		return Failed, fmt.Errorf("resolve download task: %w", err)
	}
	to := targetStatus(ev.Status)
	log := r.log.With(
		zap.String("task", info.Task),
		zap.String("job", info.Job),
		zap.String("remote_data_object", info.RemoteDataObject),
		zap.String("old_status", string(info.OldStatus)),
		zap.String("new_status", string(to)))

	if !legal(info.OldStatus, ev.Status) {
		illegal := &models.IllegalTransitionError{Entity: info.Task, Job: info.Job, From: info.OldStatus, To: to}
		if info.OldStatus == to {
			log.Info("duplicate download status ignored")
			return Duplicate, nil
		}
		log.Warn("illegal download status transition")
		r.alerts.Record(ctx, alert.Alert{Message: illegal.Error(), Reference: info.Task, Graph: info.Graph})
		return Rejected, nil
	}

	switch ev.Status {
	case models.DownloadOngoing:
		err = r.started(ctx, info)
	case models.DownloadSuccess:
		err = r.succeeded(ctx, info)
	case models.DownloadFailure:
		err = r.failed(ctx, info, log)
	}
	if errors.Is(err, store.ErrConflict) {
		log.Info("task advanced concurrently", zap.Error(err))
		return Conflict, nil
	}
	if err != nil {
		return Failed, err
	}
	log.Info("download task updated")
	return Applied, nil
}

func (r *Reactor) started(ctx context.Context, info store.DownloadTaskInfo) error {
	return r.store.TransitionTask(ctx, store.TransitionParams{
		ID:    info.Task,
		Graph: info.Graph,
		From:  info.OldStatus,
		To:    models.StatusBusy,
	})
}

// succeeded copies the file metadata onto the logical file before the task
// is flipped. Without a physical file the task is left as is.
func (r *Reactor) succeeded(ctx context.Context, info store.DownloadTaskInfo) error {
	if info.PhysicalFile == "" {
		return fmt.Errorf("no physical file for %s: %w", info.RemoteDataObject, store.ErrNotFound)
	}
	if err := r.store.ComplementFileMetadata(ctx, info.Graph, info.PhysicalFile, info.RemoteDataObject); err != nil {
		return fmt.Errorf("complement file metadata: %w", err)
	}
	return r.store.TransitionTask(ctx, store.TransitionParams{
		ID:         info.Task,
		Graph:      info.Graph,
		From:       info.OldStatus,
		To:         models.StatusSuccess,
		Attachment: store.DownloadResult{File: info.RemoteDataObject},
	})
}

// failed records the error, then fails the task and its job with it and
// erases the credentials cloned for the download.
func (r *Reactor) failed(ctx context.Context, info store.DownloadTaskInfo, log *zap.Logger) error {
	errRef := r.alerts.Record(ctx, alert.Alert{
		Message:   fmt.Sprintf("Failed to download remote data object %s for task %s.", info.RemoteDataObject, info.Task),
		Detail:    info.CacheError,
		Reference: info.Task,
		Graph:     info.Graph,
	})
	err := r.store.TransitionTask(ctx, store.TransitionParams{
		ID:         info.Task,
		Graph:      info.Graph,
		From:       info.OldStatus,
		To:         models.StatusFailed,
		Attachment: store.FailureOf(errRef),
	})
	if err != nil {
		return err
	}
	err = r.store.TransitionJob(ctx, store.TransitionParams{
		ID:         info.Job,
		Graph:      info.Graph,
		From:       models.StatusBusy,
		To:         models.StatusFailed,
		Attachment: store.FailureOf(errRef),
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		log.Warn("job no longer busy, left as is", zap.Error(err))
	case err != nil:
		return fmt.Errorf("fail job %s: %w", info.Job, err)
	}
	if err := r.creds.Cleanup(ctx, info.AuthConfiguration); err != nil {
		log.Warn("cleaning download credentials failed", zap.String("auth_configuration", info.AuthConfiguration), zap.Error(err))
	}
	return nil
}
