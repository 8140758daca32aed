// Package orchestrator drives the register step of a submission: it creates
// the job and its register task, and on success schedules the download task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"automatic-submission-service/internal/alert"
	"automatic-submission-service/internal/credentials"
	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
	"automatic-submission-service/internal/telemetry"
)

// ErrAlreadySubmitted is returned when a job already exists for the submission.
var ErrAlreadySubmitted = errors.New("submission already registered")

// InconsistentStateError reports a register task that was failed while its
// job could not be. The reconciliation sweep resolves this state.
type InconsistentStateError struct {
	Job  string
	Task string
	Err  error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("task %s failed but job %s could not be failed: %v", e.Task, e.Job, e.Err)
}

func (e *InconsistentStateError) Unwrap() error { return e.Err }

// Started is the job and register task created by Start.
type Started struct {
	Job  models.Job
	Task models.Task
}

// Registration is a validated submission handed over by ingestion.
type Registration struct {
	Graph      string
	Submission string
	// Status is the submission status concept, e.g. concept/submittable.
	Status string
	// Location is the URL of the resource the download step fetches.
	Location string
	// AuthConfiguration optionally names the configuration attached to the
	// submission; when empty it is looked up.
	AuthConfiguration string
}

// Orchestrator creates and supervises jobs.
type Orchestrator struct {
	store   store.Store
	creds   *credentials.Manager
	alerts  *alert.Recorder
	creator string
	log     *zap.Logger
}

// New returns an Orchestrator stamping creator on the entities it writes.
func New(st store.Store, creds *credentials.Manager, alerts *alert.Recorder, creator string, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: st, creds: creds, alerts: alerts, creator: creator, log: log}
}

// Start creates a busy job for the submission and its busy register task at
// index 0. If the task cannot be created the job is left without tasks.
func (o *Orchestrator) Start(ctx context.Context, graph, submission string) (Started, error) {
	job, err := o.store.CreateJob(ctx, store.CreateJobParams{
		ID:         models.NewJobID(),
		Graph:      graph,
		Submission: submission,
		Creator:    o.creator,
		Status:     models.StatusBusy,
	})
	if err != nil {
		return Started{}, fmt.Errorf("create job: %w", err)
	}
	task, err := o.store.CreateTask(ctx, store.CreateTaskParams{
		ID:        models.NewTaskID(),
		Graph:     graph,
		Job:       job.ID,
		Operation: models.OperationRegister,
		Index:     0,
		Status:    models.StatusBusy,
		Creator:   o.creator,
	})
	if err != nil {
		return Started{Job: job}, fmt.Errorf("create register task for job %s: %w", job.ID, err)
	}
	o.log.Info("job started", zap.String("job", job.ID), zap.String("task", task.ID), zap.String("graph", graph))
	return Started{Job: job, Task: task}, nil
}

// Succeed marks the register task successful with the remote data object
// as result and schedules the download task at index 1.
func (o *Orchestrator) Succeed(ctx context.Context, graph, job, registerTask, remoteDataObject string) (models.Task, error) {
	err := o.store.TransitionTask(ctx, store.TransitionParams{
		ID:         registerTask,
		Graph:      graph,
		From:       models.StatusBusy,
		To:         models.StatusSuccess,
		Attachment: store.RegisterResult{RemoteDataObject: remoteDataObject},
	})
	if err != nil {
		return models.Task{}, fmt.Errorf("complete register task %s: %w", registerTask, err)
	}
	download, err := o.store.CreateTask(ctx, store.CreateTaskParams{
		ID:        models.NewTaskID(),
		Graph:     graph,
		Job:       job,
		Operation: models.OperationDownload,
		Index:     1,
		Status:    models.StatusScheduled,
		Creator:   o.creator,
		Input:     remoteDataObject,
	})
	if err != nil {
		return models.Task{}, fmt.Errorf("create download task for job %s: %w", job, err)
	}
	o.log.Info("download scheduled",
		zap.String("job", job),
		zap.String("task", download.ID),
		zap.String("remote_data_object", remoteDataObject))
	return download, nil
}

// Fail marks the register task and the job failed with the same error.
// A task that already advanced is logged and the job is still failed.
func (o *Orchestrator) Fail(ctx context.Context, graph, job, registerTask, errRef string) error {
	if registerTask != "" {
		err := o.store.TransitionTask(ctx, store.TransitionParams{
			ID:         registerTask,
			Graph:      graph,
			From:       models.StatusBusy,
			To:         models.StatusFailed,
			Attachment: store.FailureOf(errRef),
		})
		switch {
		case errors.Is(err, store.ErrConflict):
			o.log.Warn("register task already advanced", zap.String("task", registerTask), zap.String("job", job))
		case err != nil:
			return fmt.Errorf("fail register task %s: %w", registerTask, err)
		}
	}
	err := o.store.TransitionJob(ctx, store.TransitionParams{
		ID:         job,
		Graph:      graph,
		From:       models.StatusBusy,
		To:         models.StatusFailed,
		Attachment: store.FailureOf(errRef),
	})
	if err != nil {
		return &InconsistentStateError{Job: job, Task: registerTask, Err: err}
	}
	return nil
}

// Register runs the register step for a validated submission and returns
// the job tracking it. On any error after the job exists, an alert is
// recorded, the job is failed and both the original and the cloned
// credentials are cleaned.
func (o *Orchestrator) Register(ctx context.Context, r Registration) (models.Job, error) {
	if _, err := o.store.JobForSubmission(ctx, r.Submission); err == nil {
		return models.Job{}, fmt.Errorf("%s: %w", r.Submission, ErrAlreadySubmitted)
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.Job{}, fmt.Errorf("lookup job for %s: %w", r.Submission, err)
	}

	started, err := o.Start(ctx, r.Graph, r.Submission)
	if err != nil {
		if started.Job.ID != "" {
			telemetry.SubmissionsFailed.Inc()
			errRef := o.alerts.Record(ctx, alert.Alert{
				Message:   fmt.Sprintf("Could not create the register task of submission %s.", r.Submission),
				Detail:    err.Error(),
				Reference: started.Job.ID,
				Graph:     r.Graph,
			})
			if ferr := o.Fail(ctx, r.Graph, started.Job.ID, "", errRef); ferr != nil {
				o.log.Error("could not fail job", zap.String("job", started.Job.ID), zap.Error(ferr))
			}
			o.cleanup(ctx, r, nil)
		}
		return started.Job, err
	}

	cloned, err := o.register(ctx, r, started)
	if err == nil {
		telemetry.SubmissionsRegistered.Inc()
		return started.Job, nil
	}

	telemetry.SubmissionsFailed.Inc()
	o.log.Error("registration failed",
		zap.String("submission", r.Submission),
		zap.String("job", started.Job.ID),
		zap.String("task", started.Task.ID),
		zap.Error(err))
	errRef := o.alerts.Record(ctx, alert.Alert{
		Message: fmt.Sprintf("Something went wrong during the storage of submission %s. This is monitored via task %s.",
			r.Submission, started.Task.ID),
		Detail: err.Error(),
		Graph:  r.Graph,
	})
	if ferr := o.Fail(ctx, r.Graph, started.Job.ID, started.Task.ID, errRef); ferr != nil {
		o.log.Error("could not fail job", zap.String("job", started.Job.ID), zap.Error(ferr))
	}
	o.cleanup(ctx, r, cloned)
	return started.Job, err
}

func (o *Orchestrator) register(ctx context.Context, r Registration, started Started) (*credentials.Cloned, error) {
	if err := o.store.SaveSubmission(ctx, models.Submission{ID: r.Submission, Graph: r.Graph, Status: r.Status}); err != nil {
		return nil, fmt.Errorf("save submission: %w", err)
	}
	id := models.NewRemoteDataObjectID()
	err := o.store.CreateRemoteDataObject(ctx, models.RemoteDataObject{
		ID:         id.URI,
		UUID:       id.UUID,
		Graph:      r.Graph,
		Submission: r.Submission,
		URL:        r.Location,
		Status:     models.DownloadReady,
		Creator:    o.creator,
	})
	if err != nil {
		return nil, fmt.Errorf("create remote data object: %w", err)
	}
	cloned, err := o.creds.Clone(ctx, r.Submission, id.URI, r.Graph)
	if err != nil {
		return nil, fmt.Errorf("clone credentials: %w", err)
	}
	if _, err := o.Succeed(ctx, r.Graph, started.Job.ID, started.Task.ID, id.URI); err != nil {
		return cloned, err
	}
	return cloned, nil
}

func (o *Orchestrator) cleanup(ctx context.Context, r Registration, cloned *credentials.Cloned) {
	original := r.AuthConfiguration
	if original == "" {
		if cfg, err := o.store.FindAuthConfiguration(ctx, r.Submission); err == nil {
			original = cfg.ID
		}
	}
	if err := o.creds.Cleanup(ctx, original); err != nil {
		o.log.Warn("cleaning original credentials failed", zap.String("auth_configuration", original), zap.Error(err))
	}
	if cloned != nil {
		if err := o.creds.Cleanup(ctx, cloned.AuthConfiguration); err != nil {
			o.log.Warn("cleaning cloned credentials failed", zap.String("auth_configuration", cloned.AuthConfiguration), zap.Error(err))
		}
	}
}
