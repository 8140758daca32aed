// Package store persists jobs, tasks, errors, remote data objects and
// credentials. Every status change is a guarded update: it only applies when
// the persisted status still equals the status the caller last observed.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"automatic-submission-service/internal/models"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by a guarded update when the entity no longer
	// has the expected status. Nothing was written.
	ErrConflict = errors.New("status already advanced")
	// ErrUnavailable wraps transient infrastructure faults. Callers decide
	// whether to retry.
	ErrUnavailable = errors.New("store unavailable")
)

// Attachment carries the facts stored atomically with a status change.
// The variants are closed: RegisterResult, DownloadResult and Failure.
type Attachment interface {
	attachment()
}

// RegisterResult links the remote data object produced by the register step.
type RegisterResult struct {
	RemoteDataObject string
}

// DownloadResult links the logical file produced by the download step.
type DownloadResult struct {
	File string
}

// Failure links the recorded error of a failed job or task.
type Failure struct {
	Error string
}

func (RegisterResult) attachment() {}
func (DownloadResult) attachment() {}
func (Failure) attachment()        {}

// attachmentRefs validates an attachment against the target status and
// returns the result and error references to write.
func attachmentRefs(to models.Status, a Attachment) (result, errRef *string, err error) {
	switch v := a.(type) {
	case nil:
		return nil, nil, nil
	case RegisterResult:
		if to != models.StatusSuccess {
			return nil, nil, fmt.Errorf("register result attached to %q transition", to)
		}
		return &v.RemoteDataObject, nil, nil
	case DownloadResult:
		if to != models.StatusSuccess {
			return nil, nil, fmt.Errorf("download result attached to %q transition", to)
		}
		return &v.File, nil, nil
	case Failure:
		if to != models.StatusFailed {
			return nil, nil, fmt.Errorf("failure attached to %q transition", to)
		}
		return nil, &v.Error, nil
	default:
		return nil, nil, fmt.Errorf("unsupported attachment %T", a)
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID         models.Identifier
	Graph      string
	Submission string
	Creator    string
	Status     models.Status
}

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	ID        models.Identifier
	Graph     string
	Job       string
	Operation models.Operation
	Index     int
	Status    models.Status
	Creator   string
	Input     string
}

// TransitionParams describes a guarded status update. From is the status
// the caller observed; the update only applies if it is still current.
type TransitionParams struct {
	ID         string
	Graph      string
	From       models.Status
	To         models.Status
	Attachment Attachment
}

// DownloadTaskInfo is everything the download reactor needs about the task
// watching a remote data object.
type DownloadTaskInfo struct {
	Task              string
	Job               string
	OldStatus         models.Status
	Graph             string
	RemoteDataObject  string
	PhysicalFile      string
	CacheError        string
	AuthConfiguration string
}

// SecretRecord is the raw secret row; interpreting it requires the scheme.
type SecretRecord struct {
	ID           string
	Graph        string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// InconsistencyKind names a partial-failure state left behind by a flow
// that aborted between two writes.
type InconsistencyKind string

const (
	// FailedTaskBusyJob: a task was failed but its job is still busy.
	FailedTaskBusyJob InconsistencyKind = "failed-task-busy-job"
	// JobWithoutTasks: a job was created but its register task never was.
	JobWithoutTasks InconsistencyKind = "job-without-tasks"
)

// Inconsistency is one partial-failure state found by a reconciliation read.
type Inconsistency struct {
	Kind InconsistencyKind
	Job  models.Job
	Task *models.Task
}

// JobStore reads and writes jobs and tasks.
type JobStore interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error)
	TransitionJob(ctx context.Context, p TransitionParams) error
	TransitionTask(ctx context.Context, p TransitionParams) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	JobForSubmission(ctx context.Context, submission string) (models.Job, error)
	TasksForJob(ctx context.Context, job string) ([]models.Task, error)
	Inconsistencies(ctx context.Context, createdBefore time.Time) ([]Inconsistency, error)
}

// SubmissionStore keeps the submission bookkeeping of the flow.
type SubmissionStore interface {
	SaveSubmission(ctx context.Context, s models.Submission) error
	GetSubmission(ctx context.Context, id string) (models.Submission, error)
}

// FileStore reads and writes remote data objects and downloaded files.
type FileStore interface {
	CreateRemoteDataObject(ctx context.Context, r models.RemoteDataObject) error
	GetRemoteDataObject(ctx context.Context, id string) (models.RemoteDataObject, error)
	SaveFile(ctx context.Context, f models.PhysicalFile) error
	ResolveDownloadTask(ctx context.Context, remoteDataObject string) (DownloadTaskInfo, error)
	// ComplementFileMetadata copies the metadata of the physical file onto
	// the logical file.
	ComplementFileMetadata(ctx context.Context, graph, physical, logical string) error
}

// ErrorStore persists recorded errors.
type ErrorStore interface {
	RecordError(ctx context.Context, e models.ErrorEntry) error
	GetError(ctx context.Context, id string) (models.ErrorEntry, error)
}

// CredentialStore reads, writes and erases authentication configurations.
type CredentialStore interface {
	FindAuthConfiguration(ctx context.Context, submission string) (models.AuthConfiguration, error)
	LoadSecret(ctx context.Context, id string) (SecretRecord, error)
	// InsertAuthConfiguration writes the configuration and its secret in one
	// atomic step.
	InsertAuthConfiguration(ctx context.Context, cfg models.AuthConfiguration, secret models.Secret) error
	// DeleteSecrets erases the secret material reachable from the
	// configuration and reports how many secrets were removed.
	DeleteSecrets(ctx context.Context, authConfiguration string) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	SubmissionStore
	FileStore
	ErrorStore
	CredentialStore
}

func secretColumns(secret models.Secret) (SecretRecord, error) {
	switch s := secret.(type) {
	case models.BasicSecret:
		return SecretRecord{ID: s.ID, Username: s.Username, Password: s.Password}, nil
	case models.OAuth2Secret:
		return SecretRecord{ID: s.ID, ClientID: s.ClientID, ClientSecret: s.ClientSecret}, nil
	default:
		return SecretRecord{}, fmt.Errorf("unsupported secret %T", secret)
	}
}

// FailureOf wraps an error reference, returning nil when no error could be
// recorded so the status change still applies.
func FailureOf(errRef string) Attachment {
	if errRef == "" {
		return nil
	}
	return Failure{Error: errRef}
}
