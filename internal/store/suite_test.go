package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"automatic-submission-service/internal/models"
)

const (
	testGraph   = "http://mu.semte.ch/graphs/organizations/abc/LoketLB-toezichtGebruiker"
	testCreator = "http://lblod.data.gift/services/automatic-submission-service"
)

func seedJob(t *testing.T, s Store, status models.Status) (models.Job, models.Task) {
	t.Helper()
	ctx := context.Background()
	sub := models.SubmissionBase + models.NewJobID().UUID
	job, err := s.CreateJob(ctx, CreateJobParams{
		ID: models.NewJobID(), Graph: testGraph, Submission: sub, Creator: testCreator, Status: models.StatusBusy,
	})
	require.NoError(t, err)
	task, err := s.CreateTask(ctx, CreateTaskParams{
		ID: models.NewTaskID(), Graph: testGraph, Job: job.ID, Operation: models.OperationRegister,
		Index: 0, Status: status, Creator: testCreator,
	})
	require.NoError(t, err)
	return job, task
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("illegal transition leaves status unchanged", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, task := seedJob(t, s, models.StatusSuccess)

		err := s.TransitionTask(ctx, TransitionParams{ID: task.ID, Graph: testGraph, From: models.StatusSuccess, To: models.StatusBusy})
		var illegal *models.IllegalTransitionError
		require.ErrorAs(t, err, &illegal)
		require.Equal(t, models.StatusSuccess, illegal.From)

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusSuccess, got.Status)
	})

	t.Run("stale expected status conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, task := seedJob(t, s, models.StatusBusy)

		err := s.TransitionTask(ctx, TransitionParams{ID: task.ID, Graph: testGraph, From: models.StatusScheduled, To: models.StatusBusy})
		require.ErrorIs(t, err, ErrConflict)

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusBusy, got.Status)
	})

	t.Run("unknown task or foreign graph is not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, task := seedJob(t, s, models.StatusBusy)

		err := s.TransitionTask(ctx, TransitionParams{ID: models.NewTaskID().URI, Graph: testGraph, From: models.StatusBusy, To: models.StatusSuccess})
		require.ErrorIs(t, err, ErrNotFound)

		err = s.TransitionTask(ctx, TransitionParams{ID: task.ID, Graph: "http://mu.semte.ch/graphs/other", From: models.StatusBusy, To: models.StatusSuccess})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent guarded transitions apply once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, task := seedJob(t, s, models.StatusScheduled)

		const racers = 8
		var wg sync.WaitGroup
		errs := make([]error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.TransitionTask(ctx, TransitionParams{ID: task.ID, Graph: testGraph, From: models.StatusScheduled, To: models.StatusBusy})
			}(i)
		}
		wg.Wait()

		var applied, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				applied++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				require.NoError(t, err)
			}
		}
		require.Equal(t, 1, applied)
		require.Equal(t, racers-1, conflicts)

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusBusy, got.Status)
	})

	t.Run("attachments are stored with the status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job, task := seedJob(t, s, models.StatusBusy)
		rdo := models.NewRemoteDataObjectID().URI

		require.NoError(t, s.TransitionTask(ctx, TransitionParams{
			ID: task.ID, Graph: testGraph, From: models.StatusBusy, To: models.StatusSuccess,
			Attachment: RegisterResult{RemoteDataObject: rdo},
		}))
		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, rdo, got.Result)

		errRef := models.NewErrorID().URI
		require.NoError(t, s.TransitionJob(ctx, TransitionParams{
			ID: job.ID, Graph: testGraph, From: models.StatusBusy, To: models.StatusFailed,
			Attachment: Failure{Error: errRef},
		}))
		gotJob, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, gotJob.Status)
		require.Equal(t, errRef, gotJob.Error)
	})

	t.Run("attachment must match target status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, task := seedJob(t, s, models.StatusBusy)

		err := s.TransitionTask(ctx, TransitionParams{
			ID: task.ID, Graph: testGraph, From: models.StatusBusy, To: models.StatusSuccess,
			Attachment: Failure{Error: models.NewErrorID().URI},
		})
		require.Error(t, err)

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusBusy, got.Status)
	})

	t.Run("tasks are listed in index order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job, _ := seedJob(t, s, models.StatusSuccess)
		_, err := s.CreateTask(ctx, CreateTaskParams{
			ID: models.NewTaskID(), Graph: testGraph, Job: job.ID, Operation: models.OperationDownload,
			Index: 1, Status: models.StatusScheduled, Creator: testCreator,
		})
		require.NoError(t, err)

		tasks, err := s.TasksForJob(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		require.Equal(t, models.OperationRegister, tasks[0].Operation)
		require.Equal(t, models.OperationDownload, tasks[1].Operation)
	})

	t.Run("task for unknown job is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateTask(context.Background(), CreateTaskParams{
			ID: models.NewTaskID(), Graph: testGraph, Job: models.NewJobID().URI,
			Operation: models.OperationRegister, Status: models.StatusBusy, Creator: testCreator,
		})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("download task resolves and metadata is complemented", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job, _ := seedJob(t, s, models.StatusSuccess)
		rdo := models.NewRemoteDataObjectID()
		require.NoError(t, s.CreateRemoteDataObject(ctx, models.RemoteDataObject{
			ID: rdo.URI, UUID: rdo.UUID, Graph: testGraph, Submission: job.Submission,
			URL: "https://example.org/besluit.html", Status: models.DownloadReady, Creator: testCreator,
		}))
		dl, err := s.CreateTask(ctx, CreateTaskParams{
			ID: models.NewTaskID(), Graph: testGraph, Job: job.ID, Operation: models.OperationDownload,
			Index: 1, Status: models.StatusScheduled, Creator: testCreator, Input: rdo.URI,
		})
		require.NoError(t, err)

		physical := "share://" + rdo.UUID + ".html"
		created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.SaveFile(ctx, models.PhysicalFile{
			ID: physical, Graph: testGraph, DataSource: rdo.URI,
			Metadata: models.FileMetadata{Name: "besluit.html", Format: "text/html", Size: 2048, Extension: "html", CreatedAt: created},
		}))

		info, err := s.ResolveDownloadTask(ctx, rdo.URI)
		require.NoError(t, err)
		require.Equal(t, dl.ID, info.Task)
		require.Equal(t, job.ID, info.Job)
		require.Equal(t, models.StatusScheduled, info.OldStatus)
		require.Equal(t, physical, info.PhysicalFile)

		require.NoError(t, s.ComplementFileMetadata(ctx, testGraph, physical, rdo.URI))
		got, err := s.GetRemoteDataObject(ctx, rdo.URI)
		require.NoError(t, err)
		require.NotNil(t, got.File)
		require.Equal(t, "besluit.html", got.File.Name)
		require.Equal(t, int64(2048), got.File.Size)
		require.True(t, created.Equal(got.File.CreatedAt))
	})

	t.Run("secrets are deleted once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cfg := models.AuthConfiguration{
			ID: models.NewAuthenticationID().URI, Graph: testGraph,
			Submission:    models.SubmissionBase + "s1-" + models.NewJobID().UUID,
			Configuration: models.SecurityConfiguration{ID: models.NewConfigurationID().URI, Scheme: models.SchemeBasic},
			SecretsID:     models.NewCredentialsID().URI,
		}
		require.NoError(t, s.InsertAuthConfiguration(ctx, cfg, models.BasicSecret{ID: cfg.SecretsID, Username: "vendor", Password: "hunter2"}))

		found, err := s.FindAuthConfiguration(ctx, cfg.Submission)
		require.NoError(t, err)
		require.Equal(t, cfg.SecretsID, found.SecretsID)

		n, err := s.DeleteSecrets(ctx, cfg.ID)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		n, err = s.DeleteSecrets(ctx, cfg.ID)
		require.NoError(t, err)
		require.Zero(t, n)

		_, err = s.LoadSecret(ctx, cfg.SecretsID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("inconsistent jobs are found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job, task := seedJob(t, s, models.StatusBusy)
		require.NoError(t, s.TransitionTask(ctx, TransitionParams{ID: task.ID, Graph: testGraph, From: models.StatusBusy, To: models.StatusFailed}))

		orphan, err := s.CreateJob(ctx, CreateJobParams{
			ID: models.NewJobID(), Graph: testGraph, Submission: models.SubmissionBase + "orphan", Creator: testCreator, Status: models.StatusBusy,
		})
		require.NoError(t, err)

		found, err := s.Inconsistencies(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)

		kinds := make(map[string]InconsistencyKind)
		for _, f := range found {
			kinds[f.Job.ID] = f.Kind
		}
		require.Equal(t, FailedTaskBusyJob, kinds[job.ID])
		require.Equal(t, JobWithoutTasks, kinds[orphan.ID])
	})
}
