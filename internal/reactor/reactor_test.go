package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"automatic-submission-service/internal/alert"
	"automatic-submission-service/internal/credentials"
	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
)

const (
	graph   = "http://mu.semte.ch/graphs/organizations/abc/LoketLB-toezichtGebruiker"
	creator = "http://lblod.data.gift/services/automatic-submission-service"
)

type fixture struct {
	job      string
	task     string
	rdo      string
	secretID string
}

// seed builds a job whose download task is in the given status, with a
// physical file and cloned credentials for the remote data object.
func seed(t *testing.T, st *store.Memory, downloadStatus models.Status) fixture {
	t.Helper()
	return seedDownload(t, st, downloadStatus, true)
}

func seedDownload(t *testing.T, st *store.Memory, downloadStatus models.Status, withFile bool) fixture {
	t.Helper()
	ctx := context.Background()
	job, err := st.CreateJob(ctx, store.CreateJobParams{
		ID: models.NewJobID(), Graph: graph, Submission: models.SubmissionURI(models.NewJobID().UUID),
		Creator: creator, Status: models.StatusBusy,
	})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, store.CreateTaskParams{
		ID: models.NewTaskID(), Graph: graph, Job: job.ID, Operation: models.OperationRegister,
		Index: 0, Status: models.StatusSuccess, Creator: creator,
	})
	require.NoError(t, err)

	rid := models.NewRemoteDataObjectID()
	require.NoError(t, st.CreateRemoteDataObject(ctx, models.RemoteDataObject{
		ID: rid.URI, UUID: rid.UUID, Graph: graph, Submission: job.Submission,
		URL: "https://example.org/besluit.html", Status: models.DownloadReady, Creator: creator,
	}))
	task, err := st.CreateTask(ctx, store.CreateTaskParams{
		ID: models.NewTaskID(), Graph: graph, Job: job.ID, Operation: models.OperationDownload,
		Index: 1, Status: downloadStatus, Creator: creator, Input: rid.URI,
	})
	require.NoError(t, err)

	if withFile {
		require.NoError(t, st.SaveFile(ctx, models.PhysicalFile{
			ID: "share://" + rid.UUID + ".html", Graph: graph, DataSource: rid.URI,
			Metadata: models.FileMetadata{Name: "besluit.html", Format: "text/html", Size: 512, Extension: "html", CreatedAt: time.Now().UTC()},
		}))
	}

	secretID := models.NewCredentialsID().URI
	require.NoError(t, st.InsertAuthConfiguration(ctx, models.AuthConfiguration{
		ID: models.NewAuthenticationID().URI, Graph: graph, RemoteDataObject: rid.URI,
		Configuration: models.SecurityConfiguration{ID: models.NewConfigurationID().URI, Scheme: models.SchemeBasic},
		SecretsID:     secretID,
	}, models.BasicSecret{ID: secretID, Username: "u", Password: "p"}))

	return fixture{job: job.ID, task: task.ID, rdo: rid.URI, secretID: secretID}
}

func statusChange(rdo string, status models.DownloadStatus) models.Changeset {
	return models.Changeset{Inserts: []models.Statement{{
		Subject:   models.Term{Type: "uri", Value: rdo},
		Predicate: models.Term{Type: "uri", Value: models.PredicateStatus},
		Object:    models.Term{Type: "uri", Value: status.IRI()},
	}}}
}

func newReactor(st store.Store) *Reactor {
	log := zap.NewNop()
	return New(st, credentials.NewManager(st, log), alert.NewRecorder(st, creator, log), log)
}

func taskStatus(t *testing.T, st store.Store, id string) models.Task {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestOngoingMarksScheduledTaskBusy(t *testing.T) {
	st := store.NewMemory()
	f := seed(t, st, models.StatusScheduled)

	report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{statusChange(f.rdo, models.DownloadOngoing)})
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)
	require.Equal(t, models.StatusBusy, taskStatus(t, st, f.task).Status)

	job, err := st.GetJob(context.Background(), f.job)
	require.NoError(t, err)
	require.Equal(t, models.StatusBusy, job.Status)
}

func TestSuccessComplementsMetadataAndAttachesFile(t *testing.T) {
	st := store.NewMemory()
	f := seed(t, st, models.StatusBusy)

	report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{statusChange(f.rdo, models.DownloadSuccess)})
	require.NoError(t, err)
	require.Equal(t, 1, report.Applied)

	task := taskStatus(t, st, f.task)
	require.Equal(t, models.StatusSuccess, task.Status)
	require.Equal(t, f.rdo, task.Result)

	rdo, err := st.GetRemoteDataObject(context.Background(), f.rdo)
	require.NoError(t, err)
	require.NotNil(t, rdo.File)
	require.Equal(t, "besluit.html", rdo.File.Name)
	require.Equal(t, int64(512), rdo.File.Size)

	_, err = st.LoadSecret(context.Background(), f.secretID)
	require.NoError(t, err, "credentials stay available after a successful download")
}

type countingErrors struct {
	*store.Memory
	mu       sync.Mutex
	recorded []models.ErrorEntry
}

func (c *countingErrors) RecordError(ctx context.Context, e models.ErrorEntry) error {
	c.mu.Lock()
	c.recorded = append(c.recorded, e)
	c.mu.Unlock()
	return c.Memory.RecordError(ctx, e)
}

func TestSuccessWithoutPhysicalFileLeavesTask(t *testing.T) {
	st := store.NewMemory()
	f := seedDownload(t, st, models.StatusBusy, false)
	errs := &countingErrors{Memory: st}
	log := zap.NewNop()
	r := New(st, credentials.NewManager(st, log), alert.NewRecorder(errs, creator, log), log)

	report, err := r.HandleBatch(context.Background(), []models.Changeset{statusChange(f.rdo, models.DownloadSuccess)})
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Zero(t, report.Applied)
	require.Len(t, errs.recorded, 1)
	require.Equal(t, f.rdo, errs.recorded[0].Reference)

	task := taskStatus(t, st, f.task)
	require.Equal(t, models.StatusBusy, task.Status)
	require.Empty(t, task.Result)

	rdo, err := st.GetRemoteDataObject(context.Background(), f.rdo)
	require.NoError(t, err)
	require.Nil(t, rdo.File)
}

func TestFailureFailsTaskAndJob(t *testing.T) {
	for _, old := range []models.Status{models.StatusScheduled, models.StatusBusy} {
		t.Run(string(old), func(t *testing.T) {
			st := store.NewMemory()
			f := seed(t, st, old)
			st.SetCacheError(f.rdo, "404 Not Found")

			report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{statusChange(f.rdo, models.DownloadFailure)})
			require.NoError(t, err)
			require.Equal(t, 1, report.Applied)

			task := taskStatus(t, st, f.task)
			require.Equal(t, models.StatusFailed, task.Status)
			require.NotEmpty(t, task.Error)

			job, err := st.GetJob(context.Background(), f.job)
			require.NoError(t, err)
			require.Equal(t, models.StatusFailed, job.Status)
			require.Equal(t, task.Error, job.Error)

			entry, err := st.GetError(context.Background(), task.Error)
			require.NoError(t, err)
			require.Equal(t, "404 Not Found", entry.Detail)
			require.Equal(t, graph, entry.Graph)
			require.Equal(t, f.task, entry.Reference)

			_, err = st.LoadSecret(context.Background(), f.secretID)
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestDuplicateSuccessIsIgnoredAndBatchContinues(t *testing.T) {
	st := store.NewMemory()
	done := seed(t, st, models.StatusSuccess)
	next := seed(t, st, models.StatusScheduled)

	report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{
		statusChange(done.rdo, models.DownloadSuccess),
		statusChange(next.rdo, models.DownloadOngoing),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Duplicates)
	require.Equal(t, 1, report.Applied)

	require.Equal(t, models.StatusSuccess, taskStatus(t, st, done.task).Status)
	require.Empty(t, taskStatus(t, st, done.task).Result)
	require.Equal(t, models.StatusBusy, taskStatus(t, st, next.task).Status)
}

func TestIllegalTransitionIsRejected(t *testing.T) {
	cases := []struct {
		name   string
		old    models.Status
		status models.DownloadStatus
	}{
		{"failure after success", models.StatusSuccess, models.DownloadFailure},
		{"ongoing after failure", models.StatusFailed, models.DownloadOngoing},
		{"success after failure", models.StatusFailed, models.DownloadSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemory()
			f := seed(t, st, tc.old)

			report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{statusChange(f.rdo, tc.status)})
			require.NoError(t, err)
			require.Equal(t, 1, report.Rejected)
			require.Equal(t, tc.old, taskStatus(t, st, f.task).Status)
		})
	}
}

func TestOngoingOnBusyTaskIsDuplicate(t *testing.T) {
	st := store.NewMemory()
	f := seed(t, st, models.StatusBusy)

	report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{statusChange(f.rdo, models.DownloadOngoing)})
	require.NoError(t, err)
	require.Equal(t, 1, report.Duplicates)
	require.Equal(t, models.StatusBusy, taskStatus(t, st, f.task).Status)
}

func TestUnrelatedStatementsAreIgnored(t *testing.T) {
	st := store.NewMemory()
	f := seed(t, st, models.StatusScheduled)
	ready := statusChange(f.rdo, models.DownloadReady)
	other := statusChange("http://data.lblod.info/id/jobs/1", models.DownloadSuccess)
	deleted := models.Changeset{Deletes: statusChange(f.rdo, models.DownloadSuccess).Inserts}
	wrongPredicate := statusChange(f.rdo, models.DownloadSuccess)
	wrongPredicate.Inserts[0].Predicate.Value = models.PredicateType

	report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{ready, other, deleted, wrongPredicate})
	require.NoError(t, err)
	require.Equal(t, 4, report.Ignored)
	require.Zero(t, report.Applied)
	require.Equal(t, models.StatusScheduled, taskStatus(t, st, f.task).Status)
}

func TestUnknownRemoteDataObjectFailsEventOnly(t *testing.T) {
	st := store.NewMemory()
	f := seed(t, st, models.StatusScheduled)

	report, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{
		statusChange(models.NewRemoteDataObjectID().URI, models.DownloadSuccess),
		statusChange(f.rdo, models.DownloadOngoing),
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Applied)
}

type unavailableStore struct {
	*store.Memory
}

func (unavailableStore) ResolveDownloadTask(context.Context, string) (store.DownloadTaskInfo, error) {
	return store.DownloadTaskInfo{}, store.ErrUnavailable
}

func TestUnavailableStoreAbortsBatch(t *testing.T) {
	st := unavailableStore{Memory: store.NewMemory()}
	_, err := newReactor(st).HandleBatch(context.Background(), []models.Changeset{
		statusChange(models.NewRemoteDataObjectID().URI, models.DownloadSuccess),
	})
	require.ErrorIs(t, err, store.ErrUnavailable)
}

func TestConcurrentBatchesApplyOnce(t *testing.T) {
	st := store.NewMemory()
	f := seed(t, st, models.StatusScheduled)
	r := newReactor(st)

	const n = 4
	reports := make([]Report, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = r.HandleBatch(context.Background(), []models.Changeset{statusChange(f.rdo, models.DownloadSuccess)})
		}(i)
	}
	wg.Wait()

	var applied, duplicates int
	for i, rep := range reports {
		require.NoError(t, errs[i])
		applied += rep.Applied
		duplicates += rep.Duplicates
	}
	require.Equal(t, 1, applied)
	require.Equal(t, n-1, duplicates)
	require.Equal(t, models.StatusSuccess, taskStatus(t, st, f.task).Status)
}
