package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"automatic-submission-service/internal/models"
)

// Memory is an in-process Store with the same guarded-update semantics as
// Postgres. It backs tests and APP_ENV=memory.
type Memory struct {
	mu          sync.Mutex
	submissions map[string]models.Submission
	jobs        map[string]models.Job
	tasks       map[string]models.Task
	errors      map[string]models.ErrorEntry
	remotes     map[string]models.RemoteDataObject
	files       map[string]models.PhysicalFile
	auths       map[string]models.AuthConfiguration
	secrets     map[string]SecretRecord
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		submissions: make(map[string]models.Submission),
		jobs:        make(map[string]models.Job),
		tasks:       make(map[string]models.Task),
		errors:      make(map[string]models.ErrorEntry),
		remotes:     make(map[string]models.RemoteDataObject),
		files:       make(map[string]models.PhysicalFile),
		auths:       make(map[string]models.AuthConfiguration),
		secrets:     make(map[string]SecretRecord),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (m *Memory) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[p.ID.URI]; ok {
		return models.Job{}, fmt.Errorf("insert job: duplicate id %s", p.ID.URI)
	}
	now := m.now()
	job := models.Job{
		ID:         p.ID.URI,
		UUID:       p.ID.UUID,
		Graph:      p.Graph,
		Creator:    p.Creator,
		Submission: p.Submission,
		Status:     p.Status,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	m.jobs[job.ID] = job
	return job, nil
}

// CreateTask stores a task for an existing job in the same graph.
func (m *Memory) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[p.Job]
	if !ok || job.Graph != p.Graph {
		return models.Task{}, fmt.Errorf("insert task for job %s: %w", p.Job, ErrNotFound)
	}
	for _, t := range m.tasks {
		if t.Job == p.Job && t.Index == p.Index {
			return models.Task{}, fmt.Errorf("insert task: index %d already used in job %s", p.Index, p.Job)
		}
	}
	now := m.now()
	task := models.Task{
		ID:         p.ID.URI,
		UUID:       p.ID.UUID,
		Graph:      p.Graph,
		Job:        p.Job,
		Operation:  p.Operation,
		Index:      p.Index,
		Status:     p.Status,
		Creator:    p.Creator,
		Input:      p.Input,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	m.tasks[task.ID] = task
	return task, nil
}

// TransitionTask applies p if the task is still in p.From.
func (m *Memory) TransitionTask(ctx context.Context, p TransitionParams) error {
	if !models.CanTransitionTask(p.From, p.To) {
		return &models.IllegalTransitionError{Entity: p.ID, From: p.From, To: p.To}
	}
	result, errRef, err := attachmentRefs(p.To, p.Attachment)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[p.ID]
	if !ok || t.Graph != p.Graph {
		return fmt.Errorf("tasks %s in %s: %w", p.ID, p.Graph, ErrNotFound)
	}
	if t.Status != p.From {
		return fmt.Errorf("tasks %s: %w", p.ID, ErrConflict)
	}
	t.Status = p.To
	if result != nil {
		t.Result = *result
	}
	if errRef != nil {
		t.Error = *errRef
	}
	t.ModifiedAt = m.now()
	m.tasks[t.ID] = t
	return nil
}

// TransitionJob applies p if the job is still in p.From.
func (m *Memory) TransitionJob(ctx context.Context, p TransitionParams) error {
	if !models.CanTransitionJob(p.From, p.To) {
		return &models.IllegalTransitionError{Entity: p.ID, Job: p.ID, From: p.From, To: p.To}
	}
	_, errRef, err := attachmentRefs(p.To, p.Attachment)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[p.ID]
	if !ok || j.Graph != p.Graph {
		return fmt.Errorf("jobs %s in %s: %w", p.ID, p.Graph, ErrNotFound)
	}
	if j.Status != p.From {
		return fmt.Errorf("jobs %s: %w", p.ID, ErrConflict)
	}
	j.Status = p.To
	if errRef != nil {
		j.Error = *errRef
	}
	j.ModifiedAt = m.now()
	m.jobs[j.ID] = j
	return nil
}

// GetJob fetches a job by id.
func (m *Memory) GetJob(ctx context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

// GetTask fetches a task by id.
func (m *Memory) GetTask(ctx context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

// JobForSubmission returns the job tracking submission.
func (m *Memory) JobForSubmission(ctx context.Context, submission string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Job
	for _, j := range m.jobs {
		if j.Submission != submission {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			j := j
			latest = &j
		}
	}
	if latest == nil {
		return models.Job{}, fmt.Errorf("job for submission %s: %w", submission, ErrNotFound)
	}
	return *latest, nil
}

// TasksForJob lists the tasks of job ordered by index.
func (m *Memory) TasksForJob(ctx context.Context, job string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasksOf(job), nil
}

func (m *Memory) tasksOf(job string) []models.Task {
	var tasks []models.Task
	for _, t := range m.tasks {
		if t.Job == job {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, k int) bool { return tasks[i].Index < tasks[k].Index })
	return tasks
}

// Inconsistencies lists busy jobs with a failed task, and jobs without
// tasks created before createdBefore.
func (m *Memory) Inconsistencies(ctx context.Context, createdBefore time.Time) ([]Inconsistency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []Inconsistency
	for _, j := range m.jobs {
		if j.Status != models.StatusBusy {
			continue
		}
		tasks := m.tasksOf(j.ID)
		if len(tasks) == 0 {
			if j.CreatedAt.Before(createdBefore) {
				found = append(found, Inconsistency{Kind: JobWithoutTasks, Job: j})
			}
			continue
		}
		for _, t := range tasks {
			if t.Status == models.StatusFailed {
				t := t
				found = append(found, Inconsistency{Kind: FailedTaskBusyJob, Job: j, Task: &t})
				break
			}
		}
	}
	sort.Slice(found, func(i, k int) bool { return found[i].Job.CreatedAt.Before(found[k].Job.CreatedAt) })
	return found, nil
}

func (m *Memory) SaveSubmission(ctx context.Context, s models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.submissions[s.ID]; ok {
		existing.Status = s.Status
		existing.ModifiedAt = now
		m.submissions[s.ID] = existing
		return nil
	}
	s.CreatedAt = now
	s.ModifiedAt = now
	m.submissions[s.ID] = s
	return nil
}

func (m *Memory) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return models.Submission{}, fmt.Errorf("get submission %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) CreateRemoteDataObject(ctx context.Context, r models.RemoteDataObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.remotes[r.ID]; ok {
		return fmt.Errorf("insert remote data object: duplicate id %s", r.ID)
	}
	now := m.now()
	r.CreatedAt = now
	r.ModifiedAt = now
	m.remotes[r.ID] = r
	return nil
}

func (m *Memory) GetRemoteDataObject(ctx context.Context, id string) (models.RemoteDataObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[id]
	if !ok {
		return models.RemoteDataObject{}, fmt.Errorf("get remote data object %s: %w", id, ErrNotFound)
	}
	if r.File != nil {
		f := *r.File
		r.File = &f
	}
	return r, nil
}

// SetCacheError records the error message the download step leaves on a
// remote data object when fetching fails.
func (m *Memory) SetCacheError(id, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.remotes[id]; ok {
		r.CacheError = message
		m.remotes[id] = r
	}
}

// SaveFile stores the physical file a download produced.
func (m *Memory) SaveFile(ctx context.Context, f models.PhysicalFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

// ResolveDownloadTask finds the download task, job and physical file of a
// remote data object.
func (m *Memory) ResolveDownloadTask(ctx context.Context, remoteDataObject string) (DownloadTaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remotes[remoteDataObject]
	if !ok {
		return DownloadTaskInfo{}, fmt.Errorf("resolve download task for %s: %w", remoteDataObject, ErrNotFound)
	}
	var task *models.Task
	for _, t := range m.tasks {
		if t.Input != r.ID || t.Operation != models.OperationDownload || t.Graph != r.Graph {
			continue
		}
		if task == nil || t.CreatedAt.After(task.CreatedAt) {
			t := t
			task = &t
		}
	}
	if task == nil {
		return DownloadTaskInfo{}, fmt.Errorf("resolve download task for %s: %w", remoteDataObject, ErrNotFound)
	}
	info := DownloadTaskInfo{
		Task:              task.ID,
		Job:               task.Job,
		OldStatus:         task.Status,
		Graph:             task.Graph,
		RemoteDataObject:  r.ID,
		CacheError:        r.CacheError,
		AuthConfiguration: r.AuthConfiguration,
	}
	for _, f := range m.files {
		if f.DataSource == r.ID && f.Graph == r.Graph {
			info.PhysicalFile = f.ID
			break
		}
	}
	return info, nil
}

// ComplementFileMetadata copies the physical file metadata onto the logical file.
func (m *Memory) ComplementFileMetadata(ctx context.Context, graph, physical, logical string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[physical]
	r, rok := m.remotes[logical]
	if !ok || !rok || f.Graph != graph || r.Graph != graph {
		return fmt.Errorf("complement %s from %s: %w", logical, physical, ErrNotFound)
	}
	meta := f.Metadata
	r.File = &meta
	r.ModifiedAt = m.now()
	m.remotes[logical] = r
	return nil
}

func (m *Memory) RecordError(ctx context.Context, e models.ErrorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[e.ID] = e
	return nil
}

// GetError fetches an error entry by id.
func (m *Memory) GetError(ctx context.Context, id string) (models.ErrorEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.errors[id]
	if !ok {
		return models.ErrorEntry{}, fmt.Errorf("get error %s: %w", id, ErrNotFound)
	}
	return e, nil
}

// FindAuthConfiguration returns the configuration attached to submission.
func (m *Memory) FindAuthConfiguration(ctx context.Context, submission string) (models.AuthConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.auths {
		if a.Submission == submission {
			return a, nil
		}
	}
	return models.AuthConfiguration{}, fmt.Errorf("auth configuration of %s: %w", submission, ErrNotFound)
}

func (m *Memory) LoadSecret(ctx context.Context, id string) (SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.secrets[id]
	if !ok {
		return SecretRecord{}, fmt.Errorf("load secret %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// InsertAuthConfiguration stores cfg with its secret and links it to its
// remote data object, if any.
func (m *Memory) InsertAuthConfiguration(ctx context.Context, cfg models.AuthConfiguration, secret models.Secret) error {
	var rec SecretRecord
	if secret != nil {
		var err error
		if rec, err = secretColumns(secret); err != nil {
			return err
		}
		rec.Graph = cfg.Graph
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auths[cfg.ID]; ok {
		return fmt.Errorf("insert auth configuration: duplicate id %s", cfg.ID)
	}
	if cfg.RemoteDataObject != "" {
		r, ok := m.remotes[cfg.RemoteDataObject]
		if !ok || r.Graph != cfg.Graph {
			return fmt.Errorf("link auth configuration to %s: %w", cfg.RemoteDataObject, ErrNotFound)
		}
		r.AuthConfiguration = cfg.ID
		r.ModifiedAt = m.now()
		m.remotes[r.ID] = r
	}
	if secret != nil {
		m.secrets[rec.ID] = rec
	}
	m.auths[cfg.ID] = cfg
	return nil
}

// DeleteSecrets erases the secrets of a configuration and reports how many
// were removed.
func (m *Memory) DeleteSecrets(ctx context.Context, authConfiguration string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auths[authConfiguration]
	if !ok || a.SecretsID == "" {
		return 0, nil
	}
	if _, ok := m.secrets[a.SecretsID]; !ok {
		return 0, nil
	}
	delete(m.secrets, a.SecretsID)
	return 1, nil
}
