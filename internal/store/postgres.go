package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"automatic-submission-service/internal/models"
)

// Postgres implements Store on top of a pgx connection pool.
type Postgres struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

var _ Store = (*Postgres)(nil)

// Option tunes a Postgres store.
type Option func(*Postgres)

// WithCallTimeout bounds every store call. Zero leaves calls unbounded.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Postgres) { s.callTimeout = d }
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", classify(err))
	}
	s := &Postgres{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks that the database is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Postgres) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// classify maps driver errors onto the store's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// CreateJob inserts a job row.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, uuid, graph, creator, submission, status, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, p.ID.URI, p.ID.UUID, p.Graph, p.Creator, p.Submission, string(p.Status), now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", classify(err))
	}
	return models.Job{
		ID:         p.ID.URI,
		UUID:       p.ID.UUID,
		Graph:      p.Graph,
		Creator:    p.Creator,
		Submission: p.Submission,
		Status:     p.Status,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// CreateTask inserts a task row. The job must exist in the same graph.
func (s *Postgres) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, uuid, graph, job, operation, cogs_operation, idx, status, creator, input_ref, created_at, modified_at)
		SELECT $1, $2, $3, j.id, $5, $6, $7, $8, $9, $10, $11, $11
		FROM jobs j WHERE j.id = $4 AND j.graph = $3
	`, p.ID.URI, p.ID.UUID, p.Graph, p.Job, string(p.Operation), p.Operation.CogsOperation(),
		p.Index, string(p.Status), p.Creator, emptyToNil(p.Input), now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return models.Task{}, fmt.Errorf("insert task for job %s: %w", p.Job, ErrNotFound)
	}
	return models.Task{
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
	}, nil
}

// TransitionTask applies a guarded status update to a task.
func (s *Postgres) TransitionTask(ctx context.Context, p TransitionParams) error {
	if !models.CanTransitionTask(p.From, p.To) {
		return &models.IllegalTransitionError{Entity: p.ID, From: p.From, To: p.To}
	}
	result, errRef, err := attachmentRefs(p.To, p.Attachment)
	if err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $4,
		    result_ref = COALESCE($5, result_ref),
		    error_ref = COALESCE($6, error_ref),
		    modified_at = NOW()
		WHERE id = $1 AND graph = $2 AND status = $3
	`, p.ID, p.Graph, string(p.From), string(p.To), result, errRef)
	if err != nil {
		return fmt.Errorf("update task status: %w", classify(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, "tasks", p.ID, p.Graph)
}

// TransitionJob applies a guarded status update to a job.
func (s *Postgres) TransitionJob(ctx context.Context, p TransitionParams) error {
	if !models.CanTransitionJob(p.From, p.To) {
		return &models.IllegalTransitionError{Entity: p.ID, Job: p.ID, From: p.From, To: p.To}
	}
	_, errRef, err := attachmentRefs(p.To, p.Attachment)
	if err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $4, error_ref = COALESCE($5, error_ref), modified_at = NOW()
		WHERE id = $1 AND graph = $2 AND status = $3
	`, p.ID, p.Graph, string(p.From), string(p.To), errRef)
	if err != nil {
		return fmt.Errorf("update job status: %w", classify(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missingOrConflict(ctx, "jobs", p.ID, p.Graph)
}

// missingOrConflict tells apart an update that matched no row because the
// entity is gone from one that lost the race on status.
func (s *Postgres) missingOrConflict(ctx context.Context, table, id, graph string) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1 AND graph = $2)`, table)
	if err := s.pool.QueryRow(ctx, query, id, graph).Scan(&exists); err != nil {
		return fmt.Errorf("check %s %s: %w", table, id, classify(err))
	}
	if !exists {
		return fmt.Errorf("%s %s in %s: %w", table, id, graph, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, ErrConflict)
}

const jobColumns = `id, uuid, graph, creator, submission, status, error_ref, created_at, modified_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var errRef pgtype.Text
	if err := row.Scan(&job.ID, &job.UUID, &job.Graph, &job.Creator, &job.Submission, &status, &errRef, &job.CreatedAt, &job.ModifiedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.Error = textValue(errRef)
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, classify(err))
	}
	return job, nil
}

// JobForSubmission returns the most recent job generated for a submission.
func (s *Postgres) JobForSubmission(ctx context.Context, submission string) (models.Job, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE submission = $1
		ORDER BY created_at DESC LIMIT 1
	`, submission))
	if err != nil {
		return models.Job{}, fmt.Errorf("job for submission %s: %w", submission, classify(err))
	}
	return job, nil
}

const taskColumns = `id, uuid, graph, job, operation, idx, status, creator, input_ref, result_ref, error_ref, created_at, modified_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var operation, status string
	var input, result, errRef pgtype.Text
	if err := row.Scan(&t.ID, &t.UUID, &t.Graph, &t.Job, &operation, &t.Index, &status, &t.Creator, &input, &result, &errRef, &t.CreatedAt, &t.ModifiedAt); err != nil {
		return models.Task{}, err
	}
	t.Operation = models.Operation(operation)
	t.Status = models.Status(status)
	t.Input = textValue(input)
	t.Result = textValue(result)
	t.Error = textValue(errRef)
	return t, nil
}

// GetTask fetches a task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, classify(err))
	}
	return t, nil
}

// TasksForJob lists the tasks of a job ordered by index.
func (s *Postgres) TasksForJob(ctx context.Context, job string) ([]models.Task, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job = $1 ORDER BY idx`, job)
	if err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", job, classify(err))
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", classify(err))
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks of %s: %w", job, classify(err))
	}
	return tasks, nil
}

// Inconsistencies finds busy jobs with a failed task, and busy jobs
// created before the cutoff that never got a task.
func (s *Postgres) Inconsistencies(ctx context.Context, createdBefore time.Time) ([]Inconsistency, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT j.id, j.uuid, j.graph, j.creator, j.submission, j.status, j.error_ref, j.created_at, j.modified_at,
		       t.id, t.uuid, t.graph, t.job, t.operation, t.idx, t.status, t.creator, t.input_ref, t.result_ref, t.error_ref, t.created_at, t.modified_at
		FROM jobs j JOIN tasks t ON t.job = j.id
		WHERE j.status = $1 AND t.status = $2
		ORDER BY j.created_at, t.idx
	`, string(models.StatusBusy), string(models.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("find failed tasks of busy jobs: %w", classify(err))
	}
	defer rows.Close()

	var found []Inconsistency
	seen := make(map[string]bool)
	for rows.Next() {
		var (
			job                      models.Job
			task                     models.Task
			jobStatus, taskStatus    string
			operation                string
			jobErr, input, res, tErr pgtype.Text
		)
		if err := rows.Scan(&job.ID, &job.UUID, &job.Graph, &job.Creator, &job.Submission, &jobStatus, &jobErr, &job.CreatedAt, &job.ModifiedAt,
			&task.ID, &task.UUID, &task.Graph, &task.Job, &operation, &task.Index, &taskStatus, &task.Creator, &input, &res, &tErr, &task.CreatedAt, &task.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan inconsistency: %w", classify(err))
		}
		if seen[job.ID] {
			continue
		}
		seen[job.ID] = true
		job.Status = models.Status(jobStatus)
		job.Error = textValue(jobErr)
		task.Operation = models.Operation(operation)
		task.Status = models.Status(taskStatus)
		task.Input = textValue(input)
		task.Result = textValue(res)
		task.Error = textValue(tErr)
		found = append(found, Inconsistency{Kind: FailedTaskBusyJob, Job: job, Task: &task})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find failed tasks of busy jobs: %w", classify(err))
	}
	rows.Close()

	orphans, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = $1 AND j.created_at < $2
		  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.job = j.id)
		ORDER BY j.created_at
	`, string(models.StatusBusy), createdBefore)
	if err != nil {
		return nil, fmt.Errorf("find jobs without tasks: %w", classify(err))
	}
	defer orphans.Close()
	for orphans.Next() {
		job, err := scanJob(orphans)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", classify(err))
		}
		found = append(found, Inconsistency{Kind: JobWithoutTasks, Job: job})
	}
	if err := orphans.Err(); err != nil {
		return nil, fmt.Errorf("find jobs without tasks: %w", classify(err))
	}
	return found, nil
}

// SaveSubmission inserts the submission or refreshes its status and
// modification time.
func (s *Postgres) SaveSubmission(ctx context.Context, sub models.Submission) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (id, graph, status, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, modified_at = EXCLUDED.modified_at
	`, sub.ID, sub.Graph, sub.Status, now)
	if err != nil {
		return fmt.Errorf("save submission: %w", classify(err))
	}
	return nil
}

// GetSubmission fetches a submission by id.
func (s *Postgres) GetSubmission(ctx context.Context, id string) (models.Submission, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var sub models.Submission
	err := s.pool.QueryRow(ctx, `
		SELECT id, graph, status, created_at, modified_at FROM submissions WHERE id = $1
	`, id).Scan(&sub.ID, &sub.Graph, &sub.Status, &sub.CreatedAt, &sub.ModifiedAt)
	if err != nil {
		return models.Submission{}, fmt.Errorf("get submission %s: %w", id, classify(err))
	}
	return sub, nil
}

// CreateRemoteDataObject inserts the logical file the download step fetches.
func (s *Postgres) CreateRemoteDataObject(ctx context.Context, r models.RemoteDataObject) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO remote_data_objects (id, uuid, graph, submission, url, status, creator, auth_configuration, cache_error, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, r.ID, r.UUID, r.Graph, r.Submission, r.URL, string(r.Status), r.Creator,
		emptyToNil(r.AuthConfiguration), emptyToNil(r.CacheError), now)
	if err != nil {
		return fmt.Errorf("insert remote data object: %w", classify(err))
	}
	return nil
}

// GetRemoteDataObject fetches a remote data object, including any file
// metadata complemented onto it.
func (s *Postgres) GetRemoteDataObject(ctx context.Context, id string) (models.RemoteDataObject, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		r                       models.RemoteDataObject
		status                  string
		auth, cacheErr          pgtype.Text
		name, format, extension pgtype.Text
		size                    pgtype.Int8
		fileCreated             pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, uuid, graph, submission, url, status, creator, auth_configuration, cache_error,
		       file_name, file_format, file_size, file_extension, file_created, created_at, modified_at
		FROM remote_data_objects WHERE id = $1
	`, id).Scan(&r.ID, &r.UUID, &r.Graph, &r.Submission, &r.URL, &status, &r.Creator, &auth, &cacheErr,
		&name, &format, &size, &extension, &fileCreated, &r.CreatedAt, &r.ModifiedAt)
	if err != nil {
		return models.RemoteDataObject{}, fmt.Errorf("get remote data object %s: %w", id, classify(err))
	}
	r.Status = models.DownloadStatus(status)
	r.AuthConfiguration = textValue(auth)
	r.CacheError = textValue(cacheErr)
	if name.Valid {
		r.File = &models.FileMetadata{
			Name:      name.String,
			Format:    textValue(format),
			Size:      size.Int64,
			Extension: textValue(extension),
			CreatedAt: fileCreated.Time,
		}
	}
	return r, nil
}

// SaveFile stores a physical file description.
func (s *Postgres) SaveFile(ctx context.Context, f models.PhysicalFile) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (id, graph, data_source, file_name, format, size, extension, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, f.ID, f.Graph, f.DataSource, f.Metadata.Name, f.Metadata.Format, f.Metadata.Size, f.Metadata.Extension, f.Metadata.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", classify(err))
	}
	return nil
}

// ResolveDownloadTask finds the download task that takes the remote data
// object as input, together with the physical file and cache error the
// download step left behind.
func (s *Postgres) ResolveDownloadTask(ctx context.Context, remoteDataObject string) (DownloadTaskInfo, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		info                     DownloadTaskInfo
		status                   string
		file, cacheErr, authConf pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT t.id, t.job, t.status, t.graph, r.id, f.id, r.cache_error, r.auth_configuration
		FROM remote_data_objects r
		JOIN tasks t ON t.input_ref = r.id AND t.operation = $2 AND t.graph = r.graph
		LEFT JOIN files f ON f.data_source = r.id AND f.graph = r.graph
		WHERE r.id = $1
		ORDER BY t.created_at DESC
		LIMIT 1
	`, remoteDataObject, string(models.OperationDownload)).Scan(&info.Task, &info.Job, &status, &info.Graph,
		&info.RemoteDataObject, &file, &cacheErr, &authConf)
	if err != nil {
		return DownloadTaskInfo{}, fmt.Errorf("resolve download task for %s: %w", remoteDataObject, classify(err))
	}
	info.OldStatus = models.Status(status)
	info.PhysicalFile = textValue(file)
	info.CacheError = textValue(cacheErr)
	info.AuthConfiguration = textValue(authConf)
	return info, nil
}

// ComplementFileMetadata copies name, format, size, extension and creation
// time from the physical file onto the logical one.
func (s *Postgres) ComplementFileMetadata(ctx context.Context, graph, physical, logical string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		UPDATE remote_data_objects r
		SET file_name = f.file_name,
		    file_format = f.format,
		    file_size = f.size,
		    file_extension = f.extension,
		    file_created = f.created_at,
		    modified_at = NOW()
		FROM files f
		WHERE r.id = $2 AND r.graph = $1 AND f.id = $3 AND f.graph = $1
	`, graph, logical, physical)
	if err != nil {
		return fmt.Errorf("complement file metadata: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complement %s from %s: %w", logical, physical, ErrNotFound)
	}
	return nil
}

// RecordError inserts an error entry.
func (s *Postgres) RecordError(ctx context.Context, e models.ErrorEntry) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO errors (id, uuid, graph, subject, message, detail, reference, creator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UUID, e.Graph, e.Subject, e.Message, emptyToNil(e.Detail), emptyToNil(e.Reference), e.Creator, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert error: %w", classify(err))
	}
	return nil
}

// GetError fetches an error entry by id.
func (s *Postgres) GetError(ctx context.Context, id string) (models.ErrorEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var e models.ErrorEntry
	var detail, reference pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, uuid, graph, subject, message, detail, reference, creator, created_at FROM errors WHERE id = $1
	`, id).Scan(&e.ID, &e.UUID, &e.Graph, &e.Subject, &e.Message, &detail, &reference, &e.Creator, &e.CreatedAt)
	if err != nil {
		return models.ErrorEntry{}, fmt.Errorf("get error %s: %w", id, classify(err))
	}
	e.Detail = textValue(detail)
	e.Reference = textValue(reference)
	return e, nil
}

// FindAuthConfiguration returns the authentication configuration attached
// to a submission.
func (s *Postgres) FindAuthConfiguration(ctx context.Context, submission string) (models.AuthConfiguration, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		cfg              models.AuthConfiguration
		scheme           string
		props            []byte
		rdo, secrets, sb pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, graph, submission, remote_data_object, configuration, scheme, properties, secrets
		FROM auth_configurations WHERE submission = $1
		LIMIT 1
	`, submission).Scan(&cfg.ID, &cfg.Graph, &sb, &rdo, &cfg.Configuration.ID, &scheme, &props, &secrets)
	if err != nil {
		return models.AuthConfiguration{}, fmt.Errorf("auth configuration of %s: %w", submission, classify(err))
	}
	cfg.Submission = textValue(sb)
	cfg.RemoteDataObject = textValue(rdo)
	cfg.SecretsID = textValue(secrets)
	cfg.Configuration.Scheme = models.Scheme(scheme)
	if len(props) > 0 {
		if err := json.Unmarshal(props, &cfg.Configuration.Properties); err != nil {
			return models.AuthConfiguration{}, fmt.Errorf("unmarshal configuration properties: %w", err)
		}
	}
	return cfg, nil
}

// LoadSecret fetches a secret row by id.
func (s *Postgres) LoadSecret(ctx context.Context, id string) (SecretRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var rec SecretRecord
	var user, pass, clientID, clientSecret pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, graph, username, password, client_id, client_secret FROM secrets WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Graph, &user, &pass, &clientID, &clientSecret)
	if err != nil {
		return SecretRecord{}, fmt.Errorf("load secret %s: %w", id, classify(err))
	}
	rec.Username = textValue(user)
	rec.Password = textValue(pass)
	rec.ClientID = textValue(clientID)
	rec.ClientSecret = textValue(clientSecret)
	return rec, nil
}

// InsertAuthConfiguration writes a configuration and its secret in one
// transaction, linking the remote data object it was cloned for.
func (s *Postgres) InsertAuthConfiguration(ctx context.Context, cfg models.AuthConfiguration, secret models.Secret) error {
	props, err := json.Marshal(cfg.Configuration.Properties)
	if err != nil {
		return fmt.Errorf("marshal configuration properties: %w", err)
	}
	if cfg.Configuration.Properties == nil {
		props = []byte("{}")
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if secret != nil {
		rec, err := secretColumns(secret)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO secrets (id, graph, username, password, client_id, client_secret)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, rec.ID, cfg.Graph, emptyToNil(rec.Username), emptyToNil(rec.Password), emptyToNil(rec.ClientID), emptyToNil(rec.ClientSecret))
		if err != nil {
			return fmt.Errorf("insert secret: %w", classify(err))
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO auth_configurations (id, graph, submission, remote_data_object, configuration, scheme, properties, secrets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cfg.ID, cfg.Graph, emptyToNil(cfg.Submission), emptyToNil(cfg.RemoteDataObject), cfg.Configuration.ID,
		string(cfg.Configuration.Scheme), props, emptyToNil(cfg.SecretsID))
	if err != nil {
		return fmt.Errorf("insert auth configuration: %w", classify(err))
	}
	if cfg.RemoteDataObject != "" {
		tag, err := tx.Exec(ctx, `
			UPDATE remote_data_objects SET auth_configuration = $3, modified_at = NOW()
			WHERE id = $1 AND graph = $2
		`, cfg.RemoteDataObject, cfg.Graph, cfg.ID)
		if err != nil {
			return fmt.Errorf("link auth configuration: %w", classify(err))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("link auth configuration to %s: %w", cfg.RemoteDataObject, ErrNotFound)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

// DeleteSecrets removes the secrets reachable from a configuration. A
// configuration without secrets, or one that does not exist, is a no-op.
func (s *Postgres) DeleteSecrets(ctx context.Context, authConfiguration string) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM secrets s
		USING auth_configurations a
		WHERE a.id = $1 AND s.id = a.secrets
	`, authConfiguration)
	if err != nil {
		return 0, fmt.Errorf("delete secrets of %s: %w", authConfiguration, classify(err))
	}
	return int(tag.RowsAffected()), nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
