// Package projection builds the read-only status view of a submission.
package projection

import (
	"context"
	"errors"
	"fmt"

	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
)

// Snapshot is either a *StatusView or NotYetProcessed.
type Snapshot interface {
	snapshot()
}

// NotYetProcessed is returned for a submission no job exists for yet.
type NotYetProcessed struct {
	Submission string `json:"submission"`
}

// StatusView is the job of a submission with its ordered tasks.
type StatusView struct {
	Submission       string        `json:"submission"`
	SubmissionStatus string        `json:"submission_status,omitempty"`
	Job              string        `json:"job"`
	Status           models.Status `json:"status"`
	Error            *ErrorView    `json:"error,omitempty"`
	Tasks            []TaskView    `json:"tasks"`
}

// TaskView is one task of the job.
type TaskView struct {
	ID        string           `json:"id"`
	Operation models.Operation `json:"operation"`
	Index     int              `json:"index"`
	Status    models.Status    `json:"status"`
	Result    string           `json:"result,omitempty"`
	Error     *ErrorView       `json:"error,omitempty"`
}

// ErrorView is a recorded error with its message.
type ErrorView struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (NotYetProcessed) snapshot() {}
func (*StatusView) snapshot()     {}

// Projector reads the job graph of a submission.
type Projector struct {
	store store.Store
}

// New returns a Projector reading from st.
func New(st store.Store) *Projector {
	return &Projector{store: st}
}

// Project returns the status of the latest job of the submission. It never
// writes.
func (p *Projector) Project(ctx context.Context, submission string) (Snapshot, error) {
	job, err := p.store.JobForSubmission(ctx, submission)
	if errors.Is(err, store.ErrNotFound) {
		return NotYetProcessed{Submission: submission}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job for submission: %w", err)
	}

	view := &StatusView{Submission: submission, Job: job.ID, Status: job.Status}
	sub, err := p.store.GetSubmission(ctx, submission)
	switch {
	case err == nil:
		view.SubmissionStatus = sub.Status
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("get submission: %w", err)
	}

	errs := make(map[string]*ErrorView)
	if view.Error, err = p.errorView(ctx, errs, job.Error); err != nil {
		return nil, err
	}
	tasks, err := p.store.TasksForJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("tasks for job: %w", err)
	}
	view.Tasks = make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		tv := TaskView{ID: t.ID, Operation: t.Operation, Index: t.Index, Status: t.Status, Result: t.Result}
		if tv.Error, err = p.errorView(ctx, errs, t.Error); err != nil {
			return nil, err
		}
		view.Tasks = append(view.Tasks, tv)
	}
	return view, nil
}

func (p *Projector) errorView(ctx context.Context, seen map[string]*ErrorView, ref string) (*ErrorView, error) {
	if ref == "" {
		return nil, nil
	}
	if v, ok := seen[ref]; ok {
		return v, nil
	}
	v := &ErrorView{ID: ref}
	entry, err := p.store.GetError(ctx, ref)
	switch {
	case err == nil:
		v.Message = entry.Message
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("get error %s: %w", ref, err)
	}
	seen[ref] = v
	return v, nil
}
