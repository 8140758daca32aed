package models

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state shared by jobs and tasks.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusBusy      Status = "busy"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
)

const statusNamespace = "http://redpencil.data.gift/id/concept/JobStatus/"

// IRI returns the concept URI persisted for the status.
func (s Status) IRI() string {
	return statusNamespace + string(s)
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusScheduled, StatusBusy, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// ParseStatus accepts either the short name or the concept URI.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.TrimPrefix(v, statusNamespace))
	if !s.valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// DownloadStatus is the status a remote data object carries while the
// download step works on it.
type DownloadStatus string

const (
	DownloadReady   DownloadStatus = "ready-to-be-cached"
	DownloadOngoing DownloadStatus = "ongoing"
	DownloadSuccess DownloadStatus = "success"
	DownloadFailure DownloadStatus = "failure"
)

const downloadStatusNamespace = "http://lblod.data.gift/file-download-statuses/"

func (d DownloadStatus) IRI() string {
	return downloadStatusNamespace + string(d)
}

// ParseDownloadEvent maps a status URI found in a change notification to
// one of the three statuses the download step reports. Anything else,
// including ready-to-be-cached, is not an event.
func ParseDownloadEvent(iri string) (DownloadStatus, bool) {
	switch iri {
	case DownloadOngoing.IRI():
		return DownloadOngoing, true
	case DownloadSuccess.IRI():
		return DownloadSuccess, true
	case DownloadFailure.IRI():
		return DownloadFailure, true
	}
	return "", false
}

// Operation names the step a task performs.
type Operation string

const (
	OperationRegister Operation = "register"
	OperationDownload Operation = "download"
)

const operationNamespace = "http://lblod.data.gift/id/jobs/concept/TaskOperation/"

func (o Operation) IRI() string {
	return operationNamespace + string(o)
}

// CogsOperation returns the generic cogs classification of the step.
func (o Operation) CogsOperation() string {
	if o == OperationDownload {
		return "http://vocab.deri.ie/cogs#WebServiceLookup"
	}
	return "http://vocab.deri.ie/cogs#Transformation"
}

var taskTransitions = map[Status][]Status{
	StatusScheduled: {StatusBusy, StatusSuccess, StatusFailed},
	StatusBusy:      {StatusSuccess, StatusFailed},
}

var jobTransitions = map[Status][]Status{
	StatusScheduled: {StatusBusy, StatusFailed},
	StatusBusy:      {StatusSuccess, StatusFailed},
}

// CanTransitionTask reports whether a task may move from one status to another.
func CanTransitionTask(from, to Status) bool {
	return allowed(taskTransitions, from, to)
}

// CanTransitionJob reports whether a job may move from one status to another.
func CanTransitionJob(from, to Status) bool {
	return allowed(jobTransitions, from, to)
}

func allowed(table map[Status][]Status, from, to Status) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition matches every IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal transition")

// IllegalTransitionError is returned when a status change is not part of
// the transition table. It is never retried.
type IllegalTransitionError struct {
	Entity string
	Job    string
	From   Status
	To     Status
}

func (e *IllegalTransitionError) Error() string {
	if e.Job != "" && e.Job != e.Entity {
		return fmt.Sprintf("illegal transition of %s from %q to %q (job %s)", e.Entity, e.From, e.To, e.Job)
	}
	return fmt.Sprintf("illegal transition of %s from %q to %q", e.Entity, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
