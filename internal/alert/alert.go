// Package alert records unexpected failures as Error entities.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"automatic-submission-service/internal/models"
	"automatic-submission-service/internal/store"
	"automatic-submission-service/internal/telemetry"
)

const (
	// ErrorGraph holds alerts that cannot be tied to a submission graph.
	ErrorGraph = "http://mu.semte.ch/graphs/error"
	subject    = "Automatic Submission Service"
)

// Alert describes one failure. Detail is an optional large preview and
// Reference an optional URI of the entity the failure concerns. Graph is the
// submission graph the failure belongs to; when empty the alert goes to
// ErrorGraph.
type Alert struct {
	Message   string
	Detail    string
	Reference string
	Graph     string
}

// Recorder persists alerts. Recording is best effort: a store failure is
// logged and never propagated.
type Recorder struct {
	store   store.ErrorStore
	creator string
	log     *zap.Logger
	now     func() time.Time
}

// NewRecorder returns a Recorder writing to st, stamping creator on every
// Error entity.
func NewRecorder(st store.ErrorStore, creator string, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: st, creator: creator, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the alert and returns the URI of the Error entity, or ""
// if it could not be stored.
func (r *Recorder) Record(ctx context.Context, a Alert) string {
	if a.Message == "" {
		r.log.Error("alert without message dropped", zap.String("reference", a.Reference))
		return ""
	}
	graph := a.Graph
	if graph == "" {
		graph = ErrorGraph
	}
	id := models.NewErrorID()
	entry := models.ErrorEntry{
		ID:        id.URI,
		UUID:      id.UUID,
		Graph:     graph,
		Subject:   subject,
		Message:   a.Message,
		Detail:    a.Detail,
		Reference: a.Reference,
		Creator:   r.creator,
		CreatedAt: r.now(),
	}
	if err := r.store.RecordError(ctx, entry); err != nil {
		r.log.Warn("failed to store error alert",
			zap.String("message", a.Message),
			zap.String("reference", a.Reference),
			zap.Error(err))
		return ""
	}
	telemetry.AlertsRecorded.Inc()
	r.log.Error(a.Message,
		zap.String("error", id.URI),
		zap.String("reference", a.Reference),
		zap.String("detail", a.Detail))
	return id.URI
}
