package reactor

import (
	"strings"

	"automatic-submission-service/internal/models"
)

// Event is a download status reported for a remote data object.
type Event struct {
	RemoteDataObject string
	Status           models.DownloadStatus
}

// Events extracts the download status events from a change notification
// batch. Only inserted status statements on remote data objects with one of
// the three reported statuses are kept; the second return value counts the
// statements that were dropped.
func Events(batch []models.Changeset) ([]Event, int) {
	var (
		events  []Event
		ignored int
	)
	for _, cs := range batch {
		ignored += len(cs.Deletes)
		for _, st := range cs.Inserts {
			ev, ok := eventOf(st)
			if !ok {
				ignored++
				continue
			}
			events = append(events, ev)
		}
	}
	return events, ignored
}

func eventOf(st models.Statement) (Event, bool) {
	if !strings.HasPrefix(st.Subject.Value, models.RemoteDataObjectBase) {
		return Event{}, false
	}
	if st.Predicate.Value != models.PredicateStatus {
		return Event{}, false
	}
	status, ok := models.ParseDownloadEvent(st.Object.Value)
	if !ok {
		return Event{}, false
	}
	return Event{RemoteDataObject: st.Subject.Value, Status: status}, true
}

// targetStatus maps a download status onto the task status it requests.
func targetStatus(d models.DownloadStatus) models.Status {
	switch d {
	case models.DownloadOngoing:
		return models.StatusBusy
	case models.DownloadSuccess:
		return models.StatusSuccess
	default:
		return models.StatusFailed
	}
}

// legal reports whether the event may be applied to a task in status old.
// A running download may not be reported as started again.
func legal(old models.Status, d models.DownloadStatus) bool {
	switch d {
	case models.DownloadOngoing:
		return old == models.StatusScheduled
	case models.DownloadSuccess, models.DownloadFailure:
		return old == models.StatusScheduled || old == models.StatusBusy
	}
	return false
}
