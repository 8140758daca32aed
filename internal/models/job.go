package models

import (
	"time"
)

// Job tracks one processing attempt of a submission. Jobs are never
// deleted; they are the audit trail of the flow.
type Job struct {
	ID         string    `json:"id"`
	UUID       string    `json:"uuid"`
	Graph      string    `json:"graph"`
	Creator    string    `json:"creator"`
	Submission string    `json:"submission"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Task is one ordered step of a Job.
type Task struct {
	ID         string    `json:"id"`
	UUID       string    `json:"uuid"`
	Graph      string    `json:"graph"`
	Job        string    `json:"job"`
	Operation  Operation `json:"operation"`
	Index      int       `json:"index"`
	Status     Status    `json:"status"`
	Creator    string    `json:"creator"`
	Input      string    `json:"input,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ErrorEntry is a durably recorded failure.
type ErrorEntry struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	Graph     string    `json:"graph"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Creator   string    `json:"creator"`
	CreatedAt time.Time `json:"created_at"`
}

// Submission is the part of the ingested document the flow keeps track of.
type Submission struct {
	ID         string    `json:"id"`
	Graph      string    `json:"graph"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// RemoteDataObject is the logical file the download step fetches. Once
// downloaded it also carries the file metadata copied from the physical file.
type RemoteDataObject struct {
	ID                string         `json:"id"`
	UUID              string         `json:"uuid"`
	Graph             string         `json:"graph"`
	Submission        string         `json:"submission"`
	URL               string         `json:"url"`
	Status            DownloadStatus `json:"status"`
	Creator           string         `json:"creator"`
	AuthConfiguration string         `json:"authentication_configuration,omitempty"`
	CacheError        string         `json:"cache_error,omitempty"`
	File              *FileMetadata  `json:"file,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ModifiedAt        time.Time      `json:"modified_at"`
}

// FileMetadata describes a downloaded file.
type FileMetadata struct {
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	Size      int64     `json:"size"`
	Extension string    `json:"extension"`
	CreatedAt time.Time `json:"created_at"`
}

// PhysicalFile is written by the download step; its DataSource points back
// to the remote data object it was fetched for.
type PhysicalFile struct {
	ID         string       `json:"id"`
	Graph      string       `json:"graph"`
	DataSource string       `json:"data_source"`
	Metadata   FileMetadata `json:"metadata"`
}
