package models

import (
	"strings"

	"github.com/google/uuid"
)

// Base URIs under which new entities are minted.
const (
	JobBase              = "http://data.lblod.info/id/jobs/"
	TaskBase             = "http://data.lblod.info/id/tasks/"
	ErrorBase            = "http://data.lblod.info/errors/"
	RemoteDataObjectBase = "http://data.lblod.info/id/remote-data-objects/"
	AuthenticationBase   = "http://data.lblod.info/authentications/"
	ConfigurationBase    = "http://data.lblod.info/configurations/"
	CredentialsBase      = "http://data.lblod.info/credentials/"
	SubmissionBase       = "http://data.lblod.info/submissions/"
)

// Predicates the change feed is filtered on.
const (
	PredicateStatus = "http://www.w3.org/ns/adms#status"
	PredicateType   = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
)

// Identifier pairs the bare uuid with the URI built from it.
type Identifier struct {
	UUID string
	URI  string
}

func mint(base string) Identifier {
	id := uuid.NewString()
	return Identifier{UUID: id, URI: base + id}
}

func NewJobID() Identifier              { return mint(JobBase) }
func NewTaskID() Identifier             { return mint(TaskBase) }
func NewErrorID() Identifier            { return mint(ErrorBase) }
func NewRemoteDataObjectID() Identifier { return mint(RemoteDataObjectBase) }
func NewAuthenticationID() Identifier   { return mint(AuthenticationBase) }
func NewConfigurationID() Identifier    { return mint(ConfigurationBase) }
func NewCredentialsID() Identifier      { return mint(CredentialsBase) }

// SubmissionURI expands a submission uuid into its URI. A value that is
// already a URI is returned unchanged.
func SubmissionURI(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return SubmissionBase + id
}
