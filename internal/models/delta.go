package models

// Term is one position of a statement in a change notification.
type Term struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
}

// Statement is a single inserted or deleted triple.
type Statement struct {
	Subject   Term  `json:"subject"`
	Predicate Term  `json:"predicate"`
	Object    Term  `json:"object"`
	Graph     *Term `json:"graph,omitempty"`
}

// Changeset is one entry of a change notification batch.
type Changeset struct {
	Inserts []Statement `json:"inserts"`
	Deletes []Statement `json:"deletes"`
}
