package domain

import "github.com/google/uuid"

// IncomingRecord is one validated row of a snapshot file.
type IncomingRecord struct {
	RowNumber  int    `json:"rowNumber"`
	ExternalID string `json:"externalId"`
	Fields     Fields `json:"fields"`
}

// FieldChange is one JSON-pointer level difference between the current and
// the incoming snapshot of an entity.
type FieldChange struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// DiffItem classifies one external identifier of a simulated upload.
type DiffItem struct {
	ExternalID string        `json:"externalId"`
	ChangeType ChangeType    `json:"changeType"`
	EntityID   *uuid.UUID    `json:"entityId,omitempty"`
	Current    *Fields       `json:"current,omitempty"`
	Incoming   Fields        `json:"incoming"`
	Changes    []FieldChange `json:"changes,omitempty"`
}

// DiffSummary counts the classification of a simulated upload.
type DiffSummary struct {
	TotalIncoming int `json:"totalIncoming"`
	Inserts       int `json:"inserts"`
	Updates       int `json:"updates"`
	Deletes       int `json:"deletes"`
	Unchanged     int `json:"unchanged"`
}

// HasChanges reports whether applying the upload would write any version.
func (s DiffSummary) HasChanges() bool {
	return s.Inserts+s.Updates+s.Deletes > 0
}

// SameChanges reports whether s and other classify the same number of rows.
func (s DiffSummary) SameChanges(other DiffSummary) bool {
	return s.TotalIncoming == other.TotalIncoming &&
		s.Inserts == other.Inserts &&
		s.Updates == other.Updates &&
		s.Deletes == other.Deletes
}

// DiffResult is the output of a simulation. Inserts may be a bounded sample;
// Updates and Deletes are complete. Generation identifies the store state the
// diff was computed against.
type DiffResult struct {
	Summary    DiffSummary `json:"summary"`
	Inserts    []DiffItem  `json:"inserts"`
	Updates    []DiffItem  `json:"updates"`
	Deletes    []DiffItem  `json:"deletes"`
	Generation int64       `json:"generation"`
}

// RollbackStats counts the versions reversed by a rollback.
type RollbackStats struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// CallerRole is the pre-validated authorization fact supplied by the caller's
// gateway. The engine performs no authorization logic beyond reading it.
type CallerRole struct {
	CanBulkUpload bool `json:"canBulkUpload"`
	CanRollback   bool `json:"canRollback"`
	CanModerate   bool `json:"canModerate"`
}
