package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies how a version changed its entity.
type ChangeType string

const (
	ChangeTypeInsert ChangeType = "INSERT"
	ChangeTypeUpdate ChangeType = "UPDATE"
	ChangeTypeDelete ChangeType = "DELETE"
)

// Version is an immutable snapshot of an entity's fields. Version numbers
// start at 1 and are gap-free per entity.
type Version struct {
	ID             uuid.UUID  `json:"id"`
	EntityID       uuid.UUID  `json:"entityId"`
	ChangeSourceID uuid.UUID  `json:"changeSourceId"`
	VersionNumber  int        `json:"versionNumber"`
	ChangeType     ChangeType `json:"changeType"`
	IsDeleted      bool       `json:"isDeleted"`
	Fields         Fields     `json:"fields"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// NewVersion snapshots entity as version number under the given change source.
func NewVersion(entity Entity, number int, changeType ChangeType, changeSourceID uuid.UUID, now time.Time) Version {
	return Version{
		ID:             uuid.New(),
		EntityID:       entity.ID,
		ChangeSourceID: changeSourceID,
		VersionNumber:  number,
		ChangeType:     changeType,
		IsDeleted:      entity.IsDeleted,
		Fields:         entity.Fields.Clone(),
		CreatedAt:      now,
	}
}

// Mirrors reports whether v records exactly the current state of entity.
func (v Version) Mirrors(entity Entity) bool {
	return v.EntityID == entity.ID && v.IsDeleted == entity.IsDeleted && v.Fields.Equal(entity.Fields)
}

// VersionKey addresses one version of one entity.
type VersionKey struct {
	EntityID      uuid.UUID
	VersionNumber int
}

// Key returns the lookup key of the version.
func (v Version) Key() VersionKey {
	return VersionKey{EntityID: v.EntityID, VersionNumber: v.VersionNumber}
}

// SourceVersion is a version joined to its parent entity.
type SourceVersion struct {
	Version Version
	Entity  Entity
}

// VersionConflict describes a version written by another change source on
// top of a version the rollback target produced.
type VersionConflict struct {
	EntityID                uuid.UUID `json:"entityId"`
	ExternalID              string    `json:"externalId"`
	VersionNumber           int       `json:"versionNumber"`
	ChangeSourceID          uuid.UUID `json:"changeSourceId"`
	ChangeSourceDescription string    `json:"changeSourceDescription"`
}

// EntityHistory captures every version recorded for one entity row.
type EntityHistory struct {
	Entity   Entity    `json:"entity"`
	Versions []Version `json:"versions"`
}
