package repository

import (
	"context"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/google/uuid"
)

// VersionReader exposes the read side of the Version Store. Every method is
// a single bulk query.
type VersionReader interface {
	// ListActiveByExternalIDs returns the non-deleted entities owning any of the given external ids.
	ListActiveByExternalIDs(ctx context.Context, externalIDs []string) ([]domain.Entity, error)
	// ListActive returns every non-deleted entity.
	ListActive(ctx context.Context) ([]domain.Entity, error)
	// MaxVersionNumbers returns the highest version number recorded for each entity.
	MaxVersionNumbers(ctx context.Context, entityIDs []uuid.UUID) (map[uuid.UUID]int, error)
	// Generation returns the store state token bumped by every mutating transaction.
	Generation(ctx context.Context) (int64, error)
	// FindBlockingSources lists versions from other change sources stacked on
	// top of the latest version the given change source wrote per entity.
	FindBlockingSources(ctx context.Context, changeSourceID uuid.UUID) ([]domain.VersionConflict, error)
}

// VersionTx is the write side of the Version Store, valid only inside RunInTx.
type VersionTx interface {
	VersionReader

	GetChangeSource(ctx context.Context, id uuid.UUID) (domain.ChangeSource, error)
	CreateChangeSource(ctx context.Context, source domain.ChangeSource) error
	CreateBulkUpload(ctx context.Context, upload domain.BulkUpload) error
	// DeleteChangeSource removes the change source and its bulk upload. It
	// fails while any version still references the change source.
	DeleteChangeSource(ctx context.Context, id uuid.UUID) error

	InsertEntities(ctx context.Context, entities []domain.Entity) error
	UpdateEntities(ctx context.Context, entities []domain.Entity) error
	DeleteEntities(ctx context.Context, ids []uuid.UUID) error

	InsertVersions(ctx context.Context, versions []domain.Version) error
	DeleteVersions(ctx context.Context, ids []uuid.UUID) error
	ListVersionsBySource(ctx context.Context, changeSourceID uuid.UUID) ([]domain.SourceVersion, error)
	GetVersions(ctx context.Context, keys []domain.VersionKey) (map[domain.VersionKey]domain.Version, error)

	// BumpGeneration advances the store state token and returns the new value.
	BumpGeneration(ctx context.Context) (int64, error)
}

// VersionStore is the append-only history of entity states.
type VersionStore interface {
	VersionReader

	// RunInTx runs fn in one atomic unit. Nothing fn wrote is visible when it returns an error.
	RunInTx(ctx context.Context, fn func(tx VersionTx) error) error
	// ReadSnapshot runs fn against one consistent read-only view of the store.
	ReadSnapshot(ctx context.Context, fn func(r VersionReader) error) error

	GetChangeSource(ctx context.Context, id uuid.UUID) (domain.ChangeSource, error)
	GetBulkUploadBySource(ctx context.Context, changeSourceID uuid.UUID) (domain.BulkUpload, error)
	// ListBulkUploads lists uploads newest first with their version count and
	// whether no later change source has written over them.
	ListBulkUploads(ctx context.Context, limit int, offset int) ([]domain.UploadRecord, error)
	ListHistoryByExternalID(ctx context.Context, externalID string) ([]domain.EntityHistory, error)
}

// IngestionLogRepository captures rejected snapshot files.
type IngestionLogRepository interface {
	Record(ctx context.Context, entry domain.IngestionLogEntry) error
	List(ctx context.Context, fileName string, limit int, offset int) ([]domain.IngestionLogEntry, error)
}
