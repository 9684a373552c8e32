package domain

import (
	"time"

	"github.com/google/uuid"
)

// ChangeSourceType discriminates the operation that produced a change source.
type ChangeSourceType string

const (
	ChangeSourceBulkUpload ChangeSourceType = "BULK_UPLOAD"
	ChangeSourceModeration ChangeSourceType = "MODERATION"
)

// ChangeSource groups every version produced by one logical operation.
type ChangeSource struct {
	ID          uuid.UUID        `json:"id"`
	Type        ChangeSourceType `json:"type"`
	Description string           `json:"description"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// NewChangeSource creates a change source with a fresh identifier.
func NewChangeSource(sourceType ChangeSourceType, description string, now time.Time) ChangeSource {
	return ChangeSource{
		ID:          uuid.New(),
		Type:        sourceType,
		Description: description,
		CreatedAt:   now,
	}
}

// ArchiveRef points at the archived raw bytes of an upload.
type ArchiveRef struct {
	URL         string  `json:"url"`
	Key         string  `json:"key"`
	Size        int64   `json:"size"`
	SHA256      string  `json:"sha256"`
	ContentType string  `json:"contentType"`
	Preview     *string `json:"preview,omitempty"`
}

// BulkUpload is the metadata of one ingested file. It is linked one-to-one
// with the change source that recorded its versions.
type BulkUpload struct {
	ID             uuid.UUID  `json:"id"`
	ChangeSourceID uuid.UUID  `json:"changeSourceId"`
	FileName       string     `json:"fileName"`
	Label          string     `json:"label"`
	ReleaseDate    *time.Time `json:"releaseDate,omitempty"`
	UploadedAt     time.Time  `json:"uploadedAt"`
	Archive        ArchiveRef `json:"archive"`
}

// UploadRecord is a bulk upload joined with its change source for audit listings.
type UploadRecord struct {
	Upload       BulkUpload   `json:"upload"`
	Source       ChangeSource `json:"source"`
	VersionCount int          `json:"versionCount"`
	Rollbackable bool         `json:"rollbackable"`
}

// IngestionLogEntry captures a rejected file or row.
type IngestionLogEntry struct {
	ID           uuid.UUID `json:"id"`
	FileName     string    `json:"file_name"`
	Label        string    `json:"label"`
	RowNumber    *int      `json:"row_number,omitempty"`
	Kind         ErrorKind `json:"kind"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}
