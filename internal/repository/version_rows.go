package repository

import (
	"context"
	"strings"
	"time"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var entityColumnNames = []string{
	"id", "external_id", "full_name", "translated_name", "gender", "birth_date",
	"death_date", "death_place", "location", "photo_url", "is_deleted", "created_at", "updated_at",
}

var versionColumnNames = []string{
	"id", "entity_id", "change_source_id", "version_number", "change_type", "is_deleted",
	"full_name", "translated_name", "gender", "birth_date", "death_date", "death_place",
	"location", "photo_url", "created_at",
}

var bulkUploadColumnNames = []string{
	"id", "change_source_id", "file_name", "label", "release_date", "uploaded_at",
	"archive_url", "archive_key", "archive_size", "archive_sha256", "content_type", "preview",
}

// columnList renders names as a select list, qualified by alias when set.
func columnList(alias string, names []string) string {
	if alias == "" {
		return strings.Join(names, ", ")
	}
	qualified := make([]string, len(names))
	for i, name := range names {
		qualified[i] = alias + "." + name
	}
	return strings.Join(qualified, ", ")
}

func dateValue(value *time.Time) pgtype.Date {
	if value == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: domain.NormalizeDate(value.UTC()), Valid: true}
}

func datePtr(value pgtype.Date) *time.Time {
	if !value.Valid {
		return nil
	}
	t := domain.NormalizeDate(value.Time)
	return &t
}

func entityArgs(entity domain.Entity) []any {
	f := entity.Fields
	return []any{
		entity.ID,
		entity.ExternalID,
		f.FullName,
		f.TranslatedName,
		string(f.Gender),
		dateValue(f.BirthDate),
		dateValue(f.DeathDate),
		f.DeathPlace,
		f.Location,
		f.PhotoURL,
		entity.IsDeleted,
		entity.CreatedAt,
		entity.UpdatedAt,
	}
}

func updateEntityArgs(entity domain.Entity) []any {
	f := entity.Fields
	return []any{
		entity.ID,
		f.FullName,
		f.TranslatedName,
		string(f.Gender),
		dateValue(f.BirthDate),
		dateValue(f.DeathDate),
		f.DeathPlace,
		f.Location,
		f.PhotoURL,
		entity.IsDeleted,
		entity.UpdatedAt,
	}
}

func versionArgs(version domain.Version) []any {
	f := version.Fields
	return []any{
		version.ID,
		version.EntityID,
		version.ChangeSourceID,
		int32(version.VersionNumber),
		string(version.ChangeType),
		version.IsDeleted,
		f.FullName,
		f.TranslatedName,
		string(f.Gender),
		dateValue(f.BirthDate),
		dateValue(f.DeathDate),
		f.DeathPlace,
		f.Location,
		f.PhotoURL,
		version.CreatedAt,
	}
}

func bulkUploadArgs(upload domain.BulkUpload) []any {
	a := upload.Archive
	return []any{
		upload.ID,
		upload.ChangeSourceID,
		upload.FileName,
		upload.Label,
		dateValue(upload.ReleaseDate),
		upload.UploadedAt,
		a.URL,
		a.Key,
		a.Size,
		a.SHA256,
		a.ContentType,
		a.Preview,
	}
}

// entityScan collects the destinations for one entity row.
type entityScan struct {
	entity    domain.Entity
	gender    string
	birthDate pgtype.Date
	deathDate pgtype.Date
}

func (s *entityScan) dest() []any {
	f := &s.entity.Fields
	return []any{
		&s.entity.ID,
		&s.entity.ExternalID,
		&f.FullName,
		&f.TranslatedName,
		&s.gender,
		&s.birthDate,
		&s.deathDate,
		&f.DeathPlace,
		&f.Location,
		&f.PhotoURL,
		&s.entity.IsDeleted,
		&s.entity.CreatedAt,
		&s.entity.UpdatedAt,
	}
}

func (s *entityScan) result() domain.Entity {
	s.entity.Fields.Gender = domain.Gender(s.gender)
	s.entity.Fields.BirthDate = datePtr(s.birthDate)
	s.entity.Fields.DeathDate = datePtr(s.deathDate)
	return s.entity
}

type versionScan struct {
	version    domain.Version
	number     int32
	changeType string
	gender     string
	birthDate  pgtype.Date
	deathDate  pgtype.Date
}

func (s *versionScan) dest() []any {
	f := &s.version.Fields
	return []any{
		&s.version.ID,
		&s.version.EntityID,
		&s.version.ChangeSourceID,
		&s.number,
		&s.changeType,
		&s.version.IsDeleted,
		&f.FullName,
		&f.TranslatedName,
		&s.gender,
		&s.birthDate,
		&s.deathDate,
		&f.DeathPlace,
		&f.Location,
		&f.PhotoURL,
		&s.version.CreatedAt,
	}
}

func (s *versionScan) result() domain.Version {
	s.version.VersionNumber = int(s.number)
	s.version.ChangeType = domain.ChangeType(s.changeType)
	s.version.Fields.Gender = domain.Gender(s.gender)
	s.version.Fields.BirthDate = datePtr(s.birthDate)
	s.version.Fields.DeathDate = datePtr(s.deathDate)
	return s.version
}

type bulkUploadScan struct {
	upload      domain.BulkUpload
	releaseDate pgtype.Date
}

func (s *bulkUploadScan) dest() []any {
	a := &s.upload.Archive
	return []any{
		&s.upload.ID,
		&s.upload.ChangeSourceID,
		&s.upload.FileName,
		&s.upload.Label,
		&s.releaseDate,
		&s.upload.UploadedAt,
		&a.URL,
		&a.Key,
		&a.Size,
		&a.SHA256,
		&a.ContentType,
		&a.Preview,
	}
}

func (s *bulkUploadScan) result() domain.BulkUpload {
	s.upload.ReleaseDate = datePtr(s.releaseDate)
	return s.upload
}

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var s entityScan
	if err := row.Scan(s.dest()...); err != nil {
		return domain.Entity{}, err
	}
	return s.result(), nil
}

func scanVersion(row pgx.Row) (domain.Version, error) {
	var s versionScan
	if err := row.Scan(s.dest()...); err != nil {
		return domain.Version{}, err
	}
	return s.result(), nil
}

func collectEntities(rows pgx.Rows, op string) ([]domain.Entity, error) {
	defer rows.Close()

	entities := []domain.Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, mapPgError(err, op)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, op)
	}
	return entities, nil
}

func collectVersions(rows pgx.Rows, op string) ([]domain.Version, error) {
	defer rows.Close()

	versions := []domain.Version{}
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, mapPgError(err, op)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, op)
	}
	return versions, nil
}
