package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/regsync/internal/db"
	"github.com/rpattn/regsync/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type versionStore struct {
	pgReader
	conn *db.Connection
}

// NewVersionStore wires a Version Store backed by Postgres.
func NewVersionStore(conn *db.Connection) VersionStore {
	return &versionStore{pgReader: pgReader{q: conn.Pool}, conn: conn}
}

func (s *versionStore) RunInTx(ctx context.Context, fn func(tx VersionTx) error) error {
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&versionTx{pgReader: pgReader{q: tx}})
	})
}

func (s *versionStore) ReadSnapshot(ctx context.Context, fn func(r VersionReader) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return s.conn.WithTxOptions(ctx, opts, func(tx pgx.Tx) error {
		return fn(pgReader{q: tx})
	})
}

func (s *versionStore) GetChangeSource(ctx context.Context, id uuid.UUID) (domain.ChangeSource, error) {
	return s.getChangeSource(ctx, id, false)
}

func (s *versionStore) GetBulkUploadBySource(ctx context.Context, changeSourceID uuid.UUID) (domain.BulkUpload, error) {
	var scan bulkUploadScan
	err := s.q.QueryRow(ctx,
		`SELECT `+columnList("", bulkUploadColumnNames)+`
		 FROM bulk_uploads
		 WHERE change_source_id = $1`,
		changeSourceID,
	).Scan(scan.dest()...)
	if err != nil {
		return domain.BulkUpload{}, mapPgError(err, fmt.Sprintf("get bulk upload for change source %s", changeSourceID))
	}
	return scan.result(), nil
}

func (s *versionStore) ListBulkUploads(ctx context.Context, limit int, offset int) ([]domain.UploadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.q.Query(ctx,
		`SELECT `+columnList("bu", bulkUploadColumnNames)+`,
		        cs.id, cs.type, cs.description, cs.created_at,
		        (SELECT COUNT(*) FROM entity_versions v WHERE v.change_source_id = cs.id),
		        NOT EXISTS (
		            SELECT 1
		            FROM entity_versions o
		            WHERE o.change_source_id = cs.id
		            GROUP BY o.entity_id
		            HAVING MAX(o.version_number) <
		                   (SELECT MAX(v.version_number) FROM entity_versions v WHERE v.entity_id = o.entity_id)
		        )
		 FROM bulk_uploads bu
		 JOIN change_sources cs ON cs.id = bu.change_source_id
		 ORDER BY bu.uploaded_at DESC, bu.id
		 LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, mapPgError(err, "list bulk uploads")
	}
	defer rows.Close()

	records := []domain.UploadRecord{}
	for rows.Next() {
		var (
			scan         bulkUploadScan
			source       domain.ChangeSource
			sourceType   string
			count        int64
			rollbackable bool
		)
		dest := append(scan.dest(), &source.ID, &sourceType, &source.Description, &source.CreatedAt, &count, &rollbackable)
		if err := rows.Scan(dest...); err != nil {
			return nil, mapPgError(err, "scan bulk upload")
		}
		source.Type = domain.ChangeSourceType(sourceType)
		records = append(records, domain.UploadRecord{
			Upload:       scan.result(),
			Source:       source,
			VersionCount: int(count),
			Rollbackable: rollbackable,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "list bulk uploads")
	}
	return records, nil
}

func (s *versionStore) ListHistoryByExternalID(ctx context.Context, externalID string) ([]domain.EntityHistory, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+columnList("", entityColumnNames)+`
		 FROM entities
		 WHERE external_id = $1
		 ORDER BY created_at, id`,
		externalID,
	)
	if err != nil {
		return nil, mapPgError(err, "list entities for history")
	}
	entities, err := collectEntities(rows, "list entities for history")
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, domain.NewError(domain.KindNotFound, nil, "no entity with external id %q", externalID)
	}

	ids := make([]uuid.UUID, len(entities))
	for i, entity := range entities {
		ids[i] = entity.ID
	}

	rows, err = s.q.Query(ctx,
		`SELECT `+columnList("", versionColumnNames)+`
		 FROM entity_versions
		 WHERE entity_id = ANY($1)
		 ORDER BY entity_id, version_number`,
		ids,
	)
	if err != nil {
		return nil, mapPgError(err, "list entity versions")
	}
	versions, err := collectVersions(rows, "list entity versions")
	if err != nil {
		return nil, err
	}

	byEntity := make(map[uuid.UUID][]domain.Version, len(entities))
	for _, version := range versions {
		byEntity[version.EntityID] = append(byEntity[version.EntityID], version)
	}

	history := make([]domain.EntityHistory, len(entities))
	for i, entity := range entities {
		history[i] = domain.EntityHistory{Entity: entity, Versions: byEntity[entity.ID]}
	}
	return history, nil
}

// pgReader implements VersionReader over the pool or a transaction.
type pgReader struct {
	q querier
}

func (r pgReader) ListActiveByExternalIDs(ctx context.Context, externalIDs []string) ([]domain.Entity, error) {
	if len(externalIDs) == 0 {
		return []domain.Entity{}, nil
	}
	rows, err := r.q.Query(ctx,
		`SELECT `+columnList("", entityColumnNames)+`
		 FROM entities
		 WHERE NOT is_deleted AND external_id = ANY($1)`,
		externalIDs,
	)
	if err != nil {
		return nil, mapPgError(err, "list matching entities")
	}
	return collectEntities(rows, "list matching entities")
}

func (r pgReader) ListActive(ctx context.Context) ([]domain.Entity, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+columnList("", entityColumnNames)+`
		 FROM entities
		 WHERE NOT is_deleted
		 ORDER BY external_id`,
	)
	if err != nil {
		return nil, mapPgError(err, "list active entities")
	}
	return collectEntities(rows, "list active entities")
}

func (r pgReader) MaxVersionNumbers(ctx context.Context, entityIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	result := make(map[uuid.UUID]int, len(entityIDs))
	if len(entityIDs) == 0 {
		return result, nil
	}

	rows, err := r.q.Query(ctx,
		`SELECT entity_id, MAX(version_number)
		 FROM entity_versions
		 WHERE entity_id = ANY($1)
		 GROUP BY entity_id`,
		entityIDs,
	)
	if err != nil {
		return nil, mapPgError(err, "load max version numbers")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     uuid.UUID
			number int32
		)
		if err := rows.Scan(&id, &number); err != nil {
			return nil, mapPgError(err, "scan max version number")
		}
		result[id] = int(number)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "load max version numbers")
	}
	return result, nil
}

func (r pgReader) Generation(ctx context.Context) (int64, error) {
	var generation int64
	if err := r.q.QueryRow(ctx, `SELECT generation FROM store_state WHERE id = 1`).Scan(&generation); err != nil {
		return 0, mapPgError(err, "read store generation")
	}
	return generation, nil
}

func (r pgReader) FindBlockingSources(ctx context.Context, changeSourceID uuid.UUID) ([]domain.VersionConflict, error) {
	rows, err := r.q.Query(ctx,
		`WITH own AS (
		     SELECT entity_id, MAX(version_number) AS max_version
		     FROM entity_versions
		     WHERE change_source_id = $1
		     GROUP BY entity_id
		 )
		 SELECT v.entity_id, e.external_id, v.version_number, v.change_source_id, cs.description
		 FROM entity_versions v
		 JOIN own ON own.entity_id = v.entity_id AND v.version_number > own.max_version
		 JOIN entities e ON e.id = v.entity_id
		 JOIN change_sources cs ON cs.id = v.change_source_id
		 WHERE v.change_source_id <> $1
		 ORDER BY cs.created_at, e.external_id, v.version_number`,
		changeSourceID,
	)
	if err != nil {
		return nil, mapPgError(err, "find blocking change sources")
	}
	defer rows.Close()

	conflicts := []domain.VersionConflict{}
	for rows.Next() {
		var (
			conflict domain.VersionConflict
			number   int32
		)
		if err := rows.Scan(&conflict.EntityID, &conflict.ExternalID, &number, &conflict.ChangeSourceID, &conflict.ChangeSourceDescription); err != nil {
			return nil, mapPgError(err, "scan blocking change source")
		}
		conflict.VersionNumber = int(number)
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "find blocking change sources")
	}
	return conflicts, nil
}

func (r pgReader) getChangeSource(ctx context.Context, id uuid.UUID, lock bool) (domain.ChangeSource, error) {
	query := `SELECT id, type, description, created_at FROM change_sources WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		source     domain.ChangeSource
		sourceType string
	)
	if err := r.q.QueryRow(ctx, query, id).Scan(&source.ID, &sourceType, &source.Description, &source.CreatedAt); err != nil {
		return domain.ChangeSource{}, mapPgError(err, fmt.Sprintf("get change source %s", id))
	}
	source.Type = domain.ChangeSourceType(sourceType)
	return source, nil
}

// versionTx implements VersionTx on an open pgx transaction.
type versionTx struct {
	pgReader
}

// GetChangeSource locks the change source row for the rest of the transaction.
func (t *versionTx) GetChangeSource(ctx context.Context, id uuid.UUID) (domain.ChangeSource, error) {
	return t.getChangeSource(ctx, id, true)
}

func (t *versionTx) CreateChangeSource(ctx context.Context, source domain.ChangeSource) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO change_sources (id, type, description, created_at) VALUES ($1, $2, $3, $4)`,
		source.ID, string(source.Type), source.Description, source.CreatedAt,
	)
	return mapPgError(err, "create change source")
}

func (t *versionTx) CreateBulkUpload(ctx context.Context, upload domain.BulkUpload) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bulk_uploads (`+columnList("", bulkUploadColumnNames)+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		bulkUploadArgs(upload)...,
	)
	return mapPgError(err, "create bulk upload")
}

func (t *versionTx) DeleteChangeSource(ctx context.Context, id uuid.UUID) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM bulk_uploads WHERE change_source_id = $1`, id); err != nil {
		return mapPgError(err, "delete bulk upload")
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM change_sources WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err, "delete change source")
	}
	if tag.RowsAffected() != 1 {
		return domain.NewError(domain.KindNotFound, nil, "change source %s not found", id)
	}
	return nil
}

func (t *versionTx) InsertEntities(ctx context.Context, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	_, err := t.q.CopyFrom(ctx,
		pgx.Identifier{"entities"},
		entityColumnNames,
		pgx.CopyFromSlice(len(entities), func(i int) ([]any, error) {
			return entityArgs(entities[i]), nil
		}),
	)
	return mapPgError(err, "copy entities")
}

const updateEntitySQL = `UPDATE entities
	SET full_name = $2, translated_name = $3, gender = $4, birth_date = $5, death_date = $6,
	    death_place = $7, location = $8, photo_url = $9, is_deleted = $10, updated_at = $11
	WHERE id = $1`

func (t *versionTx) UpdateEntities(ctx context.Context, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entity := range entities {
		batch.Queue(updateEntitySQL, updateEntityArgs(entity)...)
	}

	results := t.q.SendBatch(ctx, batch)
	for _, entity := range entities {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return mapPgError(err, fmt.Sprintf("update entity %s", entity.ExternalID))
		}
		if tag.RowsAffected() != 1 {
			_ = results.Close()
			return domain.NewError(domain.KindNotFound, nil, "update entity %s: entity %s not found", entity.ExternalID, entity.ID)
		}
	}
	return mapPgError(results.Close(), "update entities")
}

func (t *versionTx) DeleteEntities(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return mapPgError(err, "delete entities")
	}
	if int(tag.RowsAffected()) != len(ids) {
		return domain.NewError(domain.KindNotFound, nil, "delete entities: removed %d of %d", tag.RowsAffected(), len(ids))
	}
	return nil
}

func (t *versionTx) InsertVersions(ctx context.Context, versions []domain.Version) error {
	if len(versions) == 0 {
		return nil
	}
	_, err := t.q.CopyFrom(ctx,
		pgx.Identifier{"entity_versions"},
		versionColumnNames,
		pgx.CopyFromSlice(len(versions), func(i int) ([]any, error) {
			return versionArgs(versions[i]), nil
		}),
	)
	return mapPgError(err, "copy entity versions")
}

func (t *versionTx) DeleteVersions(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM entity_versions WHERE id = ANY($1)`, ids)
	if err != nil {
		return mapPgError(err, "delete entity versions")
	}
	if int(tag.RowsAffected()) != len(ids) {
		return domain.NewError(domain.KindNotFound, nil, "delete entity versions: removed %d of %d", tag.RowsAffected(), len(ids))
	}
	return nil
}

func (t *versionTx) ListVersionsBySource(ctx context.Context, changeSourceID uuid.UUID) ([]domain.SourceVersion, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+columnList("v", versionColumnNames)+`, `+columnList("e", entityColumnNames)+`
		 FROM entity_versions v
		 JOIN entities e ON e.id = v.entity_id
		 WHERE v.change_source_id = $1
		 ORDER BY v.entity_id, v.version_number DESC`,
		changeSourceID,
	)
	if err != nil {
		return nil, mapPgError(err, "list versions by change source")
	}
	defer rows.Close()

	joined := []domain.SourceVersion{}
	for rows.Next() {
		var (
			version versionScan
			entity  entityScan
		)
		if err := rows.Scan(append(version.dest(), entity.dest()...)...); err != nil {
			return nil, mapPgError(err, "scan change source version")
		}
		joined = append(joined, domain.SourceVersion{Version: version.result(), Entity: entity.result()})
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "list versions by change source")
	}
	return joined, nil
}

func (t *versionTx) GetVersions(ctx context.Context, keys []domain.VersionKey) (map[domain.VersionKey]domain.Version, error) {
	result := make(map[domain.VersionKey]domain.Version, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	entityIDs := make([]uuid.UUID, len(keys))
	numbers := make([]int32, len(keys))
	for i, key := range keys {
		entityIDs[i] = key.EntityID
		numbers[i] = int32(key.VersionNumber)
	}

	rows, err := t.q.Query(ctx,
		`SELECT `+columnList("v", versionColumnNames)+`
		 FROM entity_versions v
		 JOIN unnest($1::uuid[], $2::int[]) AS k(entity_id, version_number)
		   ON v.entity_id = k.entity_id AND v.version_number = k.version_number`,
		entityIDs, numbers,
	)
	if err != nil {
		return nil, mapPgError(err, "load predecessor versions")
	}
	versions, err := collectVersions(rows, "load predecessor versions")
	if err != nil {
		return nil, err
	}
	for _, version := range versions {
		result[version.Key()] = version
	}
	return result, nil
}

func (t *versionTx) BumpGeneration(ctx context.Context) (int64, error) {
	var generation int64
	err := t.q.QueryRow(ctx, `UPDATE store_state SET generation = generation + 1 WHERE id = 1 RETURNING generation`).Scan(&generation)
	if err != nil {
		return 0, mapPgError(err, "bump store generation")
	}
	return generation, nil
}
