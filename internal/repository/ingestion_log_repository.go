package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ingestionLogRepository struct {
	pool *pgxpool.Pool
}

// NewIngestionLogRepository wires a repository backed by pgxpool.
func NewIngestionLogRepository(pool *pgxpool.Pool) IngestionLogRepository {
	return &ingestionLogRepository{pool: pool}
}

func (r *ingestionLogRepository) Record(ctx context.Context, entry domain.IngestionLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("ingestion log repository not initialized")
	}

	var rowNumber any
	if entry.RowNumber != nil {
		rowNumber = int32(*entry.RowNumber)
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO ingestion_logs (file_name, label, row_number, kind, error_message)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.FileName,
		entry.Label,
		rowNumber,
		string(entry.Kind),
		entry.ErrorMessage,
	)
	if err != nil {
		return mapPgError(err, "record ingestion log")
	}

	return nil
}

func (r *ingestionLogRepository) List(ctx context.Context, fileName string, limit int, offset int) ([]domain.IngestionLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("ingestion log repository not initialized")
	}

	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, file_name, label, row_number, kind, error_message, created_at
		 FROM ingestion_logs
		 WHERE $1 = '' OR file_name = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		fileName,
		limit,
		offset,
	)
	if err != nil {
		return nil, mapPgError(err, "list ingestion logs")
	}
	defer rows.Close()

	logs := []domain.IngestionLogEntry{}
	for rows.Next() {
		var (
			entry     domain.IngestionLogEntry
			kind      string
			rowNumber pgtype.Int4
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.FileName,
			&entry.Label,
			&rowNumber,
			&kind,
			&entry.ErrorMessage,
			&createdAt,
		); scanErr != nil {
			return nil, mapPgError(scanErr, "scan ingestion log")
		}

		entry.Kind = domain.ErrorKind(kind)
		if rowNumber.Valid {
			value := int(rowNumber.Int32)
			entry.RowNumber = &value
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}

		logs = append(logs, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, mapPgError(rowsErr, "iterate ingestion logs")
	}

	return logs, nil
}
