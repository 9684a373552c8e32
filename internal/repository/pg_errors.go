package repository

import (
	"github.com/rpattn/regsync/internal/domain"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var constraintMessages = map[string]string{
	"idx_entities_active_external_id":              "an active entity with this external id already exists",
	"entity_versions_entity_id_version_number_key": "version number already recorded for entity",
	"bulk_uploads_change_source_id_key":            "change source already has a bulk upload",
	"entity_versions_change_source_id_fkey":        "versions still reference the change source",
	"entity_versions_entity_id_fkey":               "versions still reference the entity",
}

// mapPgError converts driver errors into engine errors. op names the
// attempted operation and prefixes the message.
func mapPgError(err error, op string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewError(domain.KindNotFound, err, "%s: not found", op)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return errors.Wrap(err, op)
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return domain.NewError(domain.KindConflict, err, "%s: %s", op, constraintMessage(pgErr.ConstraintName, "unique constraint violated"))
	case "23503": // foreign_key_violation
		return domain.NewError(domain.KindInternal, err, "%s: %s", op, constraintMessage(pgErr.ConstraintName, "foreign key violation"))
	default:
		return errors.Wrapf(err, "%s: database error (%s)", op, pgErr.Code)
	}
}

func constraintMessage(name, fallback string) string {
	if msg, ok := constraintMessages[name]; ok {
		return msg
	}
	return fallback
}
