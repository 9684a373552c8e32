package reconcile

import (
	"context"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/go-faster/errors"
)

// History returns every entity row recorded for externalID with its versions
// in ascending order. Re-inserted identifiers yield more than one row.
func (s *Service) History(ctx context.Context, externalID string) ([]domain.EntityHistory, error) {
	if externalID == "" {
		return nil, domain.NewError(domain.KindValidation, nil, "external id is required")
	}
	return s.store.ListHistoryByExternalID(ctx, externalID)
}

// ListUploads lists bulk uploads newest first. Rollbackable is false while a
// later change source sits on top of any version the upload wrote.
func (s *Service) ListUploads(ctx context.Context, limit, offset int) ([]domain.UploadRecord, error) {
	records, err := s.store.ListBulkUploads(ctx, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list uploads")
	}
	return records, nil
}
