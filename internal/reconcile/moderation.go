package reconcile

import (
	"context"
	"strings"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ModerationChange is one reviewed edit of one entity. Unlike a bulk
// upload it may set every versioned field.
type ModerationChange struct {
	ExternalID  string            `json:"externalId"`
	ChangeType  domain.ChangeType `json:"changeType"`
	Fields      domain.Fields     `json:"fields"`
	Description string            `json:"description"`
}

// ModerationResult identifies the version a moderation change recorded.
type ModerationResult struct {
	ChangeSourceID uuid.UUID `json:"changeSourceId"`
	EntityID       uuid.UUID `json:"entityId"`
	VersionNumber  int       `json:"versionNumber"`
}

// ApplySingle records change under its own MODERATION change source. The
// result rolls back exactly like a bulk upload.
func (s *Service) ApplySingle(ctx context.Context, role domain.CallerRole, change ModerationChange) (result ModerationResult, err error) {
	ctx, span := tracer.Start(ctx, "reconcile.ApplySingle",
		trace.WithAttributes(
			attribute.String("regsync.external_id", change.ExternalID),
			attribute.String("regsync.change_type", string(change.ChangeType)),
		),
	)
	defer func() { endSpan(span, err) }()

	if !role.CanModerate {
		return ModerationResult{}, domain.NewError(domain.KindForbidden, nil, "caller may not moderate entities")
	}
	if err := validateModeration(&change); err != nil {
		return ModerationResult{}, err
	}

	now := s.timestamp()
	description := change.Description
	if description == "" {
		description = "moderation of " + change.ExternalID
	}
	source := domain.NewChangeSource(domain.ChangeSourceModeration, description, now)

	err = s.store.RunInTx(ctx, func(tx repository.VersionTx) error {
		current, err := tx.ListActiveByExternalIDs(ctx, []string{change.ExternalID})
		if err != nil {
			return err
		}
		match := domain.NewMatchIndex(current).Lookup(change.ExternalID)

		if err := tx.CreateChangeSource(ctx, source); err != nil {
			return err
		}

		var version domain.Version
		switch change.ChangeType {
		case domain.ChangeTypeInsert:
			if _, ok := match.(domain.Matched); ok {
				return domain.NewError(domain.KindConflict, nil, "entity %s already exists", change.ExternalID)
			}
			entity := domain.NewEntity(change.ExternalID, change.Fields, now)
			if err := tx.InsertEntities(ctx, []domain.Entity{entity}); err != nil {
				return err
			}
			version = domain.NewVersion(entity, 1, domain.ChangeTypeInsert, source.ID, now)

		default:
			m, ok := match.(domain.Matched)
			if !ok {
				return domain.NewError(domain.KindNotFound, nil, "no active entity with external id %s", change.ExternalID)
			}
			maxes, err := tx.MaxVersionNumbers(ctx, []uuid.UUID{m.Entity.ID})
			if err != nil {
				return err
			}
			if maxes[m.Entity.ID] < 1 {
				return domain.NewError(domain.KindMissingHistory, nil, "entity %s has no recorded versions", change.ExternalID)
			}

			var entity domain.Entity
			if change.ChangeType == domain.ChangeTypeDelete {
				entity = m.Entity.MarkDeleted(now)
			} else {
				if m.Entity.Fields.Equal(change.Fields) {
					return domain.NewError(domain.KindValidation, nil, "change to %s modifies nothing", change.ExternalID)
				}
				entity = m.Entity.WithFields(change.Fields, now)
			}
			if err := tx.UpdateEntities(ctx, []domain.Entity{entity}); err != nil {
				return err
			}
			version = domain.NewVersion(entity, maxes[m.Entity.ID]+1, change.ChangeType, source.ID, now)
		}

		if err := tx.InsertVersions(ctx, []domain.Version{version}); err != nil {
			return err
		}
		if _, err := tx.BumpGeneration(ctx); err != nil {
			return err
		}

		result = ModerationResult{
			ChangeSourceID: source.ID,
			EntityID:       version.EntityID,
			VersionNumber:  version.VersionNumber,
		}
		return nil
	})
	if err != nil {
		return ModerationResult{}, err
	}

	s.logger(ctx).WithField("change_source_id", source.ID).
		WithField("external_id", change.ExternalID).
		Infof("recorded moderation %s", change.ChangeType)
	return result, nil
}

func validateModeration(change *ModerationChange) error {
	change.ExternalID = strings.TrimSpace(change.ExternalID)
	if change.ExternalID == "" {
		return domain.NewError(domain.KindValidation, nil, "external id is required")
	}

	switch change.ChangeType {
	case domain.ChangeTypeInsert, domain.ChangeTypeUpdate:
		if strings.TrimSpace(change.Fields.FullName) == "" {
			return domain.NewError(domain.KindValidation, nil, "full name is required")
		}
		gender, err := domain.ParseGender(string(change.Fields.Gender))
		if err != nil {
			return domain.NewError(domain.KindValidation, err, "invalid gender")
		}
		change.Fields.Gender = gender
		change.Fields = normalizeOptionals(normalizeDates(change.Fields))
	case domain.ChangeTypeDelete:
	default:
		return domain.NewError(domain.KindValidation, nil, "unknown change type %q", change.ChangeType)
	}
	return nil
}

// normalizeOptionals trims text fields and stores blank optionals as nil,
// the same shape the row validator produces.
func normalizeOptionals(f domain.Fields) domain.Fields {
	f.FullName = strings.TrimSpace(f.FullName)
	for _, field := range []**string{&f.TranslatedName, &f.DeathPlace, &f.Location, &f.PhotoURL} {
		if *field != nil {
			*field = domain.StringPtr(**field)
		}
	}
	return f
}

func normalizeDates(f domain.Fields) domain.Fields {
	f = f.Clone()
	if f.BirthDate != nil {
		d := domain.NormalizeDate(f.BirthDate.UTC())
		f.BirthDate = &d
	}
	if f.DeathDate != nil {
		d := domain.NormalizeDate(f.DeathDate.UTC())
		f.DeathDate = &d
	}
	return f
}
