package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BlockingSource names a change source that must be rolled back first.
type BlockingSource struct {
	ChangeSourceID uuid.UUID `json:"changeSourceId"`
	Description    string    `json:"description"`
}

// Rollback reverses every version the change source produced and deletes
// the change source with its bulk upload, all in one transaction. It fails
// with CONFLICT while a later change source has written on top of any of
// those versions.
func (s *Service) Rollback(ctx context.Context, role domain.CallerRole, changeSourceID uuid.UUID) (stats domain.RollbackStats, err error) {
	ctx, span := tracer.Start(ctx, "reconcile.Rollback",
		trace.WithAttributes(attribute.String("regsync.change_source_id", changeSourceID.String())),
	)
	defer func() {
		rollbacks.WithLabelValues(rollbackResult(err)).Inc()
		endSpan(span, err)
	}()

	if !role.CanRollback {
		return domain.RollbackStats{}, domain.NewError(domain.KindForbidden, nil, "caller may not roll back uploads")
	}

	log := s.logger(ctx).WithField("change_source_id", changeSourceID)
	now := s.timestamp()

	err = s.store.RunInTx(ctx, func(tx repository.VersionTx) error {
		if _, err := tx.GetChangeSource(ctx, changeSourceID); err != nil {
			return err
		}

		blockers, err := tx.FindBlockingSources(ctx, changeSourceID)
		if err != nil {
			return err
		}
		if len(blockers) > 0 {
			return blockedError(changeSourceID, blockers)
		}

		owned, err := tx.ListVersionsBySource(ctx, changeSourceID)
		if err != nil {
			return err
		}

		rev, err := planReversal(ctx, tx, owned)
		if err != nil {
			return err
		}
		stats = rev.stats

		if err := checkUndeletes(ctx, tx, rev.restore); err != nil {
			return err
		}

		restored := make([]domain.Entity, 0, len(rev.restore))
		for _, r := range rev.restore {
			restored = append(restored, r.entity.RestoredFrom(r.predecessor, now))
		}

		if len(rev.versionIDs) > 0 {
			if err := tx.DeleteVersions(ctx, rev.versionIDs); err != nil {
				return err
			}
		}
		if len(restored) > 0 {
			if err := tx.UpdateEntities(ctx, restored); err != nil {
				return err
			}
		}
		if len(rev.removeEntities) > 0 {
			if err := tx.DeleteEntities(ctx, rev.removeEntities); err != nil {
				return err
			}
		}
		if err := tx.DeleteChangeSource(ctx, changeSourceID); err != nil {
			return err
		}
		_, err = tx.BumpGeneration(ctx)
		return err
	})
	if err != nil {
		entry := log.WithError(err).WithField("kind", domain.KindOf(err))
		if domain.IsKind(err, domain.KindMissingHistory) {
			rollbackMissingHistory.Inc()
			entry.Error("rollback aborted, history is incomplete")
		} else {
			entry.Warn("rollback failed")
		}
		return domain.RollbackStats{}, err
	}

	log.WithFields(logrus.Fields{
		"inserts": stats.Inserts,
		"updates": stats.Updates,
		"deletes": stats.Deletes,
	}).Info("rolled back change source")
	return stats, nil
}

func rollbackResult(err error) string {
	switch domain.KindOf(err) {
	case domain.KindConflict:
		return "conflict"
	case domain.KindMissingHistory:
		return "missing_history"
	case domain.KindNotFound:
		return "not_found"
	case domain.KindForbidden:
		return "forbidden"
	}
	return resultLabel(err)
}

func blockedError(changeSourceID uuid.UUID, conflicts []domain.VersionConflict) *domain.Error {
	seen := map[uuid.UUID]bool{}
	var sources []BlockingSource
	for _, c := range conflicts {
		if seen[c.ChangeSourceID] {
			continue
		}
		seen[c.ChangeSourceID] = true
		sources = append(sources, BlockingSource{ChangeSourceID: c.ChangeSourceID, Description: c.ChangeSourceDescription})
	}

	names := make([]string, len(sources))
	for i, src := range sources {
		names[i] = fmt.Sprintf("%s (%s)", src.ChangeSourceID, src.Description)
	}
	return domain.NewError(domain.KindConflict, nil,
		"change source %s has later changes on top of it; roll back %s first", changeSourceID, strings.Join(names, ", ")).
		WithDetail("blocking_sources", sources).
		WithDetail("conflicts", conflicts)
}

// missingHistory reports that sv has no earlier version to restore.
// want is the absent version number; 0 means sv is version 1 but not an INSERT.
func missingHistory(sv domain.SourceVersion, want int) error {
	var err *domain.Error
	if want == 0 {
		err = domain.NewError(domain.KindMissingHistory, nil,
			"entity %s starts with a %s at version 1 and has no state to restore", sv.Entity.ExternalID, sv.Version.ChangeType)
	} else {
		err = domain.NewError(domain.KindMissingHistory, nil,
			"entity %s has no version %d to restore", sv.Entity.ExternalID, want)
	}
	return err.
		WithDetail("entity_id", sv.Version.EntityID.String()).
		WithDetail("external_id", sv.Entity.ExternalID).
		WithDetail("version_number", want)
}

// restoreTarget is an entity to reset to the version before the first one
// the rolled back change source wrote.
type restoreTarget struct {
	entity      domain.Entity
	predecessor domain.Version
}

type reversal struct {
	stats          domain.RollbackStats
	versionIDs     []uuid.UUID
	restore        []restoreTarget
	removeEntities []uuid.UUID
}

// planReversal walks each entity's owned versions from the highest number
// down. An entity whose lowest owned version is its INSERT disappears; any
// other is restored from the version just below.
func planReversal(ctx context.Context, tx repository.VersionTx, owned []domain.SourceVersion) (reversal, error) {
	byEntity := map[uuid.UUID][]domain.SourceVersion{}
	var order []uuid.UUID
	for _, sv := range owned {
		if _, ok := byEntity[sv.Version.EntityID]; !ok {
			order = append(order, sv.Version.EntityID)
		}
		byEntity[sv.Version.EntityID] = append(byEntity[sv.Version.EntityID], sv)
	}

	var (
		r       reversal
		keys    []domain.VersionKey
		pending []domain.SourceVersion
	)
	for _, entityID := range order {
		versions := byEntity[entityID]
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].Version.VersionNumber > versions[j].Version.VersionNumber
		})

		for _, sv := range versions {
			r.versionIDs = append(r.versionIDs, sv.Version.ID)
			switch sv.Version.ChangeType {
			case domain.ChangeTypeInsert:
				r.stats.Inserts++
			case domain.ChangeTypeUpdate:
				r.stats.Updates++
			case domain.ChangeTypeDelete:
				r.stats.Deletes++
			}
		}

		lowest := versions[len(versions)-1]
		if lowest.Version.ChangeType == domain.ChangeTypeInsert {
			r.removeEntities = append(r.removeEntities, entityID)
			continue
		}
		if lowest.Version.VersionNumber == 1 {
			return reversal{}, missingHistory(lowest, 0)
		}
		keys = append(keys, domain.VersionKey{EntityID: entityID, VersionNumber: lowest.Version.VersionNumber - 1})
		pending = append(pending, lowest)
	}

	if len(keys) == 0 {
		return r, nil
	}

	predecessors, err := tx.GetVersions(ctx, keys)
	if err != nil {
		return reversal{}, err
	}
	for i, key := range keys {
		predecessor, ok := predecessors[key]
		if !ok {
			return reversal{}, missingHistory(pending[i], key.VersionNumber)
		}
		r.restore = append(r.restore, restoreTarget{entity: pending[i].Entity, predecessor: predecessor})
	}
	return r, nil
}

// checkUndeletes rejects restoring a deleted entity whose external id has
// since been taken by a new active entity.
func checkUndeletes(ctx context.Context, tx repository.VersionTx, targets []restoreTarget) error {
	owners := map[string]uuid.UUID{}
	var externalIDs []string
	for _, t := range targets {
		if t.entity.IsDeleted && !t.predecessor.IsDeleted {
			owners[t.entity.ExternalID] = t.entity.ID
			externalIDs = append(externalIDs, t.entity.ExternalID)
		}
	}
	if len(externalIDs) == 0 {
		return nil
	}

	active, err := tx.ListActiveByExternalIDs(ctx, externalIDs)
	if err != nil {
		return err
	}
	for _, entity := range active {
		if owners[entity.ExternalID] != entity.ID {
			return domain.NewError(domain.KindConflict, nil,
				"cannot restore %s: another active entity now uses this external id", entity.ExternalID).
				WithDetail("external_id", entity.ExternalID).
				WithDetail("entity_id", entity.ID.String())
		}
	}
	return nil
}
