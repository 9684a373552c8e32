package memstore

import (
	"context"
	"sort"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/google/uuid"
)

// view answers reads against one state snapshot.
type view struct {
	st *state
}

func (v view) ListActiveByExternalIDs(_ context.Context, externalIDs []string) ([]domain.Entity, error) {
	wanted := make(map[string]struct{}, len(externalIDs))
	for _, id := range externalIDs {
		wanted[id] = struct{}{}
	}

	entities := []domain.Entity{}
	for _, entity := range v.st.entities {
		if entity.IsDeleted {
			continue
		}
		if _, ok := wanted[entity.ExternalID]; ok {
			entities = append(entities, entity)
		}
	}
	sortByExternalID(entities)
	return entities, nil
}

func (v view) ListActive(_ context.Context) ([]domain.Entity, error) {
	entities := []domain.Entity{}
	for _, entity := range v.st.entities {
		if !entity.IsDeleted {
			entities = append(entities, entity)
		}
	}
	sortByExternalID(entities)
	return entities, nil
}

func (v view) MaxVersionNumbers(_ context.Context, entityIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	wanted := make(map[uuid.UUID]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		wanted[id] = struct{}{}
	}

	result := make(map[uuid.UUID]int, len(entityIDs))
	for _, version := range v.st.versions {
		if _, ok := wanted[version.EntityID]; !ok {
			continue
		}
		if version.VersionNumber > result[version.EntityID] {
			result[version.EntityID] = version.VersionNumber
		}
	}
	return result, nil
}

func (v view) Generation(_ context.Context) (int64, error) {
	return v.st.generation, nil
}

func (v view) FindBlockingSources(_ context.Context, changeSourceID uuid.UUID) ([]domain.VersionConflict, error) {
	own := map[uuid.UUID]int{}
	for _, version := range v.st.versions {
		if version.ChangeSourceID == changeSourceID && version.VersionNumber > own[version.EntityID] {
			own[version.EntityID] = version.VersionNumber
		}
	}

	conflicts := []domain.VersionConflict{}
	for _, version := range v.st.versions {
		ownMax, ok := own[version.EntityID]
		if !ok || version.ChangeSourceID == changeSourceID || version.VersionNumber <= ownMax {
			continue
		}
		conflicts = append(conflicts, domain.VersionConflict{
			EntityID:                version.EntityID,
			ExternalID:              v.st.entities[version.EntityID].ExternalID,
			VersionNumber:           version.VersionNumber,
			ChangeSourceID:          version.ChangeSourceID,
			ChangeSourceDescription: v.st.sources[version.ChangeSourceID].Description,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		sa, sb := v.st.sources[a.ChangeSourceID].CreatedAt, v.st.sources[b.ChangeSourceID].CreatedAt
		if !sa.Equal(sb) {
			return sa.Before(sb)
		}
		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}
		return a.VersionNumber < b.VersionNumber
	})
	return conflicts, nil
}

func (v view) GetChangeSource(_ context.Context, id uuid.UUID) (domain.ChangeSource, error) {
	source, ok := v.st.sources[id]
	if !ok {
		return domain.ChangeSource{}, domain.NewError(domain.KindNotFound, nil, "get change source %s: not found", id)
	}
	return source, nil
}

// tx mutates a private state copy owned by Store.RunInTx.
type tx struct {
	view
}

func (t *tx) CreateChangeSource(_ context.Context, source domain.ChangeSource) error {
	if _, exists := t.st.sources[source.ID]; exists {
		return domain.NewError(domain.KindConflict, nil, "create change source: %s already exists", source.ID)
	}
	t.st.sources[source.ID] = source
	return nil
}

func (t *tx) CreateBulkUpload(_ context.Context, upload domain.BulkUpload) error {
	if _, ok := t.st.sources[upload.ChangeSourceID]; !ok {
		return domain.NewError(domain.KindInternal, nil, "create bulk upload: change source %s does not exist", upload.ChangeSourceID)
	}
	if _, exists := t.st.uploads[upload.ChangeSourceID]; exists {
		return domain.NewError(domain.KindConflict, nil, "create bulk upload: change source already has a bulk upload")
	}
	t.st.uploads[upload.ChangeSourceID] = upload
	return nil
}

func (t *tx) DeleteChangeSource(_ context.Context, id uuid.UUID) error {
	if _, ok := t.st.sources[id]; !ok {
		return domain.NewError(domain.KindNotFound, nil, "change source %s not found", id)
	}
	for _, version := range t.st.versions {
		if version.ChangeSourceID == id {
			return domain.NewError(domain.KindInternal, nil, "delete change source: versions still reference the change source")
		}
	}
	delete(t.st.uploads, id)
	delete(t.st.sources, id)
	return nil
}

func (t *tx) InsertEntities(_ context.Context, entities []domain.Entity) error {
	owners := t.activeOwners()
	for _, entity := range entities {
		if _, exists := t.st.entities[entity.ID]; exists {
			return domain.NewError(domain.KindConflict, nil, "copy entities: entity %s already exists", entity.ID)
		}
		if !entity.IsDeleted {
			if _, taken := owners[entity.ExternalID]; taken {
				return domain.NewError(domain.KindConflict, nil, "copy entities: an active entity with this external id already exists")
			}
			owners[entity.ExternalID] = entity.ID
		}
		t.st.entities[entity.ID] = entity
	}
	return nil
}

func (t *tx) UpdateEntities(_ context.Context, entities []domain.Entity) error {
	owners := t.activeOwners()
	for _, entity := range entities {
		existing, ok := t.st.entities[entity.ID]
		if !ok {
			return domain.NewError(domain.KindNotFound, nil, "update entity %s: entity %s not found", entity.ExternalID, entity.ID)
		}
		if owner, taken := owners[existing.ExternalID]; taken && owner != entity.ID && !entity.IsDeleted {
			return domain.NewError(domain.KindConflict, nil, "update entity %s: an active entity with this external id already exists", entity.ExternalID)
		}
		if entity.IsDeleted {
			if owners[existing.ExternalID] == entity.ID {
				delete(owners, existing.ExternalID)
			}
		} else {
			owners[existing.ExternalID] = entity.ID
		}
		existing.Fields = entity.Fields.Clone()
		existing.IsDeleted = entity.IsDeleted
		existing.UpdatedAt = entity.UpdatedAt
		t.st.entities[entity.ID] = existing
	}
	return nil
}

func (t *tx) DeleteEntities(_ context.Context, ids []uuid.UUID) error {
	referenced := map[uuid.UUID]bool{}
	for _, version := range t.st.versions {
		referenced[version.EntityID] = true
	}
	for _, id := range ids {
		if _, ok := t.st.entities[id]; !ok {
			return domain.NewError(domain.KindNotFound, nil, "delete entities: entity %s not found", id)
		}
		if referenced[id] {
			return domain.NewError(domain.KindInternal, nil, "delete entities: versions still reference the entity")
		}
	}
	for _, id := range ids {
		delete(t.st.entities, id)
	}
	return nil
}

func (t *tx) InsertVersions(_ context.Context, versions []domain.Version) error {
	taken := map[domain.VersionKey]bool{}
	for _, version := range t.st.versions {
		taken[version.Key()] = true
	}
	for _, version := range versions {
		if _, ok := t.st.entities[version.EntityID]; !ok {
			return domain.NewError(domain.KindInternal, nil, "copy entity versions: entity %s does not exist", version.EntityID)
		}
		if _, ok := t.st.sources[version.ChangeSourceID]; !ok {
			return domain.NewError(domain.KindInternal, nil, "copy entity versions: change source %s does not exist", version.ChangeSourceID)
		}
		if version.VersionNumber < 1 {
			return domain.NewError(domain.KindInternal, nil, "copy entity versions: version number %d out of range", version.VersionNumber)
		}
		if taken[version.Key()] {
			return domain.NewError(domain.KindConflict, nil, "copy entity versions: version number already recorded for entity")
		}
		if _, exists := t.st.versions[version.ID]; exists {
			return domain.NewError(domain.KindConflict, nil, "copy entity versions: version %s already exists", version.ID)
		}
		taken[version.Key()] = true
		t.st.versions[version.ID] = version
	}
	return nil
}

func (t *tx) DeleteVersions(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if _, ok := t.st.versions[id]; !ok {
			return domain.NewError(domain.KindNotFound, nil, "delete entity versions: version %s not found", id)
		}
	}
	for _, id := range ids {
		delete(t.st.versions, id)
	}
	return nil
}

func (t *tx) ListVersionsBySource(_ context.Context, changeSourceID uuid.UUID) ([]domain.SourceVersion, error) {
	joined := []domain.SourceVersion{}
	for _, version := range t.st.versions {
		if version.ChangeSourceID != changeSourceID {
			continue
		}
		joined = append(joined, domain.SourceVersion{Version: version, Entity: t.st.entities[version.EntityID]})
	}
	sort.Slice(joined, func(i, j int) bool {
		a, b := joined[i].Version, joined[j].Version
		if a.EntityID != b.EntityID {
			return a.EntityID.String() < b.EntityID.String()
		}
		return a.VersionNumber > b.VersionNumber
	})
	return joined, nil
}

func (t *tx) GetVersions(_ context.Context, keys []domain.VersionKey) (map[domain.VersionKey]domain.Version, error) {
	wanted := make(map[domain.VersionKey]struct{}, len(keys))
	for _, key := range keys {
		wanted[key] = struct{}{}
	}
	result := make(map[domain.VersionKey]domain.Version, len(keys))
	for _, version := range t.st.versions {
		if _, ok := wanted[version.Key()]; ok {
			result[version.Key()] = version
		}
	}
	return result, nil
}

func (t *tx) BumpGeneration(_ context.Context) (int64, error) {
	t.st.generation++
	return t.st.generation, nil
}

// activeOwners maps each external id to its non-deleted entity.
func (t *tx) activeOwners() map[string]uuid.UUID {
	owners := make(map[string]uuid.UUID, len(t.st.entities))
	for id, entity := range t.st.entities {
		if !entity.IsDeleted {
			owners[entity.ExternalID] = id
		}
	}
	return owners
}

func sortByExternalID(entities []domain.Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].ExternalID < entities[j].ExternalID })
}
