package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store *Store, externalIDs ...string) (domain.ChangeSource, []domain.Entity) {
	t.Helper()
	now := time.Now()
	source := domain.NewChangeSource(domain.ChangeSourceBulkUpload, "seed", now)
	entities := make([]domain.Entity, len(externalIDs))
	versions := make([]domain.Version, len(externalIDs))
	for i, id := range externalIDs {
		entities[i] = domain.NewEntity(id, domain.Fields{FullName: "Name " + id, Gender: domain.GenderUnknown}, now)
		versions[i] = domain.NewVersion(entities[i], 1, domain.ChangeTypeInsert, source.ID, now)
	}

	err := store.RunInTx(context.Background(), func(tx repository.VersionTx) error {
		if err := tx.CreateChangeSource(context.Background(), source); err != nil {
			return err
		}
		if err := tx.InsertEntities(context.Background(), entities); err != nil {
			return err
		}
		return tx.InsertVersions(context.Background(), versions)
	})
	require.NoError(t, err)
	return source, entities
}

func TestRunInTxDiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	store := New()
	seed(t, store, "P1")

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(tx repository.VersionTx) error {
		if _, err := tx.BumpGeneration(ctx); err != nil {
			return err
		}
		entity := domain.NewEntity("P2", domain.Fields{FullName: "Sam"}, time.Now())
		if err := tx.InsertEntities(ctx, []domain.Entity{entity}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	generation, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Zero(t, generation)
}

func TestInjectFailureFailsAfterCommits(t *testing.T) {
	ctx := context.Background()
	store := New()
	injected := errors.New("disk full")
	store.InjectFailure(1, injected)

	bump := func(tx repository.VersionTx) error {
		_, err := tx.BumpGeneration(ctx)
		return err
	}

	require.NoError(t, store.RunInTx(ctx, bump))
	require.ErrorIs(t, store.RunInTx(ctx, bump), injected)
	require.NoError(t, store.RunInTx(ctx, bump))

	generation, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), generation)
	assert.Equal(t, 2, store.Commits())
}

func TestActiveExternalIDIsUnique(t *testing.T) {
	ctx := context.Background()
	store := New()
	seed(t, store, "P1")

	err := store.RunInTx(ctx, func(tx repository.VersionTx) error {
		return tx.InsertEntities(ctx, []domain.Entity{domain.NewEntity("P1", domain.Fields{FullName: "Dup"}, time.Now())})
	})
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)
}

func TestVersionNumbersAreUniquePerEntity(t *testing.T) {
	ctx := context.Background()
	store := New()
	source, entities := seed(t, store, "P1")

	err := store.RunInTx(ctx, func(tx repository.VersionTx) error {
		return tx.InsertVersions(ctx, []domain.Version{domain.NewVersion(entities[0], 1, domain.ChangeTypeUpdate, source.ID, time.Now())})
	})
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)
}

func TestReferencedRowsCannotBeDeleted(t *testing.T) {
	ctx := context.Background()
	store := New()
	source, entities := seed(t, store, "P1")

	err := store.RunInTx(ctx, func(tx repository.VersionTx) error {
		return tx.DeleteEntities(ctx, []uuid.UUID{entities[0].ID})
	})
	assert.True(t, domain.IsKind(err, domain.KindInternal), "got %v", err)

	err = store.RunInTx(ctx, func(tx repository.VersionTx) error {
		return tx.DeleteChangeSource(ctx, source.ID)
	})
	assert.True(t, domain.IsKind(err, domain.KindInternal), "got %v", err)
}

func TestFindBlockingSources(t *testing.T) {
	ctx := context.Background()
	store := New()
	first, entities := seed(t, store, "P1", "P2")

	now := time.Now()
	second := domain.NewChangeSource(domain.ChangeSourceModeration, "fix P2", now)
	updated := entities[1].WithFields(domain.Fields{FullName: "Fixed", Gender: domain.GenderFemale}, now)
	require.NoError(t, store.RunInTx(ctx, func(tx repository.VersionTx) error {
		if err := tx.CreateChangeSource(ctx, second); err != nil {
			return err
		}
		if err := tx.UpdateEntities(ctx, []domain.Entity{updated}); err != nil {
			return err
		}
		return tx.InsertVersions(ctx, []domain.Version{domain.NewVersion(updated, 2, domain.ChangeTypeUpdate, second.ID, now)})
	}))

	conflicts, err := store.FindBlockingSources(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "P2", conflicts[0].ExternalID)
	assert.Equal(t, 2, conflicts[0].VersionNumber)
	assert.Equal(t, second.ID, conflicts[0].ChangeSourceID)
	assert.Equal(t, "fix P2", conflicts[0].ChangeSourceDescription)

	conflicts, err = store.FindBlockingSources(ctx, second.ID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	history, err := store.ListHistoryByExternalID(ctx, "P2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Versions, 2)
	assert.True(t, history[0].Versions[1].Mirrors(history[0].Entity))
}

func TestReadSnapshotIgnoresLaterCommits(t *testing.T) {
	ctx := context.Background()
	store := New()
	seed(t, store, "P1")

	err := store.ReadSnapshot(ctx, func(r repository.VersionReader) error {
		before, err := r.Generation(ctx)
		require.NoError(t, err)

		seed(t, store, "P2")

		after, err := r.Generation(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		active, err := r.ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1)
		return nil
	})
	require.NoError(t, err)

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestListBulkUploadsMarksRollbackable(t *testing.T) {
	ctx := context.Background()
	store := New()
	first, entities := seed(t, store, "P1", "P2")

	now := time.Now()
	upload := func(source domain.ChangeSource, at time.Time) domain.BulkUpload {
		return domain.BulkUpload{ID: uuid.New(), ChangeSourceID: source.ID, FileName: "release.csv", UploadedAt: at}
	}
	second := domain.NewChangeSource(domain.ChangeSourceBulkUpload, "second", now)
	updated := entities[1].WithFields(domain.Fields{FullName: "Renamed", Gender: domain.GenderUnknown}, now)
	require.NoError(t, store.RunInTx(ctx, func(tx repository.VersionTx) error {
		if err := tx.CreateBulkUpload(ctx, upload(first, now.Add(-time.Hour))); err != nil {
			return err
		}
		if err := tx.CreateChangeSource(ctx, second); err != nil {
			return err
		}
		if err := tx.CreateBulkUpload(ctx, upload(second, now)); err != nil {
			return err
		}
		if err := tx.UpdateEntities(ctx, []domain.Entity{updated}); err != nil {
			return err
		}
		return tx.InsertVersions(ctx, []domain.Version{domain.NewVersion(updated, 2, domain.ChangeTypeUpdate, second.ID, now)})
	}))

	records, err := store.ListBulkUploads(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].Source.ID)
	assert.True(t, records[0].Rollbackable)
	assert.Equal(t, 1, records[0].VersionCount)
	assert.Equal(t, first.ID, records[1].Source.ID)
	assert.False(t, records[1].Rollbackable)
	assert.Equal(t, 2, records[1].VersionCount)
}
