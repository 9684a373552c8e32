package reconcile

import (
	"context"
	"testing"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository/memstore"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyInsertKeepsUnchangedVersion(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", date("1990-01-01")))

	result := f.apply(t,
		person("P1", "Ali", date("1990-01-01")),
		person("P2", "Sam", date("1985-05-05")),
	)
	assert.Equal(t, 1, result.Inserted)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Deleted)

	for _, id := range []string{"P1", "P2"} {
		history, err := f.store.ListHistoryByExternalID(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, history, 1)
		require.Len(t, history[0].Versions, 1, id)
	}

	p2, err := f.store.ListHistoryByExternalID(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, result.ChangeSourceID, p2[0].Versions[0].ChangeSourceID)

	upload, err := f.store.GetBulkUploadBySource(context.Background(), result.ChangeSourceID)
	require.NoError(t, err)
	assert.Equal(t, result.UploadID, upload.ID)
	assert.NotEmpty(t, upload.Archive.SHA256)
}

func TestApplyUpdateKeepsOldVersion(t *testing.T) {
	f := newFixture(t)
	first := f.apply(t, person("P1", "Ali", date("1990-01-01")))

	second := f.apply(t, person("P1", "Ali M.", date("1990-01-01")))
	assert.Equal(t, 1, second.Updated)

	history, err := f.store.ListHistoryByExternalID(context.Background(), "P1")
	require.NoError(t, err)
	versions := history[0].Versions
	require.Len(t, versions, 2)
	assert.Equal(t, "Ali", versions[0].Fields.FullName)
	assert.Equal(t, first.ChangeSourceID, versions[0].ChangeSourceID)
	assert.Equal(t, "Ali M.", versions[1].Fields.FullName)
	assert.Equal(t, domain.ChangeTypeUpdate, versions[1].ChangeType)
	f.requireConsistentHistory(t, "P1")
}

func TestApplyOmittedRowSoftDeletes(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", date("1990-01-01")))

	result := f.apply(t)
	assert.Equal(t, 1, result.Deleted)

	history, err := f.store.ListHistoryByExternalID(context.Background(), "P1")
	require.NoError(t, err)
	entity := history[0].Entity
	assert.True(t, entity.IsDeleted)

	last := history[0].Versions[1]
	assert.Equal(t, 2, last.VersionNumber)
	assert.Equal(t, domain.ChangeTypeDelete, last.ChangeType)
	assert.True(t, last.IsDeleted)
	assert.Equal(t, "Ali", last.Fields.FullName)
	assert.True(t, last.Fields.BirthDate.Equal(*date("1990-01-01")))
	f.requireConsistentHistory(t, "P1")
}

func TestApplyCarriesProtectedFieldsForward(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", nil))

	_, err := f.service.ApplySingle(context.Background(), everything, ModerationChange{
		ExternalID: "P1",
		ChangeType: domain.ChangeTypeUpdate,
		Fields: domain.Fields{
			FullName:   "Ali",
			Gender:     domain.GenderUnknown,
			DeathPlace: domain.StringPtr("Baku"),
			DeathDate:  date("2020-02-02"),
		},
	})
	require.NoError(t, err)

	f.apply(t, person("P1", "Ali Aliyev", nil))

	entity := f.active(t)["P1"]
	assert.Equal(t, "Ali Aliyev", entity.Fields.FullName)
	require.NotNil(t, entity.Fields.DeathPlace)
	assert.Equal(t, "Baku", *entity.Fields.DeathPlace)
	assert.True(t, entity.Fields.DeathDate.Equal(*date("2020-02-02")))
	f.requireConsistentHistory(t, "P1")
}

func TestApplyThenSimulateFindsNothing(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", nil), person("P2", "Sam", nil))

	records := []domain.IncomingRecord{person("P2", "Sam Lee", nil), person("P3", "Kim", nil)}
	f.apply(t, records...)

	result, err := f.service.Simulate(context.Background(), records)
	require.NoError(t, err)
	assert.False(t, result.Summary.HasChanges())
	assert.Equal(t, 2, result.Summary.Unchanged)
}

func TestApplyCommitsOneTransactionPerBatch(t *testing.T) {
	f := newFixture(t, WithBatchSize(2))
	records := []domain.IncomingRecord{
		person("A", "a", nil), person("B", "b", nil), person("C", "c", nil),
		person("D", "d", nil), person("E", "e", nil),
	}
	f.apply(t, records...)
	before := f.store.Commits()

	changed := make([]domain.IncomingRecord, len(records))
	for i, rec := range records {
		changed[i] = person(rec.ExternalID, rec.Fields.FullName+" changed", nil)
	}
	result := f.apply(t, changed...)
	assert.Equal(t, 5, result.Updated)

	// one insert transaction and three update batches
	assert.Equal(t, before+4, f.store.Commits())
	f.requireConsistentHistory(t, "A", "B", "C", "D", "E")
}

func TestApplyPartialFailureCanBeRolledBack(t *testing.T) {
	f := newFixture(t, WithBatchSize(2))
	records := []domain.IncomingRecord{
		person("A", "a", nil), person("B", "b", nil), person("C", "c", nil),
		person("D", "d", nil), person("E", "e", nil),
	}
	f.apply(t, records...)
	before := f.active(t)

	changed := make([]domain.IncomingRecord, len(records))
	for i, rec := range records {
		changed[i] = person(rec.ExternalID, rec.Fields.FullName+" changed", nil)
	}

	boom := errors.New("connection reset")
	f.store.InjectFailure(2, boom)

	_, err := f.service.Apply(context.Background(), everything, ApplyRequest{
		Records: changed,
		Upload:  Upload{FileName: "release.csv", Payload: csvPayload(changed)},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, boom)

	engineErr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindPartialApplication, engineErr.Kind)
	assert.Equal(t, PhaseUpdate, engineErr.Details["phase"])
	assert.Equal(t, 2, engineErr.Details["committed_batches"])
	assert.Equal(t, map[string]int{PhaseInsert: 0, PhaseUpdate: 2, PhaseDelete: 0}, engineErr.Details["committed_rows"])

	changeSourceID, ok := engineErr.Details["change_source_id"].(string)
	require.True(t, ok)

	active := f.active(t)
	assert.Equal(t, "a changed", active["A"].Fields.FullName)
	assert.Equal(t, "b changed", active["B"].Fields.FullName)
	assert.Equal(t, "c", active["C"].Fields.FullName)
	f.requireConsistentHistory(t, "A", "B", "C", "D", "E")

	stats, err := f.service.Rollback(context.Background(), everything, mustParseUUID(t, changeSourceID))
	require.NoError(t, err)
	assert.Equal(t, domain.RollbackStats{Updates: 2}, stats)

	after := f.active(t)
	for id, entity := range before {
		assert.True(t, after[id].Fields.Equal(entity.Fields), id)
	}
	f.requireConsistentHistory(t, "A", "B", "C", "D", "E")
}

func TestApplyArchiveFailureWritesNothing(t *testing.T) {
	store := memstore.New()
	logger, _ := test.NewNullLogger()
	service := NewService(store, failingSink{}, WithLogger(logger))

	records := []domain.IncomingRecord{person("P1", "Ali", nil)}
	_, err := service.Apply(context.Background(), everything, ApplyRequest{
		Records: records,
		Upload:  Upload{FileName: "release.csv", Payload: csvPayload(records)},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))

	assert.Zero(t, store.Commits())
	uploads, err := store.ListBulkUploads(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestApplyRejectsStaleDiff(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", nil))

	records := []domain.IncomingRecord{person("P1", "Ali", nil), person("P2", "Sam", nil)}
	diff, err := f.service.Simulate(context.Background(), records)
	require.NoError(t, err)

	// another writer lands between simulate and apply
	f.apply(t, person("P1", "Ali", nil), person("P9", "Other", nil))
	before := f.store.Commits()

	_, err = f.service.Apply(context.Background(), everything, ApplyRequest{
		Records:  records,
		Upload:   Upload{FileName: "release.csv", Payload: csvPayload(records)},
		Expected: &Expectation{Generation: diff.Generation, Summary: diff.Summary},
	})
	assert.True(t, domain.IsKind(err, domain.KindStaleDiff), "got %v", err)
	assert.Equal(t, before, f.store.Commits())
}

func TestApplyWithMatchingExpectation(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", nil))

	records := []domain.IncomingRecord{person("P1", "Ali", nil), person("P2", "Sam", nil)}
	diff, err := f.service.Simulate(context.Background(), records)
	require.NoError(t, err)

	result, err := f.service.Apply(context.Background(), everything, ApplyRequest{
		Records:  records,
		Upload:   Upload{FileName: "release.csv", Payload: csvPayload(records)},
		Expected: &Expectation{Generation: diff.Generation, Summary: diff.Summary},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Inserted)
}

func TestApplyWithNoChangesStillRecordsUpload(t *testing.T) {
	f := newFixture(t)
	records := []domain.IncomingRecord{person("P1", "Ali", nil)}
	f.apply(t, records...)

	diff, err := f.service.Simulate(context.Background(), records)
	require.NoError(t, err)
	require.False(t, diff.Summary.HasChanges())

	result, err := f.service.Apply(context.Background(), everything, ApplyRequest{
		Records:  records,
		Upload:   Upload{FileName: "again.csv", Payload: csvPayload(records)},
		Expected: &Expectation{Generation: diff.Generation, Summary: diff.Summary},
	})
	require.NoError(t, err)
	assert.Equal(t, ApplyResult{UploadID: result.UploadID, ChangeSourceID: result.ChangeSourceID}, result)

	uploads, err := f.service.ListUploads(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	assert.Equal(t, "again.csv", uploads[0].Upload.FileName)
	assert.Zero(t, uploads[0].VersionCount)
}

func TestApplyRequiresUploadRole(t *testing.T) {
	f := newFixture(t)
	records := []domain.IncomingRecord{person("P1", "Ali", nil)}
	_, err := f.service.Apply(context.Background(), domain.CallerRole{CanRollback: true}, ApplyRequest{
		Records: records,
		Upload:  Upload{FileName: "release.csv", Payload: csvPayload(records)},
	})
	assert.True(t, domain.IsKind(err, domain.KindForbidden), "got %v", err)
	assert.Zero(t, f.store.Commits())
}

func TestApplyHonoursCancellation(t *testing.T) {
	f := newFixture(t, WithBatchSize(1))
	f.apply(t, person("A", "a", nil), person("B", "b", nil))
	before := f.store.Commits()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []domain.IncomingRecord{person("A", "a2", nil), person("B", "b2", nil)}
	_, err := f.service.Apply(ctx, everything, ApplyRequest{
		Records: records,
		Upload:  Upload{FileName: "release.csv", Payload: csvPayload(records)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, f.store.Commits())
}
