package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"
	"github.com/rpattn/regsync/internal/repository/memstore"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulateNewRowIsInsert(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", date("1990-01-01")))

	result, err := f.service.Simulate(context.Background(), []domain.IncomingRecord{
		person("P1", "Ali", date("1990-01-01")),
		person("P2", "Sam", date("1985-05-05")),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DiffSummary{TotalIncoming: 2, Inserts: 1, Unchanged: 1}, result.Summary)
	require.Len(t, result.Inserts, 1)
	assert.Equal(t, "P2", result.Inserts[0].ExternalID)
	assert.Nil(t, result.Inserts[0].Current)
	assert.Empty(t, result.Updates)
	assert.Empty(t, result.Deletes)
	assert.Equal(t, f.generation(t), result.Generation)
}

func TestSimulateChangedNameIsUpdate(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", date("1990-01-01")))

	result, err := f.service.Simulate(context.Background(), []domain.IncomingRecord{
		person("P1", "Ali M.", date("1990-01-01")),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DiffSummary{TotalIncoming: 1, Updates: 1}, result.Summary)
	require.Len(t, result.Updates, 1)
	item := result.Updates[0]
	require.NotNil(t, item.Current)
	assert.Equal(t, "Ali", item.Current.FullName)
	assert.Equal(t, "Ali M.", item.Incoming.FullName)
	require.NotNil(t, item.EntityID)
	assert.Equal(t, []domain.FieldChange{{Op: "replace", Path: "/fullName", Value: "Ali M."}}, item.Changes)
}

func TestSimulateMissingRowIsDelete(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", date("1990-01-01")), person("P2", "Sam", nil))

	result, err := f.service.Simulate(context.Background(), []domain.IncomingRecord{person("P2", "Sam", nil)})
	require.NoError(t, err)

	assert.Equal(t, domain.DiffSummary{TotalIncoming: 1, Deletes: 1, Unchanged: 1}, result.Summary)
	require.Len(t, result.Deletes, 1)
	item := result.Deletes[0]
	assert.Equal(t, "P1", item.ExternalID)
	assert.Equal(t, *item.Current, item.Incoming)
}

func TestSimulateEmptySnapshotDeletesEverything(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", nil), person("P2", "Sam", nil))

	result, err := f.service.Simulate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DiffSummary{Deletes: 2}, result.Summary)
}

func TestSimulateComparesDatesByInstant(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", date("1990-01-01")))

	sameDay := date("1990-01-01").In(time.FixedZone("UTC+4", 4*60*60))
	result, err := f.service.Simulate(context.Background(), []domain.IncomingRecord{person("P1", "Ali", &sameDay)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Unchanged)
}

func TestSimulateSoftDeletedEntityNeverMatches(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", nil))
	f.apply(t)

	result, err := f.service.Simulate(context.Background(), []domain.IncomingRecord{person("P1", "Ali", nil)})
	require.NoError(t, err)
	assert.Equal(t, domain.DiffSummary{TotalIncoming: 1, Inserts: 1}, result.Summary)
}

func TestSimulateSamplesInserts(t *testing.T) {
	f := newFixture(t, WithInsertSample(2))

	records := []domain.IncomingRecord{
		person("A", "a", nil), person("B", "b", nil), person("C", "c", nil),
		person("D", "d", nil), person("E", "e", nil),
	}
	result, err := f.service.Simulate(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Summary.Inserts)
	assert.Len(t, result.Inserts, 2)
}

func TestSimulateRejectsDuplicateIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Simulate(context.Background(), []domain.IncomingRecord{
		person("P1", "Ali", nil),
		person("P1", "Sam", nil),
	})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "got %v", err)
}

func TestSimulateIsReadOnly(t *testing.T) {
	f := newFixture(t)
	f.apply(t, person("P1", "Ali", nil))
	before := f.store.Commits()

	for range 3 {
		_, err := f.service.Simulate(context.Background(), []domain.IncomingRecord{person("P2", "Sam", nil)})
		require.NoError(t, err)
	}
	assert.Equal(t, before, f.store.Commits())
}

// interleavedStore runs between once right after the snapshot's generation
// read, the point where a concurrent commit would land.
type interleavedStore struct {
	*memstore.Store
	between func()
}

func (s *interleavedStore) ReadSnapshot(ctx context.Context, fn func(r repository.VersionReader) error) error {
	return s.Store.ReadSnapshot(ctx, func(r repository.VersionReader) error {
		return fn(interleavedReader{VersionReader: r, store: s})
	})
}

type interleavedReader struct {
	repository.VersionReader
	store *interleavedStore
}

func (r interleavedReader) Generation(ctx context.Context) (int64, error) {
	generation, err := r.VersionReader.Generation(ctx)
	if between := r.store.between; between != nil {
		r.store.between = nil
		between()
	}
	return generation, err
}

func TestSimulateReadsOneSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.apply(t, person("P1", "Ali", nil))
	before := f.generation(t)

	store := &interleavedStore{Store: f.store}
	store.between = func() {
		_, err := f.service.ApplySingle(ctx, everything, ModerationChange{
			ExternalID: "P9",
			ChangeType: domain.ChangeTypeInsert,
			Fields:     domain.Fields{FullName: "Late arrival"},
		})
		require.NoError(t, err)
	}
	logger, _ := test.NewNullLogger()
	service := NewService(store, f.sink, WithLogger(logger))

	result, err := service.Simulate(ctx, []domain.IncomingRecord{person("P1", "Ali", nil)})
	require.NoError(t, err)
	assert.Equal(t, before, result.Generation)
	assert.Equal(t, domain.DiffSummary{TotalIncoming: 1, Unchanged: 1}, result.Summary)
	assert.Empty(t, result.Deletes)

	result, err = service.Simulate(ctx, []domain.IncomingRecord{person("P1", "Ali", nil)})
	require.NoError(t, err)
	assert.Equal(t, before+1, result.Generation)
	require.Len(t, result.Deletes, 1)
	assert.Equal(t, "P9", result.Deletes[0].ExternalID)
}

func TestSimulateKeepsUpdateOrder(t *testing.T) {
	f := newFixture(t)
	ids := []string{"P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8"}
	var first, second []domain.IncomingRecord
	for _, id := range ids {
		first = append(first, person(id, "Name "+id, nil))
		second = append(second, person(id, "Renamed "+id, nil))
	}
	f.apply(t, first...)

	result, err := f.service.Simulate(context.Background(), second)
	require.NoError(t, err)
	require.Len(t, result.Updates, len(ids))
	for i, item := range result.Updates {
		assert.Equal(t, ids[i], item.ExternalID)
		assert.Equal(t, "Renamed "+ids[i], item.Incoming.FullName)
		require.Len(t, item.Changes, 1)
		assert.Equal(t, "/fullName", item.Changes[0].Path)
	}
}
