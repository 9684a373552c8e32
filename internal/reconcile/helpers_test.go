package reconcile

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/regsync/internal/archive"
	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository/memstore"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var everything = domain.CallerRole{CanBulkUpload: true, CanRollback: true, CanModerate: true}

// tickingClock advances one second per reading so records sort by creation.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store   *memstore.Store
	service *Service
	sink    *archive.Archiver
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	backend, err := archive.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	sink := archive.NewArchiver(backend, archive.WithLogger(logger))
	store := memstore.New()

	base := []Option{WithLogger(logger), WithClock(newTickingClock().Now)}
	return &fixture{
		store:   store,
		service: NewService(store, sink, append(base, opts...)...),
		sink:    sink,
	}
}

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func person(id, name string, dob *time.Time) domain.IncomingRecord {
	return domain.IncomingRecord{
		ExternalID: id,
		Fields: domain.Fields{
			FullName:  name,
			Gender:    domain.GenderUnknown,
			BirthDate: dob,
		},
	}
}

func csvPayload(records []domain.IncomingRecord) []byte {
	var b strings.Builder
	b.WriteString("external_id,full_name\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "%s,%s\n", rec.ExternalID, rec.Fields.FullName)
	}
	return []byte(b.String())
}

func (f *fixture) apply(t *testing.T, records ...domain.IncomingRecord) ApplyResult {
	t.Helper()
	result, err := f.service.Apply(context.Background(), everything, ApplyRequest{
		Records: records,
		Upload:  Upload{FileName: "release.csv", Label: "test", Payload: csvPayload(records)},
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) active(t *testing.T) map[string]domain.Entity {
	t.Helper()
	entities, err := f.store.ListActive(context.Background())
	require.NoError(t, err)
	out := make(map[string]domain.Entity, len(entities))
	for _, entity := range entities {
		out[entity.ExternalID] = entity
	}
	return out
}

// requireConsistentHistory checks that versions run 1..N without gaps and
// that version N mirrors the entity row.
func (f *fixture) requireConsistentHistory(t *testing.T, externalIDs ...string) {
	t.Helper()
	for _, id := range externalIDs {
		history, err := f.store.ListHistoryByExternalID(context.Background(), id)
		require.NoError(t, err, id)
		for _, h := range history {
			require.NotEmpty(t, h.Versions, id)
			for i, v := range h.Versions {
				require.Equal(t, i+1, v.VersionNumber, "%s version numbers must be gap-free", id)
			}
			last := h.Versions[len(h.Versions)-1]
			require.True(t, last.Mirrors(h.Entity), "%s: latest version must mirror the entity", id)
		}
	}
}

func (f *fixture) generation(t *testing.T) int64 {
	t.Helper()
	generation, err := f.store.Generation(context.Background())
	require.NoError(t, err)
	return generation
}

func mustParseUUID(t *testing.T, raw string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(raw)
	require.NoError(t, err)
	return id
}

// failingSink refuses every write.
type failingSink struct{}

func (failingSink) Store(context.Context, []byte, string) (domain.ArchiveRef, error) {
	return domain.ArchiveRef{}, errors.New("bucket unavailable")
}

func (failingSink) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("bucket unavailable")
}
