// Package memstore is an in-memory Version Store. It enforces the same
// constraints as the Postgres schema and supports fault injection so engine
// failure paths can be exercised without a database.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/repository"

	"github.com/google/uuid"
)

var (
	_ repository.VersionStore = (*Store)(nil)
	_ repository.VersionTx    = (*tx)(nil)
)

type state struct {
	entities   map[uuid.UUID]domain.Entity
	versions   map[uuid.UUID]domain.Version
	sources    map[uuid.UUID]domain.ChangeSource
	uploads    map[uuid.UUID]domain.BulkUpload // keyed by change source id
	generation int64
}

func newState() *state {
	return &state{
		entities: map[uuid.UUID]domain.Entity{},
		versions: map[uuid.UUID]domain.Version{},
		sources:  map[uuid.UUID]domain.ChangeSource{},
		uploads:  map[uuid.UUID]domain.BulkUpload{},
	}
}

// clone copies the maps. Stored values are never mutated in place, so a
// shallow copy per map is enough.
func (s *state) clone() *state {
	out := &state{
		entities:   make(map[uuid.UUID]domain.Entity, len(s.entities)),
		versions:   make(map[uuid.UUID]domain.Version, len(s.versions)),
		sources:    make(map[uuid.UUID]domain.ChangeSource, len(s.sources)),
		uploads:    make(map[uuid.UUID]domain.BulkUpload, len(s.uploads)),
		generation: s.generation,
	}
	for k, v := range s.entities {
		out.entities[k] = v
	}
	for k, v := range s.versions {
		out.versions[k] = v
	}
	for k, v := range s.sources {
		out.sources[k] = v
	}
	for k, v := range s.uploads {
		out.uploads[k] = v
	}
	return out
}

type injectedFailure struct {
	remaining int
	err       error
}

// Store is a copy-on-write Version Store. Transactions work on a private
// copy that replaces the committed state only when fn succeeds.
type Store struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	current *state
	failure *injectedFailure
	commits int
}

// New returns an empty store.
func New() *Store {
	return &Store{current: newState()}
}

// InjectFailure makes the transaction after the next afterCommits successful
// ones fail with err. The failing transaction writes nothing.
func (s *Store) InjectFailure(afterCommits int, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.failure = &injectedFailure{remaining: afterCommits, err: err}
}

// Commits returns the number of transactions committed so far.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

func (s *Store) RunInTx(ctx context.Context, fn func(tx repository.VersionTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	working := s.current.clone()
	s.mu.RUnlock()

	if err := fn(&tx{view: view{st: working}}); err != nil {
		return err
	}

	if f := s.failure; f != nil {
		if f.remaining == 0 {
			s.failure = nil
			return f.err
		}
		f.remaining--
	}

	s.mu.Lock()
	s.current = working
	s.commits++
	s.mu.Unlock()
	return nil
}

// ReadSnapshot hands fn the last committed state. Later commits publish a
// new state and leave this one untouched.
func (s *Store) ReadSnapshot(ctx context.Context, fn func(r repository.VersionReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.read())
}

func (s *Store) read() view {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return view{st: s.current}
}

func (s *Store) ListActiveByExternalIDs(ctx context.Context, externalIDs []string) ([]domain.Entity, error) {
	return s.read().ListActiveByExternalIDs(ctx, externalIDs)
}

func (s *Store) ListActive(ctx context.Context) ([]domain.Entity, error) {
	return s.read().ListActive(ctx)
}

func (s *Store) MaxVersionNumbers(ctx context.Context, entityIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	return s.read().MaxVersionNumbers(ctx, entityIDs)
}

func (s *Store) Generation(ctx context.Context) (int64, error) {
	return s.read().Generation(ctx)
}

func (s *Store) FindBlockingSources(ctx context.Context, changeSourceID uuid.UUID) ([]domain.VersionConflict, error) {
	return s.read().FindBlockingSources(ctx, changeSourceID)
}

func (s *Store) GetChangeSource(ctx context.Context, id uuid.UUID) (domain.ChangeSource, error) {
	return s.read().GetChangeSource(ctx, id)
}

func (s *Store) GetBulkUploadBySource(_ context.Context, changeSourceID uuid.UUID) (domain.BulkUpload, error) {
	st := s.read().st
	upload, ok := st.uploads[changeSourceID]
	if !ok {
		return domain.BulkUpload{}, domain.NewError(domain.KindNotFound, nil, "get bulk upload for change source %s: not found", changeSourceID)
	}
	return upload, nil
}

func (s *Store) ListBulkUploads(_ context.Context, limit int, offset int) ([]domain.UploadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	st := s.read().st
	counts := map[uuid.UUID]int{}
	latest := map[uuid.UUID]int{}
	owned := map[uuid.UUID]map[uuid.UUID]int{}
	for _, version := range st.versions {
		counts[version.ChangeSourceID]++
		if version.VersionNumber > latest[version.EntityID] {
			latest[version.EntityID] = version.VersionNumber
		}
		perEntity, ok := owned[version.ChangeSourceID]
		if !ok {
			perEntity = map[uuid.UUID]int{}
			owned[version.ChangeSourceID] = perEntity
		}
		if version.VersionNumber > perEntity[version.EntityID] {
			perEntity[version.EntityID] = version.VersionNumber
		}
	}

	records := make([]domain.UploadRecord, 0, len(st.uploads))
	for sourceID, upload := range st.uploads {
		rollbackable := true
		for entityID, ownMax := range owned[sourceID] {
			if ownMax < latest[entityID] {
				rollbackable = false
				break
			}
		}
		records = append(records, domain.UploadRecord{
			Upload:       upload,
			Source:       st.sources[sourceID],
			VersionCount: counts[sourceID],
			Rollbackable: rollbackable,
		})
	}
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Upload, records[j].Upload
		if !a.UploadedAt.Equal(b.UploadedAt) {
			return a.UploadedAt.After(b.UploadedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	if offset >= len(records) {
		return []domain.UploadRecord{}, nil
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

func (s *Store) ListHistoryByExternalID(_ context.Context, externalID string) ([]domain.EntityHistory, error) {
	st := s.read().st

	var entities []domain.Entity
	for _, entity := range st.entities {
		if entity.ExternalID == externalID {
			entities = append(entities, entity)
		}
	}
	if len(entities) == 0 {
		return nil, domain.NewError(domain.KindNotFound, nil, "no entity with external id %q", externalID)
	}
	sort.Slice(entities, func(i, j int) bool {
		if !entities[i].CreatedAt.Equal(entities[j].CreatedAt) {
			return entities[i].CreatedAt.Before(entities[j].CreatedAt)
		}
		return entities[i].ID.String() < entities[j].ID.String()
	})

	history := make([]domain.EntityHistory, len(entities))
	for i, entity := range entities {
		history[i] = domain.EntityHistory{Entity: entity, Versions: st.versionsOf(entity.ID)}
	}
	return history, nil
}

func (s *state) versionsOf(entityID uuid.UUID) []domain.Version {
	var versions []domain.Version
	for _, version := range s.versions {
		if version.EntityID == entityID {
			versions = append(versions, version)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].VersionNumber < versions[j].VersionNumber })
	return versions
}
