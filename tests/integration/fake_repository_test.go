package integration

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prn-tf/rammingen/internal/domain"
)

// fakeMetadataStore is an in-memory stand-in for the server's metadata
// store, implementing both repository.EntryRepository and
// repository.EntryVersionRepository the way postgres.DB's single
// connection pool backs both concrete repository types there. Grounded on
// the teacher's own preference for pure in-memory test doubles over live
// infrastructure in tests that don't need to exercise the driver itself.
type fakeMetadataStore struct {
	mu         sync.Mutex
	current    map[string]*domain.Entry   // path string -> current Entry
	byID       map[int64]*domain.Entry    // id -> current Entry
	versions   []*domain.EntryVersion     // append-only, insertion order
	nextID     int64
	nextUpdate int64
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{
		current: make(map[string]*domain.Entry),
		byID:    make(map[int64]*domain.Entry),
	}
}

func (s *fakeMetadataStore) GetByPath(ctx context.Context, path domain.EncryptedArchivePath) (*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.current[path.String()]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	copyEntry := *e
	return &copyEntry, nil
}

func (s *fakeMetadataStore) GetByID(ctx context.Context, id int64) (*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	copyEntry := *e
	return &copyEntry, nil
}

func (s *fakeMetadataStore) Children(ctx context.Context, parentID int64) ([]*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Entry
	for _, e := range s.current {
		if e.ParentDir != nil && *e.ParentDir == parentID {
			copyEntry := *e
			out = append(out, &copyEntry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.String() < out[j].Path.String() })
	return out, nil
}

func (s *fakeMetadataStore) UpdatesSince(ctx context.Context, after int64, limit int) ([]*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Entry
	for _, v := range s.versions {
		if v.Entry.UpdateNumber <= after {
			continue
		}
		entry := v.Entry
		out = append(out, &entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeMetadataStore) ContentReferenced(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.current {
		if e.ContentHash == hash && !e.IsAbsent() {
			return true, nil
		}
	}
	for _, v := range s.versions {
		if v.Entry.ContentHash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeMetadataStore) RecordMutation(ctx context.Context, e *domain.Entry) (*domain.Entry, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ParentDir != nil {
		if _, ok := s.byID[*e.ParentDir]; !ok {
			return nil, domain.ErrParentMissing
		}
	}

	key := e.Path.String()
	persisted := *e
	if existing, ok := s.current[key]; ok {
		persisted.ID = existing.ID
	} else {
		s.nextID++
		persisted.ID = s.nextID
	}
	s.nextUpdate++
	persisted.UpdateNumber = s.nextUpdate

	stored := persisted
	s.current[key] = &stored
	s.byID[persisted.ID] = &stored
	s.versions = append(s.versions, &domain.EntryVersion{
		ID: int64(len(s.versions) + 1), EntryID: persisted.ID, Entry: persisted,
	})

	result := persisted
	return &result, nil
}

func (s *fakeMetadataStore) Move(ctx context.Context, src, dst domain.EncryptedArchivePath, sourceID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []string
	for key, e := range s.current {
		plain := e.Path
		if src.Equal(plain) || src.IsPrefixOf(plain) {
			affected = append(affected, key)
		}
	}
	sort.Strings(affected)

	var updateNumbers []int64
	for _, key := range affected {
		e := s.current[key]
		srcComponents := src.Components()
		entryComponents := e.Path.Components()
		rel := entryComponents[len(srcComponents):]
		newComponents := append(append([]string{}, dst.Components()...), rel...)
		newPath := domain.NewEncryptedArchivePath(newComponents)

		moved := *e
		moved.Path = newPath
		moved.SourceID = sourceID
		moved.RecordTrigger = domain.TriggerSync
		moved.RecordedAt = time.Now()
		s.nextUpdate++
		moved.UpdateNumber = s.nextUpdate

		delete(s.current, key)
		stored := moved
		s.current[newPath.String()] = &stored
		s.byID[moved.ID] = &stored
		s.versions = append(s.versions, &domain.EntryVersion{
			ID: int64(len(s.versions) + 1), EntryID: moved.ID, Entry: moved,
		})
		updateNumbers = append(updateNumbers, moved.UpdateNumber)
	}
	return updateNumbers, nil
}

func (s *fakeMetadataStore) VersionsOf(ctx context.Context, path domain.EncryptedArchivePath) ([]*domain.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntryVersion
	for _, v := range s.versions {
		if v.Entry.Path.Equal(path) {
			copyVersion := *v
			out = append(out, &copyVersion)
		}
	}
	return out, nil
}

func (s *fakeMetadataStore) VersionsUnder(ctx context.Context, prefix domain.EncryptedArchivePath) ([]*domain.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.EntryVersion
	for _, v := range s.versions {
		if prefix.Equal(v.Entry.Path) || prefix.IsPrefixOf(v.Entry.Path) {
			copyVersion := *v
			out = append(out, &copyVersion)
		}
	}
	return out, nil
}

func (s *fakeMetadataStore) StateAt(ctx context.Context, prefix domain.EncryptedArchivePath, at time.Time) ([]*domain.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]*domain.EntryVersion)
	for _, v := range s.versions {
		if !(prefix.Equal(v.Entry.Path) || prefix.IsPrefixOf(v.Entry.Path)) {
			continue
		}
		if v.Entry.RecordedAt.After(at) {
			continue
		}
		key := v.Entry.Path.String()
		if cur, ok := latest[key]; !ok || v.Entry.RecordedAt.After(cur.Entry.RecordedAt) {
			copyVersion := *v
			latest[key] = &copyVersion
		}
	}
	var out []*domain.EntryVersion
	for _, v := range latest {
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeMetadataStore) Get(ctx context.Context, id int64) (*domain.EntryVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.ID == id {
			copyVersion := *v
			return &copyVersion, nil
		}
	}
	return nil, domain.ErrVersionNotFound
}

func (s *fakeMetadataStore) DeleteOldVersions(ctx context.Context, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hashes []string
	var kept []*domain.EntryVersion
	for _, v := range s.versions {
		if v.SnapshotID == nil && v.Entry.RecordedAt.Before(before) {
			if v.Entry.ContentHash != "" {
				hashes = append(hashes, v.Entry.ContentHash)
			}
			continue
		}
		kept = append(kept, v)
	}
	s.versions = kept
	return hashes, nil
}

func (s *fakeMetadataStore) OrphanHashes(ctx context.Context, candidates []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var orphans []string
	for _, hash := range candidates {
		referenced := false
		for _, e := range s.current {
			if e.ContentHash == hash {
				referenced = true
				break
			}
		}
		if !referenced {
			for _, v := range s.versions {
				if v.Entry.ContentHash == hash {
					referenced = true
					break
				}
			}
		}
		if !referenced {
			orphans = append(orphans, hash)
		}
	}
	return orphans, nil
}

// fakeSourceRepo is an in-memory repository.SourceRepository backing the
// auth middleware in these tests.
type fakeSourceRepo struct {
	mu      sync.Mutex
	byToken map[string]*domain.Source
	byName  map[string]*domain.Source
	nextID  int64
}

func newFakeSourceRepo() *fakeSourceRepo {
	return &fakeSourceRepo{byToken: make(map[string]*domain.Source), byName: make(map[string]*domain.Source)}
}

func (s *fakeSourceRepo) Create(ctx context.Context, name, accessToken string) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	src := &domain.Source{ID: s.nextID, Name: name, AccessToken: accessToken}
	s.byToken[accessToken] = src
	s.byName[name] = src
	return src, nil
}

func (s *fakeSourceRepo) GetByToken(ctx context.Context, token string) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.byToken[token]
	if !ok {
		return nil, domain.ErrSourceNotFound
	}
	return src, nil
}

func (s *fakeSourceRepo) GetByName(ctx context.Context, name string) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.byName[name]
	if !ok {
		return nil, domain.ErrSourceNotFound
	}
	return src, nil
}

func (s *fakeSourceRepo) List(ctx context.Context) ([]*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Source, 0, len(s.byToken))
	for _, src := range s.byToken {
		out = append(out, src)
	}
	return out, nil
}

// fakeSnapshotRepo is an in-memory repository.SnapshotRepository; the
// retention flows it backs are already unit-tested directly against
// internal/retention, so these tests only need it to satisfy wiring.
type fakeSnapshotRepo struct {
	mu     sync.Mutex
	latest *domain.Snapshot
	all    []*domain.Snapshot
	nextID int64
}

func newFakeSnapshotRepo() *fakeSnapshotRepo { return &fakeSnapshotRepo{} }

func (s *fakeSnapshotRepo) Create(ctx context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	snap := &domain.Snapshot{ID: s.nextID, CreatedAt: time.Now()}
	s.latest = snap
	s.all = append(s.all, snap)
	return snap, nil
}

func (s *fakeSnapshotRepo) Latest(ctx context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *fakeSnapshotRepo) List(ctx context.Context) ([]*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all, nil
}
