package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/okian/rolodex/internal/domain/model"
	"github.com/okian/rolodex/internal/domain/recovery"
	"github.com/okian/rolodex/pkg/logger"
	"github.com/okian/rolodex/pkg/metrics"
)

type memoryEntry struct {
	seq    uint64
	record model.ContactRecord
	keys   model.MatchKeys
}

// MemoryStore keeps everything in process memory. Contacts are indexed by
// their match keys so FindExisting does not scan the whole book.
type MemoryStore struct {
	settings

	mu       sync.RWMutex
	closed   bool
	seq      uint64
	contacts map[string]*memoryEntry
	byEmail  map[string]map[string]struct{}
	byPhone  map[string]map[string]struct{}
	byName   map[string]map[string]struct{}
	runs     map[string]model.ImportAnalytics
	errs     map[string][]ErrorRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		settings: defaultSettings(),
		contacts: make(map[string]*memoryEntry),
		byEmail:  make(map[string]map[string]struct{}),
		byPhone:  make(map[string]map[string]struct{}),
		byName:   make(map[string]map[string]struct{}),
		runs:     make(map[string]model.ImportAnalytics),
		errs:     make(map[string][]ErrorRecord),
	}
	for _, opt := range opts {
		opt(&s.settings)
	}
	return s
}

func indexAdd(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	ids, ok := idx[key]
	if !ok {
		ids = make(map[string]struct{})
		idx[key] = ids
	}
	ids[id] = struct{}{}
}

func indexRemove(idx map[string]map[string]struct{}, key, id string) {
	if ids, ok := idx[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(idx, key)
		}
	}
}

func (s *MemoryStore) FindExisting(ctx context.Context, l model.Lookup) ([]model.ContactRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("find_existing", sinceMs(start)) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	hits := make(map[string]*memoryEntry)
	collect := func(idx map[string]map[string]struct{}, keys []string) {
		for _, k := range keys {
			for id := range idx[k] {
				hits[id] = s.contacts[id]
			}
		}
	}
	collect(s.byEmail, l.Emails)
	collect(s.byPhone, l.Phones)
	collect(s.byName, l.Names)

	entries := make([]*memoryEntry, 0, len(hits))
	for _, e := range hits {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *memoryEntry) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]model.ContactRecord, len(entries))
	for i, e := range entries {
		out[i] = e.record.Clone()
	}
	return out, nil
}

func (s *MemoryStore) InsertMany(ctx context.Context, records []model.ContactRecord) (model.InsertResult, error) {
	var res model.InsertResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("insert_many", sinceMs(start)) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return res, ErrClosed
	}

	now := s.now()
	for _, rec := range records {
		if rec.ID == "" {
			res.Errors = append(res.Errors, model.InsertFailure{Err: ErrMissingID, Message: ErrMissingID.Error()})
			continue
		}
		rec = rec.Clone()
		stamp(&rec, now)
		s.put(rec)
		res.InsertedCount++
	}
	metrics.UpdateStoreRecords(len(s.contacts))
	if len(res.Errors) > 0 {
		s.logger.Warn(ctx, "some contacts were not stored", logger.Int("failed", len(res.Errors)))
	}
	return res, nil
}

// put inserts or replaces a record. The caller holds the write lock.
func (s *MemoryStore) put(rec model.ContactRecord) {
	keys := rec.Keys()
	if old, ok := s.contacts[rec.ID]; ok {
		indexRemove(s.byEmail, old.keys.Email, rec.ID)
		indexRemove(s.byPhone, old.keys.Phone, rec.ID)
		indexRemove(s.byName, old.keys.Name, rec.ID)
		old.record = rec
		old.keys = keys
	} else {
		s.seq++
		s.contacts[rec.ID] = &memoryEntry{seq: s.seq, record: rec, keys: keys}
	}
	indexAdd(s.byEmail, keys.Email, rec.ID)
	indexAdd(s.byPhone, keys.Phone, rec.ID)
	indexAdd(s.byName, keys.Name, rec.ID)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (model.ContactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.ContactRecord{}, ErrClosed
	}
	e, ok := s.contacts[id]
	if !ok {
		return model.ContactRecord{}, ErrNotFound
	}
	return e.record.Clone(), nil
}

func (s *MemoryStore) RecordImportRun(ctx context.Context, a model.ImportAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.runs[a.RunID] = a.Copy()
	return nil
}

func (s *MemoryStore) ImportRun(ctx context.Context, runID string) (model.ImportAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.ImportAnalytics{}, ErrClosed
	}
	a, ok := s.runs[runID]
	if !ok {
		return model.ImportAnalytics{}, ErrRunNotFound
	}
	return a.Copy(), nil
}

func (s *MemoryStore) RecordError(ctx context.Context, runID string, ie *recovery.ImportError) error {
	if ie == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cp := *ie
	s.errs[runID] = append(s.errs[runID], ErrorRecord{RunID: runID, Error: &cp})
	return nil
}

func (s *MemoryStore) Errors(ctx context.Context, runID string) ([]ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.errs[runID]), nil
}

func (s *MemoryStore) Count(ctx context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts)
}

// Close drops the contents; later calls return ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	clear(s.contacts)
	clear(s.byEmail)
	clear(s.byPhone)
	clear(s.byName)
	return nil
}
