// Package dedupe tracks upload fingerprints so the same file submitted twice
// maps to the same import job.
package dedupe

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
)

const defaultMaxSize = 10000

// Tracker records which upload fingerprints already have an import job.
type Tracker interface {
	// Claim atomically records key for jobID unless it is already known.
	// When seen is true, existing is the job that claimed key first.
	Claim(ctx context.Context, key, jobID string) (existing string, seen bool)

	// Release forgets key so the same upload can be submitted again, e.g.
	// after the queue rejected the job.
	Release(ctx context.Context, key string)

	Size() int64
}

type entry struct {
	key   string
	jobID string
}

// inMemoryTracker keeps at most maxSize keys and evicts the oldest claim
// first. maxSize <= 0 disables eviction.
type inMemoryTracker struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	maxSize int
	size    atomic.Int64
}

// NewInMemoryTracker creates a tracker with configuration options.
func NewInMemoryTracker(opts ...Option) Tracker {
	t := &inMemoryTracker{
		maxSize: defaultMaxSize,
		index:   make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *inMemoryTracker) Claim(_ context.Context, key, jobID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[key]; ok {
		return el.Value.(entry).jobID, true
	}
	if t.maxSize > 0 && t.order.Len() >= t.maxSize {
		t.evictOldest()
	}
	t.index[key] = t.order.PushBack(entry{key: key, jobID: jobID})
	t.size.Add(1)
	return "", false
}

func (t *inMemoryTracker) Release(_ context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[key]; ok {
		t.order.Remove(el)
		delete(t.index, key)
		t.size.Add(-1)
	}
}

// evictOldest must be called with t.mu held.
func (t *inMemoryTracker) evictOldest() {
	front := t.order.Front()
	if front == nil {
		return
	}
	t.order.Remove(front)
	delete(t.index, front.Value.(entry).key)
	t.size.Add(-1)
}

func (t *inMemoryTracker) Size() int64 {
	return t.size.Load()
}

// Fingerprint hashes an upload together with the parameters that change how
// it is imported, so the same file with a different strategy is a new job.
func Fingerprint(raw []byte, params ...string) string {
	h := sha256.New()
	h.Write(raw)
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
