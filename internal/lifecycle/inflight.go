package lifecycle

import (
	"sync"
	"time"
)

// InFlight marks positions that have a check in progress so that an
// overlapping tick skips them instead of acting twice. It is safe for
// concurrent use.
type InFlight struct {
	mu     sync.Mutex
	active map[string]time.Time // positionID -> acquired at
}

// NewInFlight creates an empty guard.
func NewInFlight() *InFlight {
	return &InFlight{active: make(map[string]time.Time)}
}

// TryAcquire claims id. ok is false when id is already held; otherwise the
// returned release must be called exactly once.
func (f *InFlight) TryAcquire(id string) (release func(), ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, held := f.active[id]; held {
		return nil, false
	}
	f.active[id] = time.Now()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.active, id)
			f.mu.Unlock()
		})
	}, true
}

// Held reports whether id is currently claimed.
func (f *InFlight) Held(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[id]
	return ok
}

// Oldest returns how long the longest-running claim has been held.
func (f *InFlight) Oldest() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest time.Duration
	now := time.Now()
	for _, at := range f.active {
		if d := now.Sub(at); d > oldest {
			oldest = d
		}
	}
	return oldest
}
