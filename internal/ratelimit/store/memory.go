package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// counter is a single client window guarded by its own mutex.
type counter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	window      time.Duration
	// evicted is set by Sweep after the counter was removed from the map.
	evicted bool
}

// MemoryStore keeps counters in process memory. Unrelated keys never
// contend on a shared lock.
type MemoryStore struct {
	counters      sync.Map
	sweepInterval time.Duration
	now           func() time.Time
	done          chan struct{}
	closeOnce     sync.Once
	closed        atomic.Bool
}

// MemoryOption is a functional option for the memory store.
type MemoryOption func(*MemoryStore)

// WithSweepInterval enables a janitor that drops expired counters every
// interval. Zero disables it.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.sweepInterval = interval
	}
}

// WithSweepClock sets the time source used by the janitor.
func WithSweepClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:  time.Now,
		done: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.sweepInterval > 0 {
		go s.janitor()
	}

	return s
}

// Take implements Store.
func (s *MemoryStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}
	if s.closed.Load() {
		return Window{}, ErrStoreClosed
	}

	for {
		value, _ := s.counters.LoadOrStore(key, &counter{windowStart: now, window: window})
		c := value.(*counter)

		c.mu.Lock()
		if c.evicted {
			// Lost a race with Sweep; the next load sees a fresh counter.
			c.mu.Unlock()
			continue
		}

		c.window = window
		if now.Sub(c.windowStart) >= window {
			c.count = 0
			c.windowStart = now
		}

		allowed := c.count < limit
		if allowed {
			c.count++
		}

		w := Window{
			Allowed:    allowed,
			Count:      c.count,
			ResetAfter: c.windowStart.Add(window).Sub(now),
		}
		c.mu.Unlock()

		return w, nil
	}
}

// Sweep removes counters whose window has fully elapsed at now and returns
// how many were removed. A removed counter behaves exactly like one that
// would have been reset on its next Take.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.counters.Range(func(key, value any) bool {
		c := value.(*counter)
		c.mu.Lock()
		if now.Sub(c.windowStart) >= c.window {
			c.evicted = true
			if s.counters.CompareAndDelete(key, c) {
				removed++
			}
		}
		c.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	s.counters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops the janitor. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(s.now())
		case <-s.done:
			return
		}
	}
}
