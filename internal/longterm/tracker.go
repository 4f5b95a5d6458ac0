package longterm

import (
	"context"
	"sync"
	"time"

	"github.com/MadBomber/htm/internal/logging"
	"github.com/MadBomber/htm/internal/store"
)

// accessTracker batches access bumps so that recall-heavy workloads do not
// issue one UPDATE per returned node. Flushes on a timer and on close;
// counts are eventually consistent.
type accessTracker struct {
	store    *store.Store
	interval time.Duration

	mu      sync.Mutex
	pending map[int64]struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func newAccessTracker(s *store.Store, interval time.Duration) *accessTracker {
	if interval <= 0 {
		interval = time.Second
	}
	t := &accessTracker{
		store:    s,
		interval: interval,
		pending:  make(map[int64]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *accessTracker) record(ids []int64) {
	if len(ids) == 0 {
		return
	}
	t.mu.Lock()
	for _, id := range ids {
		t.pending[id] = struct{}{}
	}
	t.mu.Unlock()
}

func (t *accessTracker) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.flush()
		case <-t.stop:
			t.flush()
			return
		}
	}
}

func (t *accessTracker) flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	ids := make([]int64, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.pending = make(map[int64]struct{})
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.TouchAccess(ctx, ids); err != nil {
		logging.Warnf(logging.CategoryLongTerm, "access flush for %d nodes failed: %v", len(ids), err)
	}
}

func (t *accessTracker) close() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
