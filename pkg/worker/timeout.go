package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zabrisket/ledgerlift/pkg/errdefs"
)

// TimeoutManager enforces cooperative step timeouts with named timers. It
// never uses platform signals: each step runs under a derived context whose
// cancel fires from a registered timer, and the entry is always removed when
// the step returns, so timers cannot leak across call boundaries.
type TimeoutManager struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	seq    atomic.Uint64
}

// NewTimeoutManager creates an empty registry.
func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{timers: make(map[string]*time.Timer)}
}

// create registers a timer under id, replacing any existing entry.
func (m *TimeoutManager) create(id string, d time.Duration, callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.timers[id]; ok {
		existing.Stop()
	}
	m.timers[id] = time.AfterFunc(d, callback)
}

// cancel stops and removes the timer registered under id.
func (m *TimeoutManager) cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
}

// Active reports the number of registered timers.
func (m *TimeoutManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Do runs fn under the named timeout. Expiry cancels fn's context and Do
// returns a transient timeout error the step maps to retriable or fatal.
// Zero or negative d runs fn without a timer.
func (m *TimeoutManager) Do(ctx context.Context, name string, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}

	id := fmt.Sprintf("%s-%d", name, m.seq.Add(1))
	stepCtx, cancel := context.WithCancel(ctx)
	var expired atomic.Bool

	m.create(id, d, func() {
		expired.Store(true)
		cancel()
	})
	defer func() {
		m.cancel(id)
		cancel()
	}()

	err := fn(stepCtx)
	if expired.Load() {
		return errdefs.Transient(fmt.Errorf("step %s timed out after %s", name, d))
	}
	return err
}
