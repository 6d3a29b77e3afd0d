// Package lease implements the single-active-scheduler claim the tick loop
// needs when more than one instance points at the same store: a named,
// TTL-bounded lease with OnAcquire/OnLost callbacks, renewed on an interval
// shorter than its own TTL.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/events"
)

// Backend is the persistence seam the Manager drives; internal/store
// satisfies it via AcquireOrRenewLease/ReleaseLease against the
// scheduler_lease table.
type Backend interface {
	AcquireOrRenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

type Manager struct {
	backend Backend
	hub     *events.Hub
	log     *slog.Logger

	name   string
	holder string
	ttl    time.Duration

	mu      sync.RWMutex
	held    bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewManager(backend Backend, hub *events.Hub, log *slog.Logger, name, holder string, ttl time.Duration) *Manager {
	return &Manager{
		backend: backend,
		hub:     hub,
		log:     log.With("component", "lease", "lease_name", name),
		name:    name,
		holder:  holder,
		ttl:     ttl,
	}
}

// Held reports whether this instance currently believes it holds the lease.
// Callers must still treat every mutating operation as needing its own
// guard, since the lease can be lost between Held returning true and the
// caller acting on it.
func (m *Manager) Held() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.held
}

// Run drives the acquire/renew loop until ctx is cancelled, attempting a
// claim every interval (recommended: ttl/3, so two consecutive misses are
// needed before the lease is lost).
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.stopped = make(chan struct{})
	m.mu.Unlock()
	defer close(m.stopped)

	m.tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.release(context.Background())
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	stopped := m.stopped
	m.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	if stopped != nil {
		<-stopped
	}
}

func (m *Manager) tick(ctx context.Context) {
	acquired, err := m.backend.AcquireOrRenewLease(ctx, m.name, m.holder, m.ttl)
	if err != nil {
		m.log.Warn("lease claim failed", "error", err)
		m.transition(false)
		return
	}
	m.transition(acquired)
}

func (m *Manager) transition(acquired bool) {
	m.mu.Lock()
	was := m.held
	m.held = acquired
	m.mu.Unlock()

	if acquired && !was {
		m.log.Info("lease acquired")
		if m.hub != nil {
			m.hub.Publish(events.NewEvent(events.TypeLeaseAcquired, map[string]any{"lease": m.name, "holder": m.holder}))
		}
	} else if !acquired && was {
		m.log.Warn("lease lost")
		if m.hub != nil {
			m.hub.Publish(events.NewEvent(events.TypeLeaseLost, map[string]any{"lease": m.name, "holder": m.holder}))
		}
	}
}

func (m *Manager) release(ctx context.Context) {
	m.mu.Lock()
	held := m.held
	m.held = false
	m.mu.Unlock()
	if !held {
		return
	}
	if err := m.backend.ReleaseLease(ctx, m.name, m.holder); err != nil {
		m.log.Warn("lease release failed", "error", err)
	}
}
