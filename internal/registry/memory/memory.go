// Package memory implements an in-process registry.Client for tests and
// single-node deployments, grounded on the teacher's
// internal/registry/memory package: a map guarded by a mutex, with watchers
// notified synchronously on every mutation rather than polled.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zonblade/gwrs/internal/model"
)

// Backend is an in-memory registry.Client. Update is the test/operator
// entry point for pushing a new RawSnapshot; Backend assigns a monotonic
// version automatically so callers never have to track it themselves.
type Backend struct {
	mu       sync.RWMutex
	current  *model.RawSnapshot
	version  uint64
	watchers []chan *model.RawSnapshot
	closed   bool
}

// New returns an empty Backend. Seed with Update before anything reads it,
// or call FetchSnapshot and accept the zero-value empty snapshot.
func New() *Backend {
	return &Backend{current: &model.RawSnapshot{Version: 0}}
}

// Update replaces the backend's snapshot, assigns the next version number,
// and pushes it to every active watcher. Entities missing an ID are
// assigned one via uuid, mirroring the teacher's memory registry
// auto-assigning a Service.ID on Register.
func (b *Backend) Update(snap *model.RawSnapshot) {
	for i := range snap.Proxies {
		if snap.Proxies[i].ID == "" {
			snap.Proxies[i].ID = uuid.NewString()
		}
	}
	for i := range snap.TLSDomains {
		if snap.TLSDomains[i].ID == "" {
			snap.TLSDomains[i].ID = uuid.NewString()
		}
	}
	for i := range snap.GatewayNodes {
		if snap.GatewayNodes[i].ID == "" {
			snap.GatewayNodes[i].ID = uuid.NewString()
		}
	}
	for i := range snap.GatewayRules {
		if snap.GatewayRules[i].ID == "" {
			snap.GatewayRules[i].ID = uuid.NewString()
		}
	}

	b.mu.Lock()
	b.version++
	snap.Version = b.version
	b.current = snap
	watchers := append([]chan *model.RawSnapshot(nil), b.watchers...)
	b.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- snap:
		default:
			// Slow watcher: drop rather than block the updater, the same
			// trade-off the teacher's notifyWatchers makes.
		}
	}
}

// FetchSnapshot returns the current snapshot.
func (b *Backend) FetchSnapshot(ctx context.Context) (*model.RawSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current, nil
}

// Watch registers a channel that receives every future Update.
func (b *Backend) Watch(ctx context.Context) (<-chan *model.RawSnapshot, error) {
	ch := make(chan *model.RawSnapshot, 4)

	b.mu.Lock()
	b.watchers = append(b.watchers, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, w := range b.watchers {
			if w == ch {
				b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Close marks the backend closed. Watch channels are closed individually
// as their context is cancelled, not here, since memory.Backend has no
// single owning context of its own.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
