// Package listener implements the Listener Manager (spec.md §4.5): one
// accept loop per bound addr_listen, diffed against each published
// route.Snapshot so surviving listeners keep serving untouched while new
// ones bind and retired ones drain. Grounded on the teacher's
// internal/listener package (Listener interface + Manager), generalized
// from the teacher's http/tcp protocol split to this spec's single
// TCP-accept-loop-per-proxy model.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler is invoked once per accepted connection, on its own goroutine.
// It owns the connection's full lifetime including closing it.
type Handler func(ctx context.Context, conn net.Conn, proxyID string)

// Listener owns one bound socket and its accept loop.
type Listener interface {
	ProxyID() string
	Addr() string
	Start(ctx context.Context) error
	Stop(ctx context.Context, ceiling time.Duration) error
	ActiveConnections() int64
}

// tcpListener is the one Listener implementation this core needs: every
// addr_listen in spec.md's data model is a bare TCP socket, with TLS
// termination (if any) happening inside the forwarder's Handler, not here
// — unlike the teacher's TCPListener, which wraps net.Listener in
// tls.NewListener itself.
type tcpListener struct {
	proxyID string
	addr    string
	handler Handler
	logger  *zap.Logger

	ln          net.Listener
	activeConns int64
	connWg      sync.WaitGroup
	closeCh     chan struct{}
	closeOnce   sync.Once
}

func newTCPListener(proxyID, addr string, handler Handler, logger *zap.Logger) *tcpListener {
	return &tcpListener{
		proxyID: proxyID,
		addr:    addr,
		handler: handler,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
}

func (l *tcpListener) ProxyID() string { return l.proxyID }
func (l *tcpListener) Addr() string    { return l.addr }

func (l *tcpListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listener %s: bind %s: %w", l.proxyID, l.addr, err)
	}
	l.ln = ln
	go l.acceptLoop(ctx)
	return nil
}

func (l *tcpListener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
			}
			select {
			case <-ctx.Done():
				return
			default:
				l.logger.Warn("accept error", zap.String("proxy_id", l.proxyID), zap.Error(err))
				continue
			}
		}

		atomic.AddInt64(&l.activeConns, 1)
		l.connWg.Add(1)
		go func() {
			defer func() {
				atomic.AddInt64(&l.activeConns, -1)
				l.connWg.Done()
			}()
			l.handler(ctx, conn, l.proxyID)
		}()
	}
}

// Stop closes the socket (no new accepts) and waits up to ceiling for
// in-flight connections to finish on their own before returning; it never
// force-closes a connection itself — that's the forwarder's call to make,
// since only it knows whether a half-spliced byte stream can be cut safely.
func (l *tcpListener) Stop(ctx context.Context, ceiling time.Duration) error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	if l.ln != nil {
		l.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		l.connWg.Wait()
		close(done)
	}()

	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("listener %s: drain ceiling %s exceeded with %d active connections",
			l.proxyID, ceiling, atomic.LoadInt64(&l.activeConns))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *tcpListener) ActiveConnections() int64 {
	return atomic.LoadInt64(&l.activeConns)
}

// Manager maintains the addr_listen → Listener mapping and implements the
// diffing policy from spec.md §4.5.
type Manager struct {
	mu           sync.RWMutex
	listeners    map[string]Listener // keyed by addr_listen
	handler      Handler
	drainCeiling time.Duration
	logger       *zap.Logger
}

// NewManager builds a Manager. handler is invoked for every connection
// accepted on any listener it owns; drainCeiling bounds how long Diff
// waits for a retired listener's connections to finish (spec.md default
// 30s).
func NewManager(handler Handler, drainCeiling time.Duration, logger *zap.Logger) *Manager {
	if drainCeiling <= 0 {
		drainCeiling = 30 * time.Second
	}
	return &Manager{
		listeners:    make(map[string]Listener),
		handler:      handler,
		drainCeiling: drainCeiling,
		logger:       logger,
	}
}

// Add registers and starts a new listener for (proxyID, addr). A bind
// failure is returned (Diff logs it) but never panics the caller — per
// spec.md §4.5, the failed binding is simply retried on the next diff.
func (m *Manager) Add(ctx context.Context, proxyID, addr string) error {
	m.mu.Lock()
	if _, exists := m.listeners[addr]; exists {
		m.mu.Unlock()
		return fmt.Errorf("listener: addr %s already bound", addr)
	}
	l := newTCPListener(proxyID, addr, m.handler, m.logger)
	m.mu.Unlock()

	if err := l.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.listeners[addr] = l
	m.mu.Unlock()
	return nil
}

// Get returns the listener bound to addr, if any.
func (m *Manager) Get(addr string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[addr]
	return l, ok
}

// Remove gracefully drains and unregisters the listener bound to addr.
func (m *Manager) Remove(ctx context.Context, addr string) error {
	m.mu.Lock()
	l, ok := m.listeners[addr]
	if ok {
		delete(m.listeners, addr)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("listener: addr %s not bound", addr)
	}
	return l.Stop(ctx, m.drainCeiling)
}

// Count returns the number of active listeners.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns the bound addresses of every active listener.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addrs := make([]string, 0, len(m.listeners))
	for a := range m.listeners {
		addrs = append(addrs, a)
	}
	return addrs
}

// Diff reconciles the Manager's listener set against the proxies present
// in wantAddrs: for each addr not currently bound, Add is attempted; for
// each bound addr missing from wantAddrs, Remove is attempted (gracefully
// draining); addrs in both sets are left untouched entirely. Errors from
// individual adds/removes are collected, not aborted on — one bad bind
// must never prevent the rest of the diff from applying.
func (m *Manager) Diff(ctx context.Context, wantAddrs map[string]string) []error {
	m.mu.RLock()
	current := make(map[string]struct{}, len(m.listeners))
	for a := range m.listeners {
		current[a] = struct{}{}
	}
	m.mu.RUnlock()

	var toAdd []string
	for addr := range wantAddrs {
		if _, ok := current[addr]; !ok {
			toAdd = append(toAdd, addr)
		}
	}
	var toRemove []string
	for addr := range current {
		if _, ok := wantAddrs[addr]; !ok {
			toRemove = append(toRemove, addr)
		}
	}

	var mu sync.Mutex
	var errs []error
	g, gctx := errgroup.WithContext(ctx)

	for _, addr := range toAdd {
		addr := addr
		proxyID := wantAddrs[addr]
		g.Go(func() error {
			// The listener outlives this Diff call, so it gets ctx rather than
			// gctx, which errgroup cancels as soon as Wait returns.
			if err := m.Add(ctx, proxyID, addr); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				m.logger.Warn("listener bind failed, will retry next reconfiguration", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		})
	}
	for _, addr := range toRemove {
		addr := addr
		g.Go(func() error {
			if err := m.Remove(gctx, addr); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait() // inner goroutines never return non-nil; errs already collected
	return errs
}

// StopAll drains every listener concurrently, bounded by the Manager's
// configured drain ceiling, and clears the listener set. Used on process
// shutdown.
func (m *Manager) StopAll(ctx context.Context) []error {
	m.mu.Lock()
	all := make(map[string]Listener, len(m.listeners))
	for a, l := range m.listeners {
		all[a] = l
	}
	m.listeners = make(map[string]Listener)
	m.mu.Unlock()

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, l := range all {
		wg.Add(1)
		l := l
		go func() {
			defer wg.Done()
			if err := l.Stop(ctx, m.drainCeiling); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}
