// Package reconcile implements the Reconfiguration Controller (spec.md
// §4.7): a single goroutine that owns the whole apply path from registry
// snapshot to published route.Table to reconciled listener.Manager, so two
// reconfigurations are never interleaved. Grounded on the teacher's
// internal/cluster/cp.Server broadcast/version pattern (internal/cluster/cp
// server.go's PushConfig/ConfigStream), adapted from a gRPC fan-out to
// connected data planes into a purely in-process fetch-build-publish-diff
// loop, since horizontal clustering across gateway processes is out of
// scope here.
package reconcile

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/zonblade/gwrs/internal/listener"
	"github.com/zonblade/gwrs/internal/model"
	"github.com/zonblade/gwrs/internal/registry"
	"github.com/zonblade/gwrs/internal/route"
	"github.com/zonblade/gwrs/internal/tlscache"
)

// Controller pulls RawSnapshots from a registry.Client, compiles them into
// route.Snapshots, and reconciles the route.Table, the tlscache.Cache and
// the listener.Manager to match — coalescing any backlog of pushed
// snapshots down to the single latest one before it applies.
type Controller struct {
	client    registry.Client
	table     *route.Table
	tlsCache  *tlscache.Cache // may be nil: skip cert cache rebuild (tests)
	listeners *listener.Manager
	resolve   route.Resolver
	log       *zap.Logger

	backoffMax time.Duration
}

// New builds a Controller. resolve may be nil to use route.DefaultResolve.
// tlsCache may be nil when the caller has no TLS-terminating proxies to
// serve (or in tests exercising only the route/listener reconciliation).
func New(client registry.Client, table *route.Table, tlsCache *tlscache.Cache, listeners *listener.Manager, resolve route.Resolver, backoffMax time.Duration, log *zap.Logger) *Controller {
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	if resolve == nil {
		resolve = route.DefaultResolve
	}
	return &Controller{
		client:     client,
		table:      table,
		tlsCache:   tlsCache,
		listeners:  listeners,
		resolve:    resolve,
		log:        log,
		backoffMax: backoffMax,
	}
}

// Run performs the initial fetch-build-publish-diff, then watches for
// further changes until ctx is cancelled. It returns ctx.Err() on
// cancellation and otherwise never returns during normal operation — a
// permanently broken registry connection keeps retrying with backoff
// rather than giving up, since the last published Snapshot must keep
// serving traffic indefinitely (spec.md §4.2's "a build/fetch failure
// never tears down what's already live").
func (c *Controller) Run(ctx context.Context) error {
	raw, err := c.fetchWithBackoff(ctx)
	if err != nil {
		return err
	}
	c.apply(ctx, raw)

	for {
		ch, err := c.watchWithBackoff(ctx)
		if err != nil {
			return err
		}
		if stop := c.drain(ctx, ch); stop {
			return ctx.Err()
		}

		// The watch ended: re-fetch before re-watching so a change made
		// while no watch was open is not missed.
		raw, err := c.fetchWithBackoff(ctx)
		if err != nil {
			return err
		}
		c.apply(ctx, raw)
	}
}

// drain consumes snapshots off ch, coalescing any backlog to the latest
// before applying, until the channel closes (backend watch ended — go
// back to Run's outer loop, which re-fetches and re-watches) or ctx is
// cancelled.
func (c *Controller) drain(ctx context.Context, ch <-chan *model.RawSnapshot) (stopped bool) {
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return false
			}
			raw = coalesceLatest(ch, raw)
			c.apply(ctx, raw)
		case <-ctx.Done():
			return true
		}
	}
}

// coalesceLatest non-blockingly drains any snapshots already queued behind
// first, returning only the newest. Reconfigurations are idempotent and
// monotonic by version, so an intermediate snapshot skipped this way is
// never user-visible.
func coalesceLatest(ch <-chan *model.RawSnapshot, first *model.RawSnapshot) *model.RawSnapshot {
	latest := first
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				return latest
			}
			latest = next
		default:
			return latest
		}
	}
}

// apply compiles raw into a Snapshot, publishes it, and reconciles the
// listener set. A build failure or a stale (already-superseded) version is
// logged and otherwise ignored: whatever was last published keeps serving.
func (c *Controller) apply(ctx context.Context, raw *model.RawSnapshot) {
	if err := raw.Validate(); err != nil {
		c.log.Error("snapshot failed schema validation, keeping previous snapshot",
			zap.Uint64("version", raw.Version), zap.Error(err))
		return
	}

	snap, buildErr := route.Build(raw, c.resolve)
	if buildErr != nil {
		c.log.Error("route build rejected, keeping previous snapshot",
			zap.Uint64("version", raw.Version), zap.Error(buildErr))
		return
	}

	if !c.table.Publish(snap) {
		c.log.Debug("snapshot superseded before publish", zap.Uint64("version", raw.Version))
		return
	}

	if c.tlsCache != nil {
		if err := c.tlsCache.Rebuild(snap); err != nil {
			c.log.Error("tls cache rebuild failed", zap.Error(err))
		}
	}

	wantAddrs := make(map[string]string, len(snap.ByAddr))
	for addr, cp := range snap.ByAddr {
		wantAddrs[addr] = cp.ID
	}

	for _, err := range c.listeners.Diff(ctx, wantAddrs) {
		c.log.Warn("listener reconciliation error", zap.Error(err))
	}

	c.log.Info("applied snapshot", zap.Uint64("version", snap.Version), zap.Int("proxies", len(snap.ByID)))
}

// fetchWithBackoff retries FetchSnapshot with exponential backoff capped at
// c.backoffMax, until it succeeds or ctx is cancelled.
func (c *Controller) fetchWithBackoff(ctx context.Context) (*model.RawSnapshot, error) {
	var raw *model.RawSnapshot
	op := func() error {
		r, err := c.client.FetchSnapshot(ctx)
		if err != nil {
			c.log.Warn("registry fetch failed, retrying", zap.Error(err))
			return err
		}
		raw = r
		return nil
	}
	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return nil, err
	}
	return raw, nil
}

// watchWithBackoff retries Watch with exponential backoff capped at
// c.backoffMax, until it succeeds or ctx is cancelled.
func (c *Controller) watchWithBackoff(ctx context.Context) (<-chan *model.RawSnapshot, error) {
	var ch <-chan *model.RawSnapshot
	op := func() error {
		got, err := c.client.Watch(ctx)
		if err != nil {
			c.log.Warn("registry watch failed, retrying", zap.Error(err))
			return err
		}
		ch = got
		return nil
	}
	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Controller) backoffPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0 // never give up on its own; ctx cancellation is the only way out
	eb.MaxInterval = c.backoffMax
	return backoff.WithContext(eb, ctx)
}
