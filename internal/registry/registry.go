// Package registry defines the Registry Client abstraction (spec.md §4.1):
// a pluggable source of the versioned RawSnapshot that the rest of the core
// builds its routing table from. Concrete backends live in the memory,
// etcd, consul and kubernetes subpackages; this package holds only the
// shared interface and error sentinels, the way the teacher's
// internal/registry package separates the Registry interface from its
// per-backend implementations.
package registry

import (
	"context"
	"errors"

	"github.com/zonblade/gwrs/internal/model"
)

// ErrUnavailable names the "backend cannot currently be reached" condition,
// which is always transient from the caller's point of view: retry with
// backoff, never give up permanently. The backends in this module do not
// return it; they return their client library's error wrapped instead.
var ErrUnavailable = errors.New("registry: backend unavailable")

// Client fetches and watches the RawSnapshot a concrete backend holds.
// Every method must be safe for concurrent use; Watch may be called again
// after a previously returned channel has closed, and each call opens a
// fresh watch.
type Client interface {
	// FetchSnapshot returns the current RawSnapshot in one shot. Used both
	// for the initial load and as a fallback for backends with no native
	// push mechanism.
	FetchSnapshot(ctx context.Context) (*model.RawSnapshot, error)

	// Watch returns a channel of RawSnapshots pushed whenever the backend's
	// state changes. The channel is closed when ctx is done or the backend
	// connection is permanently lost; callers should treat closure as "go
	// back to FetchSnapshot and retry with backoff", never as "use a stale
	// snapshot forever".
	Watch(ctx context.Context) (<-chan *model.RawSnapshot, error)

	// Close releases any held connections (etcd/consul clients, ...).
	Close() error
}
