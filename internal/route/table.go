package route

import "sync/atomic"

// Table holds the currently published Snapshot behind an atomic pointer so
// every reader (forwarder, listener manager, telemetry) gets a consistent,
// lock-free view (spec.md §4.2: "atomic pointer swap; monotonic version
// check rejects older versions").
type Table struct {
	ptr atomic.Pointer[Snapshot]
}

// NewTable returns a Table with no Snapshot published yet. Current returns
// nil until the first successful Publish.
func NewTable() *Table {
	return &Table{}
}

// Current returns the currently published Snapshot without blocking. The
// caller should hold the returned pointer for as long as it needs a
// consistent view (e.g. the lifetime of one connection).
func (t *Table) Current() *Snapshot {
	return t.ptr.Load()
}

// Publish swaps in s if s is newer than the currently published Snapshot.
// It returns false when s.Version is older than or equal to what's already
// published (an equal version is an idempotent no-op), in which case the
// publish is silently dropped and the existing Snapshot keeps serving.
func (t *Table) Publish(s *Snapshot) bool {
	for {
		cur := t.ptr.Load()
		if cur != nil && s.Version <= cur.Version {
			return false
		}
		if t.ptr.CompareAndSwap(cur, s) {
			return true
		}
	}
}
