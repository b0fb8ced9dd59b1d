package listener

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestAddStartsAcceptingConnections(t *testing.T) {
	var hits int64
	m := NewManager(func(ctx context.Context, conn net.Conn, proxyID string) {
		atomic.AddInt64(&hits, 1)
		conn.Close()
	}, time.Second, zap.NewNop())

	addr := freeAddr(t)
	require.NoError(t, m.Add(context.Background(), "px1", addr))
	defer m.StopAll(context.Background())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&hits) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAddRejectsDuplicateAddr(t *testing.T) {
	m := NewManager(func(ctx context.Context, conn net.Conn, proxyID string) { conn.Close() }, time.Second, zap.NewNop())
	addr := freeAddr(t)
	require.NoError(t, m.Add(context.Background(), "px1", addr))
	defer m.StopAll(context.Background())

	err := m.Add(context.Background(), "px2", addr)
	assert.Error(t, err)
}

func TestDiffAddsAndRemovesWithoutTouchingSurvivors(t *testing.T) {
	m := NewManager(func(ctx context.Context, conn net.Conn, proxyID string) { conn.Close() }, time.Second, zap.NewNop())

	keep := freeAddr(t)
	drop := freeAddr(t)
	require.NoError(t, m.Add(context.Background(), "px-keep", keep))
	require.NoError(t, m.Add(context.Background(), "px-drop", drop))
	defer m.StopAll(context.Background())

	survivor, _ := m.Get(keep)

	add := freeAddr(t)
	errs := m.Diff(context.Background(), map[string]string{
		keep: "px-keep",
		add:  "px-add",
	})
	assert.Empty(t, errs)

	assert.Equal(t, 2, m.Count())
	_, stillThere := m.Get(keep)
	assert.True(t, stillThere)
	_, added := m.Get(add)
	assert.True(t, added)
	_, removed := m.Get(drop)
	assert.False(t, removed)

	survivorAfter, _ := m.Get(keep)
	assert.Same(t, survivor, survivorAfter, "unaffected listener must not be replaced")
}

func TestStopAllDrainsWithinCeiling(t *testing.T) {
	m := NewManager(func(ctx context.Context, conn net.Conn, proxyID string) { conn.Close() }, 100*time.Millisecond, zap.NewNop())
	addr := freeAddr(t)
	require.NoError(t, m.Add(context.Background(), "px1", addr))

	errs := m.StopAll(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, 0, m.Count())
}
