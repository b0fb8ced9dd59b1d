package reconcile

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zonblade/gwrs/internal/listener"
	"github.com/zonblade/gwrs/internal/model"
	"github.com/zonblade/gwrs/internal/registry/memory"
	"github.com/zonblade/gwrs/internal/route"
)

func literalResolve(hostPort string) (string, error) { return hostPort, nil }

func noopHandler(ctx context.Context, conn net.Conn, proxyID string) { conn.Close() }

func TestRunAppliesInitialSnapshotAndReconcilesListeners(t *testing.T) {
	backend := memory.New()
	backend.Update(&model.RawSnapshot{
		Proxies: []model.Proxy{{ID: "px1", AddrListen: "127.0.0.1:0"}},
	})

	tbl := route.NewTable()
	mgr := listener.NewManager(noopHandler, time.Second, zap.NewNop())
	ctrl := New(backend, tbl, nil, mgr, literalResolve, time.Second, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := ctrl.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap := tbl.Current()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(1), snap.Version)
	assert.Contains(t, snap.ByID, "px1")
}

func TestCoalesceLatestDrainsBacklog(t *testing.T) {
	ch := make(chan *model.RawSnapshot, 4)
	ch <- &model.RawSnapshot{Version: 2}
	ch <- &model.RawSnapshot{Version: 3}

	latest := coalesceLatest(ch, &model.RawSnapshot{Version: 1})
	assert.EqualValues(t, 3, latest.Version)
}

func TestApplyIgnoresBuildFailureAndKeepsPreviousSnapshot(t *testing.T) {
	backend := memory.New()
	tbl := route.NewTable()
	mgr := listener.NewManager(noopHandler, time.Second, zap.NewNop())
	ctrl := New(backend, tbl, nil, mgr, literalResolve, time.Second, zap.NewNop())

	good := &model.RawSnapshot{Version: 1, Proxies: []model.Proxy{{ID: "px1", AddrListen: "127.0.0.1:9999"}}}
	ctrl.apply(context.Background(), good)
	require.NotNil(t, tbl.Current())
	assert.EqualValues(t, 1, tbl.Current().Version)

	bad := &model.RawSnapshot{
		Version:      2,
		GatewayNodes: []model.GatewayNode{{ID: "n1", ProxyID: "does-not-exist", AltTarget: "127.0.0.1:1"}},
	}
	ctrl.apply(context.Background(), bad)

	assert.EqualValues(t, 1, tbl.Current().Version, "a rejected build must not disturb the previously published snapshot")
}

func TestApplyRejectsSnapshotWithMissingRequiredFields(t *testing.T) {
	backend := memory.New()
	tbl := route.NewTable()
	mgr := listener.NewManager(noopHandler, time.Second, zap.NewNop())
	ctrl := New(backend, tbl, nil, mgr, literalResolve, time.Second, zap.NewNop())

	good := &model.RawSnapshot{Version: 1, Proxies: []model.Proxy{{ID: "px1", AddrListen: "127.0.0.1:9999"}}}
	ctrl.apply(context.Background(), good)
	require.NotNil(t, tbl.Current())

	missingAddr := &model.RawSnapshot{Version: 2, Proxies: []model.Proxy{{ID: "px2"}}}
	ctrl.apply(context.Background(), missingAddr)

	assert.EqualValues(t, 1, tbl.Current().Version, "a snapshot missing required fields must not replace a good one")
}
