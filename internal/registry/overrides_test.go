package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonblade/gwrs/internal/model"
)

type fakeClient struct {
	snap    *model.RawSnapshot
	watchCh chan *model.RawSnapshot
	closed  bool
}

func (f *fakeClient) FetchSnapshot(ctx context.Context) (*model.RawSnapshot, error) {
	return f.snap, nil
}

func (f *fakeClient) Watch(ctx context.Context) (<-chan *model.RawSnapshot, error) {
	return f.watchCh, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestWithBindOverridesReturnsClientUnchangedWhenEmpty(t *testing.T) {
	f := &fakeClient{}
	assert.Same(t, Client(f), WithBindOverrides(f, nil))
}

func TestWithBindOverridesRewritesFetchSnapshot(t *testing.T) {
	f := &fakeClient{snap: &model.RawSnapshot{
		Proxies: []model.Proxy{{ID: "px1", AddrListen: "0.0.0.0:8080"}},
	}}

	c := WithBindOverrides(f, map[string]string{"px1": "127.0.0.1:9090"})
	raw, err := c.FetchSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", raw.Proxies[0].AddrListen)
}

func TestWithBindOverridesRewritesWatchStream(t *testing.T) {
	f := &fakeClient{watchCh: make(chan *model.RawSnapshot, 1)}
	c := WithBindOverrides(f, map[string]string{"px1": "10.0.0.1:443"})

	out, err := c.Watch(context.Background())
	require.NoError(t, err)

	f.watchCh <- &model.RawSnapshot{Proxies: []model.Proxy{{ID: "px1", AddrListen: "0.0.0.0:443"}}}
	close(f.watchCh)

	raw := <-out
	assert.Equal(t, "10.0.0.1:443", raw.Proxies[0].AddrListen)
}
