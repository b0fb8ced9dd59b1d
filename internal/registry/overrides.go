package registry

import (
	"context"

	"github.com/zonblade/gwrs/internal/model"
)

// WithBindOverrides wraps client so every RawSnapshot it produces (via
// FetchSnapshot or Watch) has its proxies' addr_listen rewritten per
// overrides (keyed by proxy id). This lets an operator rebind a proxy to a
// different local address without touching the shared registry record —
// config.ProxyDefaults.BindOverrides is the knob that feeds this.
func WithBindOverrides(client Client, overrides map[string]string) Client {
	if len(overrides) == 0 {
		return client
	}
	return &overrideClient{Client: client, overrides: overrides}
}

type overrideClient struct {
	Client
	overrides map[string]string
}

func (c *overrideClient) FetchSnapshot(ctx context.Context) (*model.RawSnapshot, error) {
	raw, err := c.Client.FetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.apply(raw)
	return raw, nil
}

func (c *overrideClient) Watch(ctx context.Context) (<-chan *model.RawSnapshot, error) {
	upstream, err := c.Client.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan *model.RawSnapshot, 1)
	go func() {
		defer close(out)
		for raw := range upstream {
			c.apply(raw)
			out <- raw
		}
	}()
	return out, nil
}

func (c *overrideClient) apply(raw *model.RawSnapshot) {
	for i := range raw.Proxies {
		if addr, ok := c.overrides[raw.Proxies[i].ID]; ok {
			raw.Proxies[i].AddrListen = addr
		}
	}
}
