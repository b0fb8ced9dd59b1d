// Package etcd implements registry.Client backed by etcd, grounded on the
// teacher's internal/registry/etcd package: a prefixed key space and a
// native Watch, reusing clientv3 directly rather than wrapping it further.
// No local cache is kept: every FetchSnapshot reads etcd, and Watch
// re-fetches the whole snapshot on each change event.
//
// Unlike the teacher's service registry, this Client never writes: the
// gateway core only ever consumes configuration, so Register/Deregister/
// keepalive/lease machinery has no counterpart here.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zonblade/gwrs/internal/model"
)

const (
	proxiesSuffix      = "proxies/"
	domainsSuffix      = "tls_domains/"
	nodesSuffix        = "gateway_nodes/"
	rulesSuffix        = "gateway_rules/"
	versionKeySuffix   = "version"
	dialTimeout        = 5 * time.Second
)

// Client is a registry.Client backed by etcd.
type Client struct {
	cli    *clientv3.Client
	prefix string

	mu      sync.RWMutex
	version uint64
}

// Config is the subset of etcd connection parameters the client needs.
type Config struct {
	Endpoints []string
	Username  string
	Password  string
	Prefix    string // key prefix, e.g. "/gwrs/"
}

// New dials etcd and verifies connectivity before returning, the same way
// the teacher's etcd.New does with a Status probe.
func New(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry: no endpoints configured")
	}
	ecfg := clientv3.Config{Endpoints: cfg.Endpoints, DialTimeout: dialTimeout}
	if cfg.Username != "" {
		ecfg.Username = cfg.Username
		ecfg.Password = cfg.Password
	}

	cli, err := clientv3.New(ecfg)
	if err != nil {
		return nil, fmt.Errorf("etcd registry: dial: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := cli.Status(ctx, cfg.Endpoints[0]); err != nil {
		cli.Close()
		return nil, fmt.Errorf("etcd registry: connect: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/gwrs/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Client{cli: cli, prefix: prefix}, nil
}

// FetchSnapshot reads every entity collection under the configured prefix
// in one round trip per collection and assembles a RawSnapshot.
func (c *Client) FetchSnapshot(ctx context.Context) (*model.RawSnapshot, error) {
	snap := &model.RawSnapshot{}

	if err := c.listInto(ctx, proxiesSuffix, &snap.Proxies); err != nil {
		return nil, err
	}
	if err := c.listInto(ctx, domainsSuffix, &snap.TLSDomains); err != nil {
		return nil, err
	}
	if err := c.listInto(ctx, nodesSuffix, &snap.GatewayNodes); err != nil {
		return nil, err
	}
	if err := c.listInto(ctx, rulesSuffix, &snap.GatewayRules); err != nil {
		return nil, err
	}

	resp, err := c.cli.Get(ctx, c.prefix+versionKeySuffix)
	if err != nil {
		return nil, fmt.Errorf("etcd registry: fetch version: %w", err)
	}
	if len(resp.Kvs) > 0 {
		var v uint64
		if _, err := fmt.Sscanf(string(resp.Kvs[0].Value), "%d", &v); err == nil {
			snap.Version = v
		}
	} else {
		// No explicit version key: fall back to etcd's own revision, which
		// is monotonic across the whole keyspace and therefore still a
		// valid ordering token for route.Table.Publish.
		snap.Version = uint64(resp.Header.Revision)
	}

	c.mu.Lock()
	c.version = snap.Version
	c.mu.Unlock()

	return snap, nil
}

func (c *Client) listInto(ctx context.Context, suffix string, out interface{}) error {
	resp, err := c.cli.Get(ctx, c.prefix+suffix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcd registry: list %s: %w", suffix, err)
	}

	switch dst := out.(type) {
	case *[]model.Proxy:
		for _, kv := range resp.Kvs {
			var v model.Proxy
			if json.Unmarshal(kv.Value, &v) == nil {
				*dst = append(*dst, v)
			}
		}
	case *[]model.TLSDomain:
		for _, kv := range resp.Kvs {
			var v model.TLSDomain
			if json.Unmarshal(kv.Value, &v) == nil {
				*dst = append(*dst, v)
			}
		}
	case *[]model.GatewayNode:
		for _, kv := range resp.Kvs {
			var v model.GatewayNode
			if json.Unmarshal(kv.Value, &v) == nil {
				*dst = append(*dst, v)
			}
		}
	case *[]model.GatewayRule:
		for _, kv := range resp.Kvs {
			var v model.GatewayRule
			if json.Unmarshal(kv.Value, &v) == nil {
				*dst = append(*dst, v)
			}
		}
	}
	return nil
}

// Watch emits a freshly fetched RawSnapshot on every change under the
// configured prefix. Unlike the teacher's per-service watch, one watch
// covers the whole key space since a route table rebuild always needs all
// four collections together anyway.
func (c *Client) Watch(ctx context.Context) (<-chan *model.RawSnapshot, error) {
	ch := make(chan *model.RawSnapshot, 4)
	watchCh := c.cli.Watch(ctx, c.prefix, clientv3.WithPrefix())

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				if resp.Err() != nil {
					continue
				}
				snap, err := c.FetchSnapshot(ctx)
				if err != nil {
					continue
				}
				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Close releases the underlying etcd client.
func (c *Client) Close() error {
	return c.cli.Close()
}
