// Package consul implements registry.Client backed by Consul's KV store,
// grounded on the shape of the teacher's internal/registry/etcd package
// but using Consul's long-poll blocking queries (QueryOptions.WaitIndex)
// as the native watch primitive instead of etcd's Watch RPC.
package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/zonblade/gwrs/internal/model"
)

// Config is the subset of Consul connection parameters the client needs.
type Config struct {
	Address    string
	Datacenter string
	Token      string
	Prefix     string // KV key prefix, e.g. "gwrs/"
}

// Client is a registry.Client backed by Consul KV.
type Client struct {
	kv     *api.KV
	prefix string
}

// New builds a Consul API client and a KV handle.
func New(cfg Config) (*Client, error) {
	acfg := api.DefaultConfig()
	if cfg.Address != "" {
		acfg.Address = cfg.Address
	}
	if cfg.Datacenter != "" {
		acfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		acfg.Token = cfg.Token
	}

	cli, err := api.NewClient(acfg)
	if err != nil {
		return nil, fmt.Errorf("consul registry: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gwrs/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Client{kv: cli.KV(), prefix: prefix}, nil
}

// FetchSnapshot lists every key under the configured prefix and decodes
// each collection's entries, deriving Version from the tree's highest
// ModifyIndex (Consul's own monotonic counter).
func (c *Client) FetchSnapshot(ctx context.Context) (*model.RawSnapshot, error) {
	snap, _, err := c.fetch(ctx, 0)
	return snap, err
}

func (c *Client) fetch(ctx context.Context, waitIndex uint64) (*model.RawSnapshot, uint64, error) {
	pairs, meta, err := c.kv.List(c.prefix, (&api.QueryOptions{WaitIndex: waitIndex}).WithContext(ctx))
	if err != nil {
		return nil, 0, fmt.Errorf("consul registry: list: %w", err)
	}

	snap := &model.RawSnapshot{}
	var maxIndex uint64
	for _, p := range pairs {
		if p.ModifyIndex > maxIndex {
			maxIndex = p.ModifyIndex
		}
		rest := strings.TrimPrefix(p.Key, c.prefix)
		switch {
		case strings.HasPrefix(rest, "proxies/"):
			var v model.Proxy
			if json.Unmarshal(p.Value, &v) == nil {
				snap.Proxies = append(snap.Proxies, v)
			}
		case strings.HasPrefix(rest, "tls_domains/"):
			var v model.TLSDomain
			if json.Unmarshal(p.Value, &v) == nil {
				snap.TLSDomains = append(snap.TLSDomains, v)
			}
		case strings.HasPrefix(rest, "gateway_nodes/"):
			var v model.GatewayNode
			if json.Unmarshal(p.Value, &v) == nil {
				snap.GatewayNodes = append(snap.GatewayNodes, v)
			}
		case strings.HasPrefix(rest, "gateway_rules/"):
			var v model.GatewayRule
			if json.Unmarshal(p.Value, &v) == nil {
				snap.GatewayRules = append(snap.GatewayRules, v)
			}
		}
	}

	idx := maxIndex
	if meta != nil && meta.LastIndex > idx {
		idx = meta.LastIndex
	}
	snap.Version = idx
	return snap, idx, nil
}

// Watch blocks on Consul's long-poll query, re-fetching and pushing a
// fresh RawSnapshot every time the tree's index advances.
func (c *Client) Watch(ctx context.Context) (<-chan *model.RawSnapshot, error) {
	ch := make(chan *model.RawSnapshot, 4)

	go func() {
		defer close(ch)
		var lastIndex uint64
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			snap, idx, err := c.fetch(ctx, lastIndex)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			if idx == lastIndex {
				continue
			}
			lastIndex = idx

			select {
			case ch <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Close is a no-op: the Consul API client holds no persistent connection.
func (c *Client) Close() error { return nil }
