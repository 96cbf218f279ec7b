package naming

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/consul/api"
)

const defaultPrefix = "pebble/naming"

// ConsulLister implements Lister over a Consul KV prefix: one key per
// (channel, url) pair, so List is a prefix scan and registration is a
// single Put. The urls stay opaque; only their identity matters.
type ConsulLister struct {
	kv     *api.KV
	prefix string
}

// NewConsulLister dials the Consul agent. addr == "" uses the agent
// default; prefix == "" uses "pebble/naming".
func NewConsulLister(addr, prefix string) (*ConsulLister, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("naming: consul client: %w", err)
	}
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &ConsulLister{kv: client.KV(), prefix: prefix}, nil
}

func (c *ConsulLister) keyFor(key, u string) string {
	return fmt.Sprintf("%s/%s/%s", c.prefix, key, url.PathEscape(u))
}

func (c *ConsulLister) List(ctx context.Context, key string) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/", c.prefix, key)
	pairs, _, err := c.kv.List(prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("naming: consul list %s: %w", key, err)
	}
	urls := make([]string, 0, len(pairs))
	for _, p := range pairs {
		escaped := strings.TrimPrefix(p.Key, prefix)
		u, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func (c *ConsulLister) Register(ctx context.Context, key, u string) error {
	pair := &api.KVPair{Key: c.keyFor(key, u), Value: []byte(u)}
	if _, err := c.kv.Put(pair, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("naming: consul register %s: %w", key, err)
	}
	return nil
}

func (c *ConsulLister) Deregister(ctx context.Context, key, u string) error {
	if _, err := c.kv.Delete(c.keyFor(key, u), (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("naming: consul deregister %s: %w", key, err)
	}
	return nil
}
