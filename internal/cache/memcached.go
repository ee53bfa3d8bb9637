package cache

import (
	"context"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "fence:passport:"

// MemcachedCache implements Cache using memcached, for deployments running
// more than one fence instance.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated
// list (e.g. "localhost:11211" or "host1:11211,host2:11211").
func NewMemcachedCache(addrs string, timeout time.Duration) *MemcachedCache {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &MemcachedCache{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get retrieves the cached value for key.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	item, err := c.client.Get(keyPrefix + key)
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set stores value under key for ttl. Memcached expirations are whole
// seconds; sub-second TTLs round up to one second.
func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	seconds := int32(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return c.client.Set(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      value,
		Expiration: seconds,
	})
}
