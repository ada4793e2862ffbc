package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/network"
)

const (
	defaultCacheTTL        = 30 * time.Minute
	defaultCleanupInterval = 10 * time.Minute
)

// Cache keeps compiled networks so that compiling the same description for
// the same hardware with the same options is done once.
type Cache struct {
	compiled *cache.Cache
	metrics  *Metrics
}

// NewCache creates a cache. A zero ttl uses the default lifetime.
func NewCache(ttl time.Duration, metrics *Metrics) *Cache {
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		compiled: cache.New(ttl, defaultCleanupInterval),
		metrics:  metrics,
	}
}

// Key identifies the compilation of desc for a variant with opts.
func Key(variant config.Variant, opts config.CompilationOptions, desc network.Description) (string, error) {
	rawOpts, err := yaml.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	rawDesc, err := yaml.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(variant))
	h.Write([]byte{0})
	h.Write(rawOpts)
	h.Write([]byte{0})
	h.Write(rawDesc)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compile returns the network cached under key, or calls compile and
// caches its result. Failures are not cached.
func (c *Cache) Compile(key string, compile func() (*CompiledNetwork, error)) (*CompiledNetwork, error) {
	if cached, found := c.compiled.Get(key); found {
		c.metrics.observeCacheHit()
		return cached.(*CompiledNetwork), nil
	}

	compiled, err := compile()
	if err != nil {
		return nil, err
	}
	c.compiled.Set(key, compiled, cache.DefaultExpiration)
	return compiled, nil
}

// Len is the number of cached networks.
func (c *Cache) Len() int {
	return c.compiled.ItemCount()
}
