package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_cache_hits_total",
		Help: "Cache hits per named cache.",
	}, []string{"cache"})
	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_cache_misses_total",
		Help: "Cache misses per named cache.",
	}, []string{"cache"})
)

type Config struct {
	Name       string
	TTL        time.Duration
	MaxEntries int
}

// TTL is a size-bounded LRU whose entries expire TTL after insertion.
type TTL[K comparable, V any] struct {
	lru    *expirable.LRU[K, V]
	hits   prometheus.Counter
	misses prometheus.Counter
}

func NewTTL[K comparable, V any](config Config) *TTL[K, V] {
	if config.TTL <= 0 {
		config.TTL = time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1024
	}
	if config.Name == "" {
		config.Name = "default"
	}
	return &TTL[K, V]{
		lru:    expirable.NewLRU[K, V](config.MaxEntries, nil, config.TTL),
		hits:   cacheHitsTotal.WithLabelValues(config.Name),
		misses: cacheMissesTotal.WithLabelValues(config.Name),
	}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	value, ok := c.lru.Get(key)
	if ok {
		c.hits.Inc()
		return value, true
	}
	c.misses.Inc()
	return value, false
}

func (c *TTL[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *TTL[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

func (c *TTL[K, V]) Purge() {
	c.lru.Purge()
}

func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}
