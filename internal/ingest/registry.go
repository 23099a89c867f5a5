package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/eventstream-ingest/internal/data"
	"github.com/example/eventstream-ingest/internal/logging"
	"github.com/example/eventstream-ingest/internal/metrics"
)

type TransportFinder interface {
	FindTransport(ctx context.Context, name string) (data.Transport, bool, error)
}

// Cache is a byte cache with expiry; data.Redis implements it.
type Cache interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// TransportRegistry resolves transports by name. When a cache is configured,
// found transports are cached for ttl; misses always go to the store so a
// newly provisioned transport is visible immediately.
type TransportRegistry struct {
	store TransportFinder
	cache Cache
	ttl   time.Duration
}

func NewTransportRegistry(store TransportFinder, cache Cache, ttl time.Duration) *TransportRegistry {
	if ttl <= 0 {
		cache = nil
	}
	return &TransportRegistry{store: store, cache: cache, ttl: ttl}
}

func cacheKey(name string) string { return "transport:" + name }

func (r *TransportRegistry) Lookup(ctx context.Context, name string) (data.Transport, bool, error) {
	if r.cache != nil {
		b, hit, err := r.cache.CacheGet(ctx, cacheKey(name))
		switch {
		case err != nil:
			metrics.RegistryCacheTotal.WithLabelValues("error").Inc()
			logging.Warn("registry_cache_get_error", logging.F("transport", name), logging.Err(err))
		case hit:
			var t data.Transport
			if json.Unmarshal(b, &t) == nil && t.ID == name {
				metrics.RegistryCacheTotal.WithLabelValues("hit").Inc()
				return t, true, nil
			}
			metrics.RegistryCacheTotal.WithLabelValues("error").Inc()
		default:
			metrics.RegistryCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	t, found, err := r.store.FindTransport(ctx, name)
	if err != nil || !found {
		return data.Transport{}, false, err
	}
	if r.cache != nil {
		if b, err := json.Marshal(t); err == nil {
			if err := r.cache.CacheSet(ctx, cacheKey(name), b, r.ttl); err != nil {
				logging.Warn("registry_cache_set_error", logging.F("transport", name), logging.Err(err))
			}
		}
	}
	return t, true, nil
}
