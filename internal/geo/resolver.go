// Package geo resolves addresses to a country name for the history.
package geo

import (
	"context"
	"time"

	"github.com/goodtune/iplog/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Provider looks an address up against one geolocation source.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, address string) (string, error)
}

// Options configures the resolver cache.
type Options struct {
	CacheSize int           // 0 disables caching
	CacheTTL  time.Duration // 0 keeps entries until evicted
}

// Resolver wraps a Provider with a cache and per-address request
// coalescing. It never fails: any lookup error yields an empty location.
type Resolver struct {
	provider Provider
	cache    *expirable.LRU[string, string]
	group    singleflight.Group
	logger   zerolog.Logger
}

// NewResolver creates a resolver over provider. A nil provider resolves
// every address to the empty location.
func NewResolver(provider Provider, opts Options, logger zerolog.Logger) *Resolver {
	r := &Resolver{
		provider: provider,
		logger:   logger.With().Str("component", "geo").Logger(),
	}
	if opts.CacheSize > 0 {
		r.cache = expirable.NewLRU[string, string](opts.CacheSize, nil, opts.CacheTTL)
	}
	return r
}

// Locate returns the country for address, or "" when it cannot be determined.
func (r *Resolver) Locate(ctx context.Context, address string) string {
	if r.provider == nil {
		return ""
	}

	if r.cache != nil {
		if location, ok := r.cache.Get(address); ok {
			metrics.GeoCacheHits.Inc()
			r.logger.Debug().Str("address", address).Str("location", location).Msg("Location cache hit")
			return location
		}
	}

	v, err, _ := r.group.Do(address, func() (interface{}, error) {
		location, err := r.provider.Lookup(ctx, address)
		if err != nil {
			metrics.GeoLookupsTotal.WithLabelValues(r.provider.Name(), "error").Inc()
			return "", err
		}
		metrics.GeoLookupsTotal.WithLabelValues(r.provider.Name(), "ok").Inc()
		if r.cache != nil {
			r.cache.Add(address, location)
		}
		return location, nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("address", address).Msg("Geolocation failed, location left empty")
		return ""
	}
	return v.(string)
}

// Geolocate is the administrative lookup; it shares the cache with Locate.
func (r *Resolver) Geolocate(ctx context.Context, address string) string {
	return r.Locate(ctx, address)
}
