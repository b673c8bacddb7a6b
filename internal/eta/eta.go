package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
)

// DefaultSpeedMps is the straight-line city speed used when no router answers.
const DefaultSpeedMps = 8.0 // ~28.8 km/h

// Route is a distance in metres and a duration in seconds.
type Route struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
}

// Client is implemented by routing engines.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Straight returns the great-circle route at speedMps.
func Straight(from, to models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	d := geo.Distance(from, to)
	return Route{Distance: d, Duration: d / speedMps}
}

// Estimator answers from the cache, then the routing client, and falls back
// to a straight line when neither is available.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedMps float64
}

func (e *Estimator) Route(ctx context.Context, from, to models.Coord) Route {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.Route(ctx, from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return Straight(from, to, e.SpeedMps)
}
