package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend able to estimate drive time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

// keys round to ~10m so a driver idling in place reuses the last route
func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line fallback: distance / speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Estimator asks the routing client first, then falls back to straight-line
// speed. It never fails; ETA is informational only.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedMps float64
	Logger   *slog.Logger
}

func NewEstimator(client Client, cache *Cache, speedMps float64, logger *slog.Logger) *Estimator {
	return &Estimator{Client: client, Cache: cache, SpeedMps: speedMps, Logger: logging.Component(logger, "eta")}
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e == nil {
		return EstimateSeconds(from, to, 0)
	}
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		v, err := e.Client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
		if e.Logger != nil {
			e.Logger.Debug("routing eta failed, using straight line", "err", err)
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}
