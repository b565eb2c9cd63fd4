package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/geo"
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
	clock clock.Clock
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL. A nil clk uses wall time.
func NewCache(ttl time.Duration, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, clock: clk}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// ~100m cells; drivers move between pings so finer keys never hit.
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.3f,%.3f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.clock.Now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.clock.Now()}
	c.mu.Unlock()
}

// Naive ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator answers ETA queries without blocking on the routing backend. A
// cache miss returns the naive estimate and, when a client is configured,
// schedules a background lookup that fills the cache for later offers.
type Estimator struct {
	client   Client
	cache    *Cache
	speedMps float64
	timeout  time.Duration
	sem      *semaphore.Weighted
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewEstimator(client Client, cache *Cache, speedMps float64, maxInflight int64, logger *slog.Logger) *Estimator {
	if maxInflight <= 0 {
		maxInflight = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		client:   client,
		cache:    cache,
		speedMps: speedMps,
		timeout:  2 * time.Second,
		sem:      semaphore.NewWeighted(maxInflight),
		logger:   logger,
	}
}

func (e *Estimator) Estimate(from, to models.Coord) float64 {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v
		}
	}
	if e.client != nil && e.cache != nil && e.sem.TryAcquire(1) {
		e.wg.Add(1)
		go e.refine(from, to)
	}
	return EstimateSeconds(from, to, e.speedMps)
}

func (e *Estimator) refine(from, to models.Coord) {
	defer e.wg.Done()
	defer e.sem.Release(1)
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	v, err := e.client.EstimateSeconds(ctx, from, to)
	if err != nil {
		e.logger.Debug("eta refine failed", "error", err)
		return
	}
	e.cache.Set(from, to, v)
}

// Wait blocks until in-flight refinements finish.
func (e *Estimator) Wait() { e.wg.Wait() }
