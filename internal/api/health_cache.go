package api

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HealthSnapshot is the GET /api/queue/health payload.
type HealthSnapshot struct {
	Status      string       `json:"status"`
	Stats       HealthStats  `json:"stats"`
	Utilization float64      `json:"utilization"`
	Indicators  []string     `json:"indicators"`
	Timestamp   time.Time    `json:"timestamp"`
}

// HealthStats summarizes the queue for dashboards.
type HealthStats struct {
	Waiting       int    `json:"waiting"`
	Running       int    `json:"running"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxQueueSize  int    `json:"max_queue_size"`
	AverageWaitMs *int64 `json:"average_wait_ms"`
	Accepting     bool   `json:"accepting"`
}

// healthCache caches health snapshots for a short TTL, coalescing
// concurrent dashboard polls into one orchestrator read.
type healthCache struct {
	mu       sync.RWMutex
	snapshot *HealthSnapshot
	loadedAt time.Time
	ttl      time.Duration
	group    singleflight.Group
	control  Control
}

func newHealthCache(control Control, ttl time.Duration) *healthCache {
	return &healthCache{control: control, ttl: ttl}
}

// Snapshot returns the cached snapshot, rebuilding it when stale.
func (c *healthCache) Snapshot() HealthSnapshot {
	c.mu.RLock()
	if c.snapshot != nil && time.Since(c.loadedAt) < c.ttl {
		snap := *c.snapshot
		c.mu.RUnlock()
		return snap
	}
	c.mu.RUnlock()

	result, _, _ := c.group.Do("health", func() (any, error) {
		c.mu.RLock()
		if c.snapshot != nil && time.Since(c.loadedAt) < c.ttl {
			snap := *c.snapshot
			c.mu.RUnlock()
			return snap, nil
		}
		c.mu.RUnlock()

		snap := c.build()
		c.mu.Lock()
		c.snapshot = &snap
		c.loadedAt = time.Now()
		c.mu.Unlock()
		return snap, nil
	})
	return result.(HealthSnapshot)
}

func (c *healthCache) build() HealthSnapshot {
	h := c.control.Health()

	snap := HealthSnapshot{
		Status: h.Status,
		Stats: HealthStats{
			Waiting:       h.Queue.Waiting,
			Running:       h.Queue.Running,
			MaxConcurrent: h.Queue.MaxConcurrent,
			MaxQueueSize:  h.Queue.MaxQueueSize,
			AverageWaitMs: h.Queue.AvgWaitMs,
			Accepting:     h.Queue.Waiting < h.Queue.MaxQueueSize,
		},
		Indicators: []string{},
		Timestamp:  time.Now(),
	}
	if h.Queue.MaxConcurrent > 0 {
		snap.Utilization = float64(h.Queue.Running) / float64(h.Queue.MaxConcurrent)
	}

	if h.Queue.Waiting >= h.Queue.MaxQueueSize {
		snap.Indicators = append(snap.Indicators, "queue_full")
	}
	if h.Queue.MaxConcurrent > 0 && h.Queue.Running >= h.Queue.MaxConcurrent {
		snap.Indicators = append(snap.Indicators, "at_capacity")
	}
	if h.FreeMemoryMB > 0 && h.FreeMemoryMB < 512 {
		snap.Indicators = append(snap.Indicators, "low_memory")
	}
	if snap.Status == "ok" && len(snap.Indicators) > 0 {
		snap.Status = "degraded"
	}
	return snap
}

// Invalidate clears the cache; the next Snapshot rebuilds.
func (c *healthCache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
