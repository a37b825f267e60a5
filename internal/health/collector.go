// Package health gathers process and pipeline health for the relay's
// /health endpoint. Snapshots are cached with a 30s TTL so frequent
// health checks never touch gopsutil more than once per window.
package health

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/events-relay/internal/batcher"
)

// QueueDepthProvider is implemented by a muxdemux.Queue backend that
// can report how many messages are currently waiting on the mux side.
// Optional: backends that can't cheaply report depth (e.g. Redis
// without an extra round trip) may leave it unimplemented.
type QueueDepthProvider interface {
	MuxDepth() int
}

// Snapshot is the health payload served by the HTTP API.
type Snapshot struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`

	QueueDepth    int   `json:"queue_depth,omitempty"`
	InFlight      int64 `json:"flush_in_flight"`
	FlushedBatch  int64 `json:"flushed_batch_total"`
	FlushedDocs   int64 `json:"flushed_docs_total"`
	FlushedBytes  int64 `json:"flushed_bytes_total"`
}

// Collector caches a Snapshot for cacheDuration so a burst of health
// checks never touches gopsutil more than once per window.
type Collector struct {
	batcher *batcher.Batcher
	queue   QueueDepthProvider // may be nil

	startTime     time.Time
	cacheDuration time.Duration

	mu     sync.Mutex
	cached *Snapshot
	expiry time.Time
}

// NewCollector creates a Collector. queue may be nil if the configured
// backend doesn't implement QueueDepthProvider.
func NewCollector(b *batcher.Batcher, queue QueueDepthProvider) *Collector {
	return &Collector{
		batcher:       b,
		queue:         queue,
		startTime:     time.Now(),
		cacheDuration: 30 * time.Second,
	}
}

// Snapshot returns the current health snapshot, refreshing the cache
// if it has expired.
func (c *Collector) Snapshot(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.cached != nil && time.Now().Before(c.expiry) {
		snap := *c.cached
		c.mu.Unlock()
		return snap
	}
	c.mu.Unlock()

	snap := c.collect()

	c.mu.Lock()
	c.cached = &snap
	c.expiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	return snap
}

func (c *Collector) collect() Snapshot {
	snap := Snapshot{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			snap.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
	}

	if c.queue != nil {
		snap.QueueDepth = c.queue.MuxDepth()
	}

	stats := c.batcher.Stats()
	snap.InFlight = stats.InFlight
	snap.FlushedBatch = stats.FlushedBatch
	snap.FlushedDocs = stats.FlushedDocs
	snap.FlushedBytes = stats.FlushedBytes

	if snap.CPUPercent > 90 || snap.MemoryMB > 4096 {
		snap.Status = "degraded"
	}

	return snap
}
