// Package monitor implements health checking, rolling delivery statistics,
// and periodic metric snapshots. It observes every layer and controls none.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/civictrack/relay/internal/buffer"
	"github.com/civictrack/relay/internal/memguard"
	"github.com/civictrack/relay/internal/metrics"
	"github.com/civictrack/relay/internal/transport"
)

const (
	probeTimeout = 2 * time.Second
	// probeWindow is how many probe results back the per-adapter error
	// rate and latency are computed over.
	probeWindow = 30
)

// StageSource exposes the memory manager's current degradation stage.
type StageSource interface {
	Stage() memguard.Stage
}

// ComponentHealth is one component's latest health verdict.
type ComponentHealth struct {
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	ErrorRate float64       `json:"error_rate"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
}

type probeResult struct {
	ok      bool
	latency time.Duration
}

// Checker polls each adapter and the memory manager, producing per-component
// health signals. The migration controller's rollback trigger consumes them.
type Checker struct {
	clock    clockwork.Clock
	interval time.Duration
	stage    StageSource
	sf       singleflight.Group

	mu       sync.Mutex
	adapters map[string]transport.Adapter
	probes   map[string]*buffer.Ring[probeResult]
	results  map[string]ComponentHealth

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewChecker creates a checker polling on the given interval.
func NewChecker(clock clockwork.Clock, interval time.Duration, stage StageSource) *Checker {
	return &Checker{
		clock:    clock,
		interval: interval,
		stage:    stage,
		adapters: make(map[string]transport.Adapter),
		probes:   make(map[string]*buffer.Ring[probeResult]),
		results:  make(map[string]ComponentHealth),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Watch registers an adapter for health polling.
func (c *Checker) Watch(a transport.Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Name()] = a
	ring, _ := buffer.NewRing[probeResult](probeWindow)
	c.probes[a.Name()] = ring
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := c.clock.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				c.pollOnce(ctx)
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the poll loop.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// pollOnce probes every registered adapter plus the memory manager.
// Singleflight collapses concurrent probes of the same component when an
// operator health request races the ticker.
func (c *Checker) pollOnce(ctx context.Context) {
	c.mu.Lock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.probeAdapter(ctx, name)
	}
	c.checkStage()
}

func (c *Checker) probeAdapter(ctx context.Context, name string) {
	_, _, _ = c.sf.Do(name, func() (any, error) {
		c.mu.Lock()
		adapter, ok := c.adapters[name]
		c.mu.Unlock()
		if !ok {
			return nil, nil
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := c.clock.Now()
		err := adapter.Ping(probeCtx)
		latency := c.clock.Since(start)
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		ring := c.probes[name]
		ring.Push(probeResult{ok: err == nil, latency: latency})

		health := ComponentHealth{
			Healthy:   err == nil,
			ErrorRate: errorRate(ring),
			Latency:   latency,
			CheckedAt: c.clock.Now(),
		}
		if err != nil {
			health.Error = err.Error()
			metrics.HealthCheckFailuresTotal.WithLabelValues(name).Inc()
		}
		c.results[name] = health
		return nil, nil
	})
}

func (c *Checker) checkStage() {
	stage := c.stage.Stage()
	healthy := stage != memguard.StageSuspended
	health := ComponentHealth{
		Healthy:   healthy,
		CheckedAt: c.clock.Now(),
	}
	if !healthy {
		health.Error = fmt.Sprintf("degradation stage %s", stage)
		metrics.HealthCheckFailuresTotal.WithLabelValues("memguard").Inc()
	}
	c.mu.Lock()
	c.results["memguard"] = health
	c.mu.Unlock()
}

// Snapshot returns the latest per-component health map.
func (c *Checker) Snapshot() map[string]ComponentHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ComponentHealth, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// AdapterHealth returns the latest verdict for one adapter. The zero value
// with ok=false means the adapter was never probed.
func (c *Checker) AdapterHealth(name string) (ComponentHealth, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.results[name]
	return h, ok
}

// Healthy reports whether every watched component is healthy.
func (c *Checker) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.results {
		if !h.Healthy {
			return false
		}
	}
	return true
}

func errorRate(ring *buffer.Ring[probeResult]) float64 {
	samples := ring.Snapshot()
	if len(samples) == 0 {
		return 0
	}
	failures := 0
	for _, s := range samples {
		if !s.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(samples))
}
