// Package health aggregates liveness probes for the service's backing
// stores and serves the readiness snapshot.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe pings one dependency. It returns an error when the dependency is
// unreachable.
type Probe func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Status is the result of one full check pass.
type Status struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Checker runs named probes with a per-probe timeout.
type Checker struct {
	mu        sync.Mutex
	probes    map[string]Probe
	timeout   time.Duration
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a Checker. timeout bounds each individual probe; zero means
// 5 seconds.
func New(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		probes:  make(map[string]Probe),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a named probe. Registering the same name twice replaces the
// earlier probe.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = probe
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMetrics = fn
}

// Check runs every probe concurrently and reports per-dependency results.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.Lock()
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	onMetrics := c.onMetrics
	c.mu.Unlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checks  = make(map[string]string, len(probes))
		healthy = true
	)
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			err := probe(pctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				healthy = false
				checks[name] = err.Error()
				c.logger.Warn("health probe failed", zap.String("dependency", name), zap.Error(err))
				return
			}
			checks[name] = "ok"
		}(name, probe)
	}
	wg.Wait()

	if onMetrics != nil {
		onMetrics(healthy)
	}
	return Status{Healthy: healthy, Checks: checks, CheckedAt: time.Now().UTC()}
}
