package monitoring

import (
	"context"
	"sync"
	"time"
)

// probe is a single named health check with its own cadence. Each probe
// caches its last outcome so readiness requests answer from the cache
// rather than re-running every check inline.
type probe struct {
	name     string
	run      func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	lastErr error
	lastRun time.Time
	ran     bool
}

func (p *probe) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.run(ctx)
	cancel()

	p.mu.Lock()
	p.lastErr = err
	p.lastRun = time.Now()
	p.ran = true
	p.mu.Unlock()
}

// result serves the cached outcome while it is younger than the probe's
// interval, and refreshes inline once it goes stale.
func (p *probe) result(ctx context.Context) error {
	p.mu.Lock()
	fresh := p.ran && time.Since(p.lastRun) < p.interval
	err := p.lastErr
	p.mu.Unlock()
	if fresh {
		return err
	}

	p.refresh(ctx)

	p.mu.Lock()
	err = p.lastErr
	p.mu.Unlock()
	return err
}

type HealthChecker struct {
	mu     sync.RWMutex
	probes []*probe
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a named probe. A nil error from run means healthy.
func (h *HealthChecker) AddCheck(name string, run func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.probes = append(h.probes, &probe{
		name:     name,
		run:      run,
		interval: interval,
		timeout:  timeout,
	})
}

func (h *HealthChecker) snapshot() []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*probe, len(h.probes))
	copy(out, h.probes)
	return out
}

// CheckAll reports overall health. Any failing probe makes the status
// "unhealthy"; per-probe details land in Checks.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, p := range h.snapshot() {
		if err := p.result(ctx); err != nil {
			status.Status = "unhealthy"
			status.Checks[p.name] = err.Error()
		} else {
			status.Checks[p.name] = "healthy"
		}
	}

	return status
}

// StartBackgroundChecks keeps every registered probe's cache warm until
// ctx is cancelled. Probes added afterwards are only run on demand.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	for _, p := range h.snapshot() {
		go func(p *probe) {
			ticker := time.NewTicker(p.interval)
			defer ticker.Stop()

			p.refresh(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.refresh(ctx)
				}
			}
		}(p)
	}
}
