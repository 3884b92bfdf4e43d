package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// probe is one named dependency check with its own cadence and deadline.
type probe struct {
	name     string
	run      func(ctx context.Context) (bool, error)
	interval time.Duration
	timeout  time.Duration
}

// HealthStatus is the aggregate the /healthz endpoint serves: overall
// verdict plus one line per dependency.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// HealthChecker aggregates dependency checks (signaling transport, redis)
// for the endpoint binaries. CheckAll runs everything synchronously for
// /healthz; StartBackgroundChecks keeps probing so failures surface in the
// logs even when nobody polls the endpoint.
type HealthChecker struct {
	log    *zap.SugaredLogger
	mu     sync.RWMutex
	probes []probe
}

func NewHealthChecker(log *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{log: log}
}

// AddCheck registers a named check. The check reports healthy via its bool;
// an error carries the detail shown in the status report.
func (h *HealthChecker) AddCheck(name string, run func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe{name: name, run: run, interval: interval, timeout: timeout})
}

// CheckAll runs every registered check within its timeout and aggregates
// the results. Any failing check makes the whole status unhealthy.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := make([]probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(probes)),
	}

	for _, p := range probes {
		healthy, err := h.runOne(ctx, p)
		switch {
		case err != nil:
			status.Status = "unhealthy"
			status.Checks[p.name] = err.Error()
		case !healthy:
			status.Status = "unhealthy"
			status.Checks[p.name] = "check failed"
		default:
			status.Checks[p.name] = "healthy"
		}
	}
	return status
}

func (h *HealthChecker) runOne(ctx context.Context, p probe) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.run(checkCtx)
}

// StartBackgroundChecks probes each dependency on its own interval until
// ctx is cancelled, logging transitions into failure.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	probes := make([]probe, len(h.probes))
	copy(probes, h.probes)
	h.mu.RUnlock()

	for _, p := range probes {
		go h.probeLoop(ctx, p)
	}
}

func (h *HealthChecker) probeLoop(ctx context.Context, p probe) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	wasHealthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy, err := h.runOne(ctx, p)
			ok := healthy && err == nil
			if !ok && wasHealthy {
				h.log.Warnw("dependency unhealthy", "check", p.name, "error", err)
			} else if ok && !wasHealthy {
				h.log.Infow("dependency recovered", "check", p.name)
			}
			wasHealthy = ok
		}
	}
}
