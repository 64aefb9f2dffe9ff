package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/alerting"
	"github.com/jobs/opsmonitor/internal/telemetry"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(NewAggregator)

// AlertSender is the part of the alert dispatcher the aggregator needs.
type AlertSender interface {
	SendAlert(ctx context.Context, alertType alerting.AlertType, level alerting.AlertLevel, title, message string, metadata map[string]any) bool
}

type Options struct {
	// AlertThreshold is the consecutive failure count that raises an alert.
	AlertThreshold int
	FallbackTTL    time.Duration
	Version        string
}

// Aggregator probes every dependency in parallel and keeps the last good
// snapshot for fallback.
type Aggregator struct {
	opts    Options
	specs   []ProbeSpec
	cache   FallbackCache
	alerts  AlertSender
	metrics *telemetry.Metrics
	logger  *zap.Logger

	startedAt time.Time
	now       func() time.Time

	mu       sync.Mutex
	failures map[string]int
	lastGood *Snapshot
}

func NewAggregator(opts Options, specs []ProbeSpec, cache FallbackCache, alerts AlertSender, metrics *telemetry.Metrics, logger *zap.Logger) *Aggregator {
	if opts.FallbackTTL <= 0 {
		opts.FallbackTTL = 24 * time.Hour
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	return &Aggregator{
		opts:      opts,
		specs:     specs,
		cache:     cache,
		alerts:    alerts,
		metrics:   metrics,
		logger:    logger.Named("health"),
		startedAt: time.Now(),
		now:       time.Now,
		failures:  make(map[string]int),
	}
}

// CheckHealth runs all probes concurrently. Probe errors are folded into the
// snapshot; an error is returned only when ctx ended before the probes did.
func (a *Aggregator) CheckHealth(ctx context.Context) (*Snapshot, error) {
	services := make([]ServiceHealth, len(a.specs))

	var wg sync.WaitGroup
	for i, spec := range a.specs {
		wg.Add(1)
		go func(i int, spec ProbeSpec) {
			defer wg.Done()
			services[i] = a.run(ctx, spec)
		}(i, spec)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "health check aborted")
	}

	now := a.now()
	snapshot := &Snapshot{
		Status:    DeriveStatus(services),
		Timestamp: now,
		Services:  services,
		Uptime:    int64(now.Sub(a.startedAt).Seconds()),
		Version:   a.opts.Version,
	}

	a.trackFailures(ctx, snapshot)
	a.export(snapshot)

	if snapshot.Status == StatusUnhealthy {
		a.logger.Error("system health check failed, multiple services down",
			zap.Any("services", snapshot.Services))
		return snapshot, nil
	}

	a.mu.Lock()
	a.lastGood = snapshot
	a.mu.Unlock()
	if a.cache != nil {
		if err := a.cache.Set(ctx, snapshot, a.opts.FallbackTTL); err != nil {
			a.logger.Warn("failed to cache health check result", zap.Error(err))
		}
	}
	return snapshot, nil
}

func (a *Aggregator) run(ctx context.Context, spec ProbeSpec) ServiceHealth {
	name := spec.Probe.Name()
	start := time.Now()
	attempts := max(1, spec.Retries)

	var err error
	for attempt := 1; ; attempt++ {
		err = a.attempt(ctx, spec)
		if err == nil || attempt >= attempts || ctx.Err() != nil {
			break
		}
		if spec.RetryDelay > 0 {
			timer := time.NewTimer(spec.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
	elapsed := time.Since(start)

	result := ServiceHealth{
		Name:           name,
		Status:         ServiceUp,
		ResponseTimeMs: elapsed.Milliseconds(),
		LastCheck:      a.now(),
	}
	switch {
	case err != nil:
		result.Status = ServiceDown
		result.Error = err.Error()
		a.logger.Warn("health probe failed",
			zap.String("service", name),
			zap.Int("attempts", attempts),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	case spec.DegradedAfter > 0 && elapsed > spec.DegradedAfter:
		result.Status = ServiceDegraded
	}
	return result
}

func (a *Aggregator) attempt(ctx context.Context, spec ProbeSpec) (err error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("probe panicked: %v", r)
		}
	}()
	return spec.Probe.Check(ctx)
}

// trackFailures updates the consecutive failure counters and raises one
// critical alert when a counter reaches the threshold.
func (a *Aggregator) trackFailures(ctx context.Context, snapshot *Snapshot) {
	type crossing struct {
		name  string
		count int
		err   string
	}
	var crossed []crossing

	a.mu.Lock()
	for i := range snapshot.Services {
		svc := &snapshot.Services[i]
		if svc.Status != ServiceDown {
			delete(a.failures, svc.Name)
			continue
		}
		a.failures[svc.Name]++
		svc.ConsecutiveFailures = a.failures[svc.Name]
		if a.opts.AlertThreshold > 0 && svc.ConsecutiveFailures == a.opts.AlertThreshold {
			crossed = append(crossed, crossing{svc.Name, svc.ConsecutiveFailures, svc.Error})
		}
	}
	a.mu.Unlock()

	for _, c := range crossed {
		a.logger.Error("service health threshold exceeded",
			zap.String("service", c.name),
			zap.Int("consecutive_failures", c.count))
		if a.alerts == nil {
			continue
		}
		a.alerts.SendAlert(ctx, alerting.AlertTypeDatabaseConnection, alerting.AlertLevelCritical,
			fmt.Sprintf("Service %s is down", c.name),
			fmt.Sprintf("Service %s has failed %d consecutive health checks: %s", c.name, c.count, c.err),
			map[string]any{
				"serviceName":         c.name,
				"consecutiveFailures": c.count,
				"lastError":           c.err,
			})
	}
}

func (a *Aggregator) export(snapshot *Snapshot) {
	services := make(map[string]float64, len(snapshot.Services))
	for _, s := range snapshot.Services {
		services[s.Name] = s.Status.gauge()
	}
	a.metrics.SetHealth(snapshot.Status.gauge(), services)
}

// LastValid returns the cached fallback snapshot, preferring the shared
// cache and falling back to the one kept in memory.
func (a *Aggregator) LastValid(ctx context.Context) *Snapshot {
	if a.cache != nil {
		cached, err := a.cache.Get(ctx)
		if err != nil {
			a.logger.Warn("failed to retrieve cached health check", zap.Error(err))
		} else if cached != nil {
			return cached
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastGood
}

// GetHealthWithFallback substitutes the last good snapshot when the live
// check is unhealthy or fails outright.
func (a *Aggregator) GetHealthWithFallback(ctx context.Context) (*Snapshot, bool, error) {
	current, err := a.CheckHealth(ctx)
	if err != nil {
		a.logger.Error("health check failed completely", zap.Error(err))
		if fallback := a.LastValid(context.WithoutCancel(ctx)); fallback != nil {
			return fallback, true, nil
		}
		return nil, false, err
	}

	if current.Status == StatusUnhealthy {
		if fallback := a.LastValid(ctx); fallback != nil {
			a.logger.Warn("using fallback health check data due to unhealthy status")
			return fallback, true, nil
		}
	}
	return current, false, nil
}

// IsReady reports whether the system can take traffic.
func (a *Aggregator) IsReady(ctx context.Context) bool {
	snapshot, err := a.CheckHealth(ctx)
	return err == nil && snapshot.Status != StatusUnhealthy
}

// IsAlive always holds while the process can answer.
func (a *Aggregator) IsAlive() bool {
	return true
}

// FailureCounts returns the current consecutive failure count per service.
func (a *Aggregator) FailureCounts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.failures))
	for k, v := range a.failures {
		out[k] = v
	}
	return out
}

// ResetFailures clears every consecutive failure counter.
func (a *Aggregator) ResetFailures() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.failures)
	a.logger.Info("health check failure counters reset")
}
