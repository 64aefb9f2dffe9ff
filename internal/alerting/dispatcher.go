package alerting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/wire"
	"github.com/jobs/opsmonitor/internal/telemetry"
	"github.com/jobs/opsmonitor/pkg/config"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"go.uber.org/zap"
)

var Provider = wire.NewSet(NewFromConfig)

const (
	recentWindow   = 24 * time.Hour
	recentLimit    = 50
	defaultMaxAge  = 7 * 24 * time.Hour
	defaultTimeout = 10 * time.Second
)

// Dispatcher classifies metric samples against thresholds, debounces alerts
// per type+level and fans them out to every channel.
type Dispatcher struct {
	cfg      config.AlertingConfig
	channels []Channel
	keys     []string
	history  *History
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	now      func() time.Time

	checking atomic.Bool
}

func NewDispatcher(cfg config.AlertingConfig, channels []Channel, metrics *telemetry.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		channels: channels,
		keys:     channelKeys(channels),
		history:  NewHistory(cfg.HistoryLimit),
		metrics:  metrics,
		logger:   logger.Named("alerting"),
		now:      time.Now,
	}
}

// NewFromConfig builds one webhook channel per configured webhook with a URL.
func NewFromConfig(cfg config.AlertingConfig, metrics *telemetry.Metrics, logger *zap.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	var channels []Channel
	for _, hook := range cfg.Webhooks {
		if hook.URL == "" {
			continue
		}
		channels = append(channels, NewWebhookChannel(hook, timeout))
	}
	return NewDispatcher(cfg, channels, metrics, logger)
}

// WithClock replaces the time source used for alert timestamps and windows.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) Enabled() bool {
	return d.cfg.Enabled
}

// SendAlert records and delivers one alert. It returns false when alerting is
// disabled, when debouncing suppressed the alert, or when no channel accepted
// it. Channel failures are logged, never returned.
func (d *Dispatcher) SendAlert(ctx context.Context, alertType AlertType, level AlertLevel, title, message string, metadata map[string]any) bool {
	if !d.cfg.Enabled {
		d.logger.Debug("alerting is disabled, skipping alert",
			zap.String("type", string(alertType)),
			zap.String("level", string(level)),
			zap.String("title", title))
		return false
	}

	alert := NewAlert(alertType, level, title, message, metadata, d.now())

	if d.cfg.Debouncing.Enabled {
		if !d.history.Reserve(alert, d.cfg.Debouncing.GracePeriod, d.cfg.Debouncing.MaxAlertsPerPeriod) {
			d.metrics.AlertSuppressed(string(alertType), string(level))
			d.logger.Debug("alert suppressed due to debouncing",
				zap.String("type", string(alertType)),
				zap.String("level", string(level)),
				zap.Duration("grace_period", d.cfg.Debouncing.GracePeriod))
			return false
		}
	} else {
		d.history.Record(alert)
	}
	d.metrics.AlertSent(string(alertType), string(level))

	results := d.deliver(ctx, alert)
	delivered := lo.SomeBy(lo.Values(results), func(err error) bool { return err == nil })

	if delivered {
		d.logger.Info("alert sent",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alertType)),
			zap.String("level", string(level)),
			zap.String("title", title),
			zap.Int("channels", len(results)))
	} else {
		d.logger.Error("failed to send alert to any channel",
			zap.String("alert_id", alert.ID),
			zap.String("type", string(alertType)),
			zap.String("level", string(level)),
			zap.String("title", title),
			zap.Int("channels", len(results)))
	}
	return delivered
}

// channelKeys names each channel for delivery results. Repeated names get a
// "#n" suffix so every channel keeps its own entry.
func channelKeys(channels []Channel) []string {
	seen := make(map[string]int, len(channels))
	keys := make([]string, len(channels))
	for i, ch := range channels {
		name := ch.Name()
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s#%d", name, n)
		}
		keys[i] = name
	}
	return keys
}

// deliver posts alert to every channel concurrently and returns each
// channel's outcome keyed by channelKeys. Delivery is detached from the
// caller's cancellation so a finishing job still gets its alert out.
func (d *Dispatcher) deliver(ctx context.Context, alert Alert) map[string]error {
	ctx = context.WithoutCancel(ctx)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(d.channels))
	)
	for i, ch := range d.channels {
		wg.Add(1)
		go func(key string, ch Channel) {
			defer wg.Done()
			err := d.sendOne(ctx, ch, alert)
			if err != nil {
				d.metrics.ChannelFailed(ch.Name())
				d.logger.Warn("alert channel delivery failed",
					zap.String("channel", key),
					zap.String("alert_id", alert.ID),
					zap.Error(err))
			}
			mu.Lock()
			results[key] = err
			mu.Unlock()
		}(d.keys[i], ch)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, ch Channel, alert Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("channel %s panicked: %v", ch.Name(), r)
		}
	}()
	return ch.Send(ctx, alert)
}

// MetricsSample carries the optional readings checked by CheckMetrics.
type MetricsSample struct {
	ResponseTime   mo.Option[float64] // ms
	ErrorRate      mo.Option[float64] // percent
	MemoryUsage    mo.Option[float64] // percent
	DatabaseStatus mo.Option[string]
}

const DatabaseConnected = "connected"

// CheckMetrics raises at most one alert per metric, at the highest tier the
// reading reaches. A call that overlaps a running one returns immediately.
func (d *Dispatcher) CheckMetrics(ctx context.Context, sample MetricsSample) {
	if !d.checking.CompareAndSwap(false, true) {
		return
	}
	defer d.checking.Store(false)

	type pending struct {
		alertType AlertType
		level     AlertLevel
		title     string
		message   string
		metadata  map[string]any
	}
	var alerts []pending

	th := d.cfg.Thresholds
	if v, ok := sample.ResponseTime.Get(); ok {
		if level, limit, hit := tier(v, th.ResponseTime); hit {
			alerts = append(alerts, pending{
				AlertTypeResponseTime, level,
				levelTitle(level, "response time"),
				fmt.Sprintf("API response time is %.0fms, above the %s threshold of %.0fms", v, level, limit),
				map[string]any{"responseTime": v, "threshold": limit},
			})
		}
	}
	if v, ok := sample.ErrorRate.Get(); ok {
		if level, limit, hit := tier(v, th.ErrorRate); hit {
			alerts = append(alerts, pending{
				AlertTypeErrorRate, level,
				levelTitle(level, "error rate"),
				fmt.Sprintf("Error rate is %.2f%%, above the %s threshold of %.2f%%", v, level, limit),
				map[string]any{"errorRate": v, "threshold": limit},
			})
		}
	}
	if v, ok := sample.MemoryUsage.Get(); ok {
		if level, limit, hit := tier(v, th.MemoryUsage); hit {
			alerts = append(alerts, pending{
				AlertTypeMemoryUsage, level,
				levelTitle(level, "memory usage"),
				fmt.Sprintf("Memory usage is %.2f%%, above the %s threshold of %.2f%%", v, level, limit),
				map[string]any{"memoryUsage": v, "threshold": limit},
			})
		}
	}
	if status, ok := sample.DatabaseStatus.Get(); ok && status != DatabaseConnected {
		alerts = append(alerts, pending{
			AlertTypeDatabaseConnection, AlertLevelCritical,
			"Database connection failure",
			fmt.Sprintf("Database connection status is %s", status),
			map[string]any{"databaseStatus": status},
		})
	}

	var wg sync.WaitGroup
	for _, a := range alerts {
		wg.Add(1)
		go func(a pending) {
			defer wg.Done()
			d.SendAlert(ctx, a.alertType, a.level, a.title, a.message, a.metadata)
		}(a)
	}
	wg.Wait()
}

// tier returns the highest level v reaches and the threshold it crossed.
func tier(v float64, t config.Tier) (AlertLevel, float64, bool) {
	switch {
	case t.Critical > 0 && v >= t.Critical:
		return AlertLevelCritical, t.Critical, true
	case t.Warning > 0 && v >= t.Warning:
		return AlertLevelWarning, t.Warning, true
	}
	return "", 0, false
}

func levelTitle(level AlertLevel, metric string) string {
	if level == AlertLevelCritical {
		return "Critical " + metric
	}
	return "High " + metric
}

type Statistics struct {
	TotalAlerts   int                `json:"totalAlerts"`
	AlertsByType  map[AlertType]int  `json:"alertsByType"`
	AlertsByLevel map[AlertLevel]int `json:"alertsByLevel"`
	RecentAlerts  []Alert            `json:"recentAlerts"`
}

// Statistics summarises the in-memory history. RecentAlerts holds up to 50
// alerts of the last 24 hours, newest first.
func (d *Dispatcher) Statistics() Statistics {
	all := d.history.Snapshot()
	cutoff := d.now().Add(-recentWindow)

	recent := lo.Filter(all, func(a Alert, _ int) bool { return a.Timestamp.After(cutoff) })
	if len(recent) > recentLimit {
		recent = recent[:recentLimit]
	}
	return Statistics{
		TotalAlerts:   len(all),
		AlertsByType:  lo.CountValuesBy(all, func(a Alert) AlertType { return a.Type }),
		AlertsByLevel: lo.CountValuesBy(all, func(a Alert) AlertLevel { return a.Level }),
		RecentAlerts:  recent,
	}
}

// CleanupOld drops history entries older than maxAge (7 days when zero).
func (d *Dispatcher) CleanupOld(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	removed := d.history.Prune(d.now().Add(-maxAge))
	if removed > 0 {
		d.logger.Info("old alerts removed from history", zap.Int("removed", removed))
	}
	return removed
}

// TestChannels sends an informational alert straight to every channel,
// bypassing debouncing and history, and reports which accepted it.
func (d *Dispatcher) TestChannels(ctx context.Context) map[string]bool {
	alert := NewAlert(AlertTypeDataValidation, AlertLevelInfo,
		"Connectivity test",
		"This is a connectivity test of the alert webhooks",
		map[string]any{"test": true}, d.now())

	return lo.MapValues(d.deliver(ctx, alert), func(err error, _ string) bool { return err == nil })
}
