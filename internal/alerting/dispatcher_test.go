package alerting

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jobs/opsmonitor/internal/telemetry"
	"github.com/jobs/opsmonitor/pkg/config"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type funcChannel struct {
	name string
	fn   func(ctx context.Context, a Alert) error

	mu   sync.Mutex
	sent []Alert
}

func (c *funcChannel) Name() string { return c.name }

func (c *funcChannel) Send(ctx context.Context, a Alert) error {
	c.mu.Lock()
	c.sent = append(c.sent, a)
	c.mu.Unlock()
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, a)
}

func (c *funcChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testConfig() config.AlertingConfig {
	return config.AlertingConfig{
		Enabled:      true,
		HistoryLimit: 100,
		Debouncing: config.DebounceConfig{
			Enabled:            true,
			GracePeriod:        5 * time.Minute,
			MaxAlertsPerPeriod: 3,
		},
		Thresholds: config.ThresholdsConfig{
			ResponseTime: config.Tier{Warning: 500, Critical: 1000},
			ErrorRate:    config.Tier{Warning: 2, Critical: 5},
			MemoryUsage:  config.Tier{Warning: 80, Critical: 90},
		},
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(cfg config.AlertingConfig, channels ...Channel) (*Dispatcher, *clock) {
	c := &clock{now: t0}
	return NewDispatcher(cfg, channels, telemetry.New(), zap.NewNop()).WithClock(c.Now), c
}

func TestSendAlertDisabled(t *testing.T) {
	ch := &funcChannel{name: "a"}
	cfg := testConfig()
	cfg.Enabled = false
	d, _ := newTestDispatcher(cfg, ch)

	assert.False(t, d.SendAlert(context.Background(), AlertTypeErrorRate, AlertLevelCritical, "t", "m", nil))
	assert.Zero(t, ch.count())
	assert.Zero(t, d.Statistics().TotalAlerts)
}

func TestSendAlertDebounces(t *testing.T) {
	ch := &funcChannel{name: "a"}
	d, clk := newTestDispatcher(testConfig(), ch)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, d.SendAlert(ctx, AlertTypeErrorRate, AlertLevelCritical, "t", "m", nil))
		clk.Advance(time.Second)
	}
	assert.False(t, d.SendAlert(ctx, AlertTypeErrorRate, AlertLevelCritical, "t", "m", nil))
	assert.Equal(t, 3, ch.count())

	// other keys are independent
	assert.True(t, d.SendAlert(ctx, AlertTypeErrorRate, AlertLevelWarning, "t", "m", nil))

	clk.Advance(5 * time.Minute)
	assert.True(t, d.SendAlert(ctx, AlertTypeErrorRate, AlertLevelCritical, "t", "m", nil))
	assert.Equal(t, 5, ch.count())
}

func TestSendAlertChannelIsolation(t *testing.T) {
	failing := &funcChannel{name: "failing", fn: func(context.Context, Alert) error { return errors.New("boom") }}
	panicking := &funcChannel{name: "panicking", fn: func(context.Context, Alert) error { panic("bad channel") }}
	slow := &funcChannel{name: "slow", fn: func(ctx context.Context, _ Alert) error {
		time.Sleep(100 * time.Millisecond)
		return errors.New("timeout")
	}}
	ok := &funcChannel{name: "ok"}
	d, _ := newTestDispatcher(testConfig(), failing, panicking, slow, ok)

	assert.True(t, d.SendAlert(context.Background(), AlertTypeDataValidation, AlertLevelCritical, "t", "m", nil))
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing.count())
}

func TestChannelsWithSharedName(t *testing.T) {
	failing := &funcChannel{name: "ops", fn: func(context.Context, Alert) error { return errors.New("boom") }}
	ok := &funcChannel{name: "ops"}
	other := &funcChannel{name: "pager"}
	d, _ := newTestDispatcher(testConfig(), failing, ok, other)

	assert.Equal(t, map[string]bool{"ops": false, "ops#2": true, "pager": true}, d.TestChannels(context.Background()))
	assert.True(t, d.SendAlert(context.Background(), AlertTypeErrorRate, AlertLevelWarning, "t", "m", nil))
	assert.Equal(t, 2, ok.count())
}

func TestSendAlertRecordedEvenWhenUndelivered(t *testing.T) {
	failing := &funcChannel{name: "failing", fn: func(context.Context, Alert) error { return errors.New("boom") }}
	d, _ := newTestDispatcher(testConfig(), failing)

	assert.False(t, d.SendAlert(context.Background(), AlertTypeErrorRate, AlertLevelInfo, "t", "m", nil))
	assert.Equal(t, 1, d.Statistics().TotalAlerts)

	none, _ := newTestDispatcher(testConfig())
	assert.False(t, none.SendAlert(context.Background(), AlertTypeErrorRate, AlertLevelInfo, "t", "m", nil))
}

func TestSendAlertDeliversAfterCallerCancel(t *testing.T) {
	var seenErr atomic.Value
	ch := &funcChannel{name: "a", fn: func(ctx context.Context, _ Alert) error {
		seenErr.Store(ctx.Err() == nil)
		return nil
	}}
	d, _ := newTestDispatcher(testConfig(), ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, d.SendAlert(ctx, AlertTypeErrorRate, AlertLevelInfo, "t", "m", nil))
	assert.Equal(t, true, seenErr.Load())
}

func TestSendAlertThroughWebhooks(t *testing.T) {
	good := captureServer(t, http.StatusOK, nil)
	bad := captureServer(t, http.StatusBadGateway, nil)
	cfg := testConfig()
	cfg.Timeout = time.Second
	cfg.Webhooks = []config.WebhookConfig{
		{Name: "slack", URL: good.URL, Format: "slack"},
		{Name: "discord", URL: bad.URL, Format: "discord"},
		{Name: "unset"},
	}
	d := NewFromConfig(cfg, nil, zap.NewNop())
	require.Len(t, d.channels, 2)

	assert.True(t, d.SendAlert(context.Background(), AlertTypeErrorRate, AlertLevelCritical, "t", "m", nil))
	assert.Equal(t, map[string]bool{"slack": true, "discord": false}, d.TestChannels(context.Background()))
}

func TestCheckMetricsHighestTierOnly(t *testing.T) {
	ch := &funcChannel{name: "a"}
	d, _ := newTestDispatcher(testConfig(), ch)

	d.CheckMetrics(context.Background(), MetricsSample{
		ResponseTime:   mo.Some(1200.0),
		ErrorRate:      mo.Some(3.0),
		MemoryUsage:    mo.Some(50.0),
		DatabaseStatus: mo.Some("disconnected"),
	})

	stats := d.Statistics()
	assert.Equal(t, 3, stats.TotalAlerts)
	assert.Equal(t, 1, stats.AlertsByType[AlertTypeResponseTime])
	assert.Equal(t, 1, stats.AlertsByType[AlertTypeErrorRate])
	assert.Equal(t, 1, stats.AlertsByType[AlertTypeDatabaseConnection])
	assert.Equal(t, 2, stats.AlertsByLevel[AlertLevelCritical])
	assert.Equal(t, 1, stats.AlertsByLevel[AlertLevelWarning])
	assert.Zero(t, stats.AlertsByType[AlertTypeMemoryUsage])
}

func TestCheckMetricsNoReadings(t *testing.T) {
	ch := &funcChannel{name: "a"}
	d, _ := newTestDispatcher(testConfig(), ch)
	d.CheckMetrics(context.Background(), MetricsSample{DatabaseStatus: mo.Some(DatabaseConnected)})
	assert.Zero(t, ch.count())
}

func TestCheckMetricsOverlappingCallsSkip(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	ch := &funcChannel{name: "a", fn: func(context.Context, Alert) error {
		entered <- struct{}{}
		<-release
		return nil
	}}
	d, _ := newTestDispatcher(testConfig(), ch)

	done := make(chan struct{})
	go func() {
		d.CheckMetrics(context.Background(), MetricsSample{MemoryUsage: mo.Some(95.0)})
		close(done)
	}()
	<-entered

	d.CheckMetrics(context.Background(), MetricsSample{MemoryUsage: mo.Some(96.0)})
	close(release)
	<-done

	assert.Equal(t, 1, ch.count())
}

func TestStatisticsAndCleanup(t *testing.T) {
	d, clk := newTestDispatcher(testConfig(), &funcChannel{name: "a"})
	ctx := context.Background()

	d.SendAlert(ctx, AlertTypeErrorRate, AlertLevelInfo, "old", "m", nil)
	clk.Advance(48 * time.Hour)
	d.SendAlert(ctx, AlertTypeMemoryUsage, AlertLevelWarning, "new", "m", nil)

	stats := d.Statistics()
	assert.Equal(t, 2, stats.TotalAlerts)
	require.Len(t, stats.RecentAlerts, 1)
	assert.Equal(t, "new", stats.RecentAlerts[0].Title)

	clk.Advance(6 * 24 * time.Hour)
	assert.Equal(t, 1, d.CleanupOld(0))
	assert.Equal(t, 1, d.Statistics().TotalAlerts)
}
