package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/mo"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const maxRequestSamples = 10000

type requestSample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// RequestStats keeps a sliding window of HTTP request outcomes.
type RequestStats struct {
	mu      sync.Mutex
	window  time.Duration
	samples []requestSample
	now     func() time.Time
}

func NewRequestStats(window time.Duration) *RequestStats {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RequestStats{window: window, now: time.Now}
}

// Observe records one request. Status codes of 500 and above count as errors.
func (s *RequestStats) Observe(latency time.Duration, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.samples = append(s.samples, requestSample{at: now, latency: latency, failed: status >= 500})
	s.evict(now)
}

func (s *RequestStats) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && !s.samples[i].at.After(cutoff) {
		i++
	}
	if over := len(s.samples) - i - maxRequestSamples; over > 0 {
		i += over
	}
	if i > 0 {
		s.samples = append(s.samples[:0:0], s.samples[i:]...)
	}
}

// Snapshot returns the mean latency in milliseconds and the error rate in
// percent over the window. ok is false when no request was seen.
func (s *RequestStats) Snapshot() (avgMs, errorRate float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(s.now())
	if len(s.samples) == 0 {
		return 0, 0, false
	}
	var total time.Duration
	failed := 0
	for _, r := range s.samples {
		total += r.latency
		if r.failed {
			failed++
		}
	}
	n := float64(len(s.samples))
	return float64(total.Milliseconds()) / n, float64(failed) / n * 100, true
}

// Middleware feeds every handled request into the window.
func (s *RequestStats) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Observe(time.Since(start), c.Writer.Status())
	}
}

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sampler assembles a MetricsSample from the request window, host memory and
// a database ping.
type Sampler struct {
	requests *RequestStats
	db       Pinger
	memory   func(ctx context.Context) (float64, error)
	logger   *zap.Logger
}

func NewSampler(requests *RequestStats, db Pinger, logger *zap.Logger) *Sampler {
	return &Sampler{
		requests: requests,
		db:       db,
		memory:   MemoryUsedPercent,
		logger:   logger.Named("sampler"),
	}
}

func (s *Sampler) Sample(ctx context.Context) MetricsSample {
	var sample MetricsSample

	if s.requests != nil {
		if avg, rate, ok := s.requests.Snapshot(); ok {
			sample.ResponseTime = mo.Some(avg)
			sample.ErrorRate = mo.Some(rate)
		}
	}

	if used, err := s.memory(ctx); err != nil {
		s.logger.Warn("failed to read memory usage", zap.Error(err))
	} else {
		sample.MemoryUsage = mo.Some(used)
	}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			s.logger.Warn("database ping failed", zap.Error(err))
			sample.DatabaseStatus = mo.Some("error")
		} else {
			sample.DatabaseStatus = mo.Some(DatabaseConnected)
		}
	}
	return sample
}

// MemoryUsedPercent returns the host's used virtual memory in percent.
func MemoryUsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
