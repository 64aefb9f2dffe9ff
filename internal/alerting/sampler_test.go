package alerting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequestStatsWindow(t *testing.T) {
	c := &clock{now: t0}
	s := NewRequestStats(time.Minute)
	s.now = c.Now

	_, _, ok := s.Snapshot()
	assert.False(t, ok)

	s.Observe(100*time.Millisecond, 200)
	s.Observe(300*time.Millisecond, 503)
	avg, rate, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 200.0, avg)
	assert.Equal(t, 50.0, rate)

	c.Advance(2 * time.Minute)
	s.Observe(50*time.Millisecond, 404)
	avg, rate, ok = s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 50.0, avg)
	assert.Equal(t, 0.0, rate)
}

func TestRequestStatsMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewRequestStats(time.Minute)
	r := gin.New()
	r.Use(s.Middleware())
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/ok", "/ok", "/ok", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	_, rate, ok := s.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 25.0, rate)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestSamplerSample(t *testing.T) {
	stats := NewRequestStats(time.Minute)
	stats.Observe(800*time.Millisecond, 200)

	s := NewSampler(stats, pingFunc(func(context.Context) error { return errors.New("refused") }), zap.NewNop())
	s.memory = func(context.Context) (float64, error) { return 91.5, nil }

	sample := s.Sample(context.Background())
	assert.Equal(t, 800.0, sample.ResponseTime.MustGet())
	assert.Equal(t, 0.0, sample.ErrorRate.MustGet())
	assert.Equal(t, 91.5, sample.MemoryUsage.MustGet())
	assert.Equal(t, "error", sample.DatabaseStatus.MustGet())

	s = NewSampler(nil, pingFunc(func(context.Context) error { return nil }), zap.NewNop())
	s.memory = func(context.Context) (float64, error) { return 0, errors.New("unsupported") }
	sample = s.Sample(context.Background())
	assert.True(t, sample.ResponseTime.IsAbsent())
	assert.True(t, sample.MemoryUsage.IsAbsent())
	assert.Equal(t, DatabaseConnected, sample.DatabaseStatus.MustGet())
}
