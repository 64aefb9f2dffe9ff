package health

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/jobs/opsmonitor/pkg/config"
)

// Probe checks one dependency. A nil error means reachable.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeSpec wraps a probe with its own timeout, retry budget and latency
// budget. Retries counts total attempts; values below one mean one attempt.
type ProbeSpec struct {
	Probe         Probe
	Timeout       time.Duration
	Retries       int
	RetryDelay    time.Duration
	DegradedAfter time.Duration
}

// Pinger is satisfied by orm.Storage.
type Pinger interface {
	Ping(ctx context.Context) error
}

type DatabaseProbe struct {
	db Pinger
}

func NewDatabaseProbe(db Pinger) *DatabaseProbe {
	return &DatabaseProbe{db: db}
}

func (p *DatabaseProbe) Name() string { return "database" }

func (p *DatabaseProbe) Check(ctx context.Context) error {
	if p.db == nil {
		return errors.New("database not connected")
	}
	return p.db.Ping(ctx)
}

type RedisProbe struct {
	client redis.UniversalClient
}

func NewRedisProbe(client redis.UniversalClient) *RedisProbe {
	return &RedisProbe{client: client}
}

func (p *RedisProbe) Name() string { return "redis" }

func (p *RedisProbe) Check(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// HTTPProbe issues GET <baseURL>/health and accepts any 2xx answer.
type HTTPProbe struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPProbe(name, baseURL string) *HTTPProbe {
	return &HTTPProbe{
		name:   name,
		url:    strings.TrimRight(baseURL, "/") + "/health",
		client: &http.Client{},
	}
}

func (p *HTTPProbe) Name() string { return p.name }

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("API returned status %d", resp.StatusCode)
	}
	return nil
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

const defaultDependencyDegradedAfter = 2 * time.Second

// SpecsFromConfig builds the database probe, the redis probe when a client is
// given, and one HTTP probe per configured dependency.
func SpecsFromConfig(cfg config.HealthCheckConfig, db Pinger, client redis.UniversalClient) []ProbeSpec {
	specs := []ProbeSpec{{
		Probe:         NewDatabaseProbe(db),
		Timeout:       cfg.Timeout,
		Retries:       1,
		DegradedAfter: cfg.DatabaseDegradedAt,
	}}
	if client != nil {
		specs = append(specs, ProbeSpec{
			Probe:         NewRedisProbe(client),
			Timeout:       cfg.Timeout,
			Retries:       1,
			DegradedAfter: cfg.RedisDegradedAt,
		})
	}
	for _, dep := range cfg.Dependencies {
		if dep.URL == "" {
			continue
		}
		degradedAfter := dep.DegradedAfter
		if degradedAfter <= 0 {
			degradedAfter = defaultDependencyDegradedAfter
		}
		specs = append(specs, ProbeSpec{
			Probe:         NewHTTPProbe(dep.Name, dep.URL),
			Timeout:       cfg.Timeout,
			Retries:       cfg.Retries,
			RetryDelay:    cfg.RetryDelay,
			DegradedAfter: degradedAfter,
		})
	}
	return specs
}
