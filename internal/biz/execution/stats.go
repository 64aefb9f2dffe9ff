package execution

import (
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
)

type StatusStats struct {
	Count       int64
	AvgDuration time.Duration
	MinDuration time.Duration
	MaxDuration time.Duration
}

// JobStatistics summarises the executions of one job name inside a window.
type JobStatistics struct {
	JobName         string
	TotalExecutions int64
	// SuccessRate is completed/total as a percentage rounded to two decimals.
	SuccessRate     float64
	AverageDuration time.Duration
	LastExecution   time.Time
	Statuses        map[ExecutionStatus]StatusStats
}

// BuildStatistics folds (job, status) aggregates into per-job statistics,
// ordered by job name.
func BuildStatistics(aggs []StatusAggregate) []JobStatistics {
	grouped := lo.GroupBy(aggs, func(a StatusAggregate) string { return a.JobName })
	names := lo.Keys(grouped)
	sort.Strings(names)

	out := make([]JobStatistics, 0, len(names))
	for _, name := range names {
		group := grouped[name]
		stats := JobStatistics{
			JobName:  name,
			Statuses: make(map[ExecutionStatus]StatusStats, len(group)),
		}

		var completed, timedCount int64
		var weighted float64
		for _, a := range group {
			stats.TotalExecutions += a.Count
			if a.Status == ExecutionStatusCompleted {
				completed += a.Count
			}
			// pending and running rows carry no duration
			if a.Status.IsTerminal() {
				timedCount += a.Count
				weighted += float64(a.AvgDuration) * float64(a.Count)
			}
			if a.LastStartTime.After(stats.LastExecution) {
				stats.LastExecution = a.LastStartTime
			}
			stats.Statuses[a.Status] = StatusStats{
				Count:       a.Count,
				AvgDuration: a.AvgDuration,
				MinDuration: a.MinDuration,
				MaxDuration: a.MaxDuration,
			}
		}

		if stats.TotalExecutions > 0 {
			stats.SuccessRate = round2(float64(completed) / float64(stats.TotalExecutions) * 100)
		}
		if timedCount > 0 {
			stats.AverageDuration = time.Duration(math.Round(weighted / float64(timedCount)))
		}
		out = append(out, stats)
	}
	return out
}

// PerformanceMetrics describes duration percentiles, error rate and throughput
// over a window of days.
type PerformanceMetrics struct {
	AverageDuration time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
	// ErrorRate is (failed+timeout)/total as a percentage.
	ErrorRate float64
	// Throughput is executions per hour.
	Throughput float64
	Total      int
}

func BuildPerformance(samples []DurationSample, days int) PerformanceMetrics {
	if len(samples) == 0 || days <= 0 {
		return PerformanceMetrics{}
	}

	values := lo.Map(samples, func(s DurationSample, _ int) float64 { return float64(s.Duration) })
	failed := lo.CountBy(samples, func(s DurationSample) bool {
		return s.Status == ExecutionStatusFailed || s.Status == ExecutionStatusTimeout
	})

	return PerformanceMetrics{
		AverageDuration: time.Duration(math.Round(lo.Sum(values) / float64(len(values)))),
		P95Duration:     time.Duration(math.Round(Percentile(values, 0.95))),
		P99Duration:     time.Duration(math.Round(Percentile(values, 0.99))),
		ErrorRate:       round2(float64(failed) / float64(len(samples)) * 100),
		Throughput:      round2(float64(len(samples)) / float64(days*24)),
		Total:           len(samples),
	}
}

// Percentile returns the p-th (0..1) percentile of values using linear
// interpolation between closest ranks. An empty set yields 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	p = math.Min(1, math.Max(0, p))
	rank := p * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
