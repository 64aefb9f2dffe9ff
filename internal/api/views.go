package api

import (
	"strconv"
	"time"

	"github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/samber/lo"
)

// ExecutionSummary is the list view of an execution; metadata, result and
// the error stack are left out.
type ExecutionSummary struct {
	ID        string     `json:"id"`
	JobName   string     `json:"jobName"`
	JobType   string     `json:"jobType"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Duration  *int64     `json:"duration,omitempty"` // ms
	Progress  int        `json:"progress"`
	Error     *ErrorView `json:"error,omitempty"`
}

type ErrorView struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ExecutionDetail is the full record.
type ExecutionDetail struct {
	ExecutionSummary
	Heartbeat     *time.Time     `json:"heartbeat,omitempty"`
	LastHeartbeat *time.Time     `json:"lastHeartbeat,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func toSummary(e *execution.JobExecution) ExecutionSummary {
	s := ExecutionSummary{
		ID:        strconv.FormatUint(e.ID, 10),
		JobName:   e.JobName,
		JobType:   string(e.JobType),
		Status:    string(e.Status),
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
		Progress:  e.Progress,
	}
	if e.Duration != nil {
		s.Duration = lo.ToPtr(e.Duration.Milliseconds())
	}
	if e.Error != nil {
		s.Error = &ErrorView{Message: e.Error.Message, Code: e.Error.Code}
	}
	return s
}

func toSummaries(list []*execution.JobExecution) []ExecutionSummary {
	return lo.Map(list, func(e *execution.JobExecution, _ int) ExecutionSummary {
		return toSummary(e)
	})
}

func toDetail(e *execution.JobExecution) ExecutionDetail {
	d := ExecutionDetail{
		ExecutionSummary: toSummary(e),
		Heartbeat:        e.Heartbeat,
		LastHeartbeat:    e.LastHeartbeat,
		Metadata:         e.Metadata,
		Result:           e.Result,
		RetryCount:       e.RetryCount,
		MaxRetries:       e.MaxRetries,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	if e.Error != nil {
		d.Error.Stack = e.Error.Stack
	}
	return d
}

type StatusStatsView struct {
	Count       int64 `json:"count"`
	AvgDuration int64 `json:"avgDuration"`
	MinDuration int64 `json:"minDuration"`
	MaxDuration int64 `json:"maxDuration"`
}

type JobStatisticsView struct {
	JobName         string                     `json:"jobName"`
	TotalExecutions int64                      `json:"totalExecutions"`
	SuccessRate     float64                    `json:"successRate"`
	AverageDuration int64                      `json:"averageDuration"`
	LastExecution   *time.Time                 `json:"lastExecution,omitempty"`
	Statuses        map[string]StatusStatsView `json:"statuses"`
}

func toStatisticsViews(stats []execution.JobStatistics) []JobStatisticsView {
	return lo.Map(stats, func(s execution.JobStatistics, _ int) JobStatisticsView {
		v := JobStatisticsView{
			JobName:         s.JobName,
			TotalExecutions: s.TotalExecutions,
			SuccessRate:     s.SuccessRate,
			AverageDuration: s.AverageDuration.Milliseconds(),
			Statuses:        make(map[string]StatusStatsView, len(s.Statuses)),
		}
		if !s.LastExecution.IsZero() {
			v.LastExecution = lo.ToPtr(s.LastExecution)
		}
		for status, st := range s.Statuses {
			v.Statuses[string(status)] = StatusStatsView{
				Count:       st.Count,
				AvgDuration: st.AvgDuration.Milliseconds(),
				MinDuration: st.MinDuration.Milliseconds(),
				MaxDuration: st.MaxDuration.Milliseconds(),
			}
		}
		return v
	})
}

type PerformanceView struct {
	AverageResponseTime int64   `json:"averageResponseTime"`
	P95ResponseTime     int64   `json:"p95ResponseTime"`
	P99ResponseTime     int64   `json:"p99ResponseTime"`
	ErrorRate           float64 `json:"errorRate"`
	Throughput          float64 `json:"throughput"`
	TotalJobs           int     `json:"totalJobs"`
}

func toPerformanceView(m execution.PerformanceMetrics) PerformanceView {
	return PerformanceView{
		AverageResponseTime: m.AverageDuration.Milliseconds(),
		P95ResponseTime:     m.P95Duration.Milliseconds(),
		P99ResponseTime:     m.P99Duration.Milliseconds(),
		ErrorRate:           m.ErrorRate,
		Throughput:          m.Throughput,
		TotalJobs:           m.Total,
	}
}
