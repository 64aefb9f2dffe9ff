package jobexecrepo

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"

	domain "github.com/jobs/opsmonitor/internal/biz/execution"
	"github.com/jobs/opsmonitor/internal/infra/persistence/commonrepo"
)

func (po *JobExecution) ToDomain() *domain.JobExecution {
	e := &domain.JobExecution{
		ID:            po.ID,
		CreatedAt:     po.CreatedAt,
		UpdatedAt:     po.UpdatedAt,
		JobName:       po.JobName,
		JobType:       po.JobType,
		Status:        po.Status,
		StartTime:     po.StartTime,
		EndTime:       po.EndTime,
		Heartbeat:     po.Heartbeat,
		LastHeartbeat: po.LastHeartbeat,
		Progress:      po.Progress,
		Metadata:      normalizeJSON(po.Metadata),
		Result:        normalizeJSON(po.Result),
		RetryCount:    po.RetryCount,
		MaxRetries:    po.MaxRetries,
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	if po.DurationMs != nil {
		d := time.Duration(*po.DurationMs) * time.Millisecond
		e.Duration = &d
	}
	if po.ErrorMessage != nil {
		e.Error = &domain.JobError{
			Message: *po.ErrorMessage,
			Stack:   deref(po.ErrorStack),
			Code:    deref(po.ErrorCode),
		}
	}
	return e
}

func (po *JobExecution) FromDomain(e *domain.JobExecution) *JobExecution {
	out := &JobExecution{
		Model: commonrepo.Model{
			ID:        e.ID,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
		},
		JobName:       e.JobName,
		JobType:       e.JobType,
		Status:        e.Status,
		StartTime:     e.StartTime.UTC(),
		EndTime:       utcPtr(e.EndTime),
		DurationMs:    durationMs(e.Duration),
		Heartbeat:     utcPtr(e.Heartbeat),
		LastHeartbeat: utcPtr(e.LastHeartbeat),
		Progress:      e.Progress,
		Metadata:      e.Metadata,
		Result:        e.Result,
		RetryCount:    e.RetryCount,
		MaxRetries:    e.MaxRetries,
	}
	if e.Error != nil {
		out.ErrorMessage = &e.Error.Message
		out.ErrorStack = nonEmpty(e.Error.Stack)
		out.ErrorCode = nonEmpty(e.Error.Code)
	}
	return out
}

// finalizeColumns is the column set written by a terminal transition.
func finalizeColumns(e *domain.JobExecution) map[string]any {
	po := new(JobExecution).FromDomain(e)
	return map[string]any{
		"status":         po.Status,
		"end_time":       po.EndTime,
		"duration_ms":    po.DurationMs,
		"progress":       po.Progress,
		"result":         po.Result,
		"error_message":  po.ErrorMessage,
		"error_stack":    po.ErrorStack,
		"error_code":     po.ErrorCode,
		"heartbeat":      po.Heartbeat,
		"last_heartbeat": po.LastHeartbeat,
	}
}

func (row statusAggregateRow) toDomain() domain.StatusAggregate {
	agg := domain.StatusAggregate{
		JobName:       row.JobName,
		Status:        row.Status,
		Count:         row.Count,
		LastStartTime: row.LastStartTime.Time,
	}
	if row.AvgDuration != nil {
		agg.AvgDuration = time.Duration(math.Round(*row.AvgDuration)) * time.Millisecond
	}
	if row.MinDuration != nil {
		agg.MinDuration = time.Duration(*row.MinDuration) * time.Millisecond
	}
	if row.MaxDuration != nil {
		agg.MaxDuration = time.Duration(*row.MaxDuration) * time.Millisecond
	}
	return agg
}

// scannedTime accepts the shapes drivers return for MAX(datetime): mysql
// yields time.Time, sqlite yields text.
type scannedTime struct {
	time.Time
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (t *scannedTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("cannot scan %T into time", src)
}

func (t *scannedTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised time %q", s)
}

func (t scannedTime) Value() (driver.Value, error) {
	return t.Time, nil
}

func durationMs(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// normalizeJSON replaces the json.Number values JSONMap decodes with int64,
// or float64 when the number has a fraction or overflows.
func normalizeJSON(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normalizeJSON(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
