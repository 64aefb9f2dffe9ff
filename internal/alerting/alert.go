package alerting

import (
	"time"

	"github.com/google/uuid"
)

type AlertType string

const (
	AlertTypeResponseTime       AlertType = "response_time"
	AlertTypeErrorRate          AlertType = "error_rate"
	AlertTypeMemoryUsage        AlertType = "memory_usage"
	AlertTypeDatabaseConnection AlertType = "database_connection"
	AlertTypeDataValidation     AlertType = "data_validation"
)

type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert is one notification instance. It lives only in the in-memory history.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Level     AlertLevel     `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewAlert(alertType AlertType, level AlertLevel, title, message string, metadata map[string]any, now time.Time) Alert {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: now,
		Metadata:  metadata,
	}
}

// Key groups alerts for debouncing and history.
func (a Alert) Key() string {
	return string(a.Type) + "_" + string(a.Level)
}
