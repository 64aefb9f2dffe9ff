package alerting

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestHistoryBoundedPerKey(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(NewAlert(AlertTypeErrorRate, AlertLevelWarning, fmt.Sprint(i), "", nil, t0.Add(time.Duration(i)*time.Second)))
	}
	h.Record(NewAlert(AlertTypeErrorRate, AlertLevelCritical, "other", "", nil, t0))

	all := h.Snapshot()
	assert.Len(t, all, 4)
	assert.Equal(t, "4", all[0].Title)
	assert.Equal(t, 3, h.CountSince("error_rate_warning", t0.Add(-time.Hour)))
}

func TestHistoryReserve(t *testing.T) {
	h := NewHistory(100)
	alertAt := func(d time.Duration) Alert {
		return NewAlert(AlertTypeMemoryUsage, AlertLevelCritical, "mem", "", nil, t0.Add(d))
	}

	assert.True(t, h.Reserve(alertAt(0), 5*time.Minute, 2))
	assert.True(t, h.Reserve(alertAt(time.Minute), 5*time.Minute, 2))
	assert.False(t, h.Reserve(alertAt(2*time.Minute), 5*time.Minute, 2))
	// the first alert has left the window
	assert.True(t, h.Reserve(alertAt(5*time.Minute+time.Second), 5*time.Minute, 2))
	assert.Len(t, h.Snapshot(), 3)
}

func TestHistoryReserveConcurrent(t *testing.T) {
	h := NewHistory(100)
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Reserve(NewAlert(AlertTypeErrorRate, AlertLevelCritical, "x", "", nil, t0), time.Minute, 3) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), accepted.Load())
}

func TestHistoryPrune(t *testing.T) {
	h := NewHistory(10)
	h.Record(NewAlert(AlertTypeErrorRate, AlertLevelInfo, "old", "", nil, t0))
	h.Record(NewAlert(AlertTypeErrorRate, AlertLevelInfo, "new", "", nil, t0.Add(time.Hour)))
	h.Record(NewAlert(AlertTypeResponseTime, AlertLevelInfo, "old", "", nil, t0))

	assert.Equal(t, 2, h.Prune(t0.Add(time.Minute)))
	all := h.Snapshot()
	assert.Len(t, all, 1)
	assert.Equal(t, "new", all[0].Title)
}
