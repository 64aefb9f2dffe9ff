package alerting

import (
	"sort"
	"sync"
	"time"
)

const defaultHistoryLimit = 100

// History keeps the most recent alerts per type+level key. Each key holds at
// most limit alerts; the oldest are evicted first.
type History struct {
	mu    sync.Mutex
	limit int
	byKey map[string][]Alert
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{limit: limit, byKey: make(map[string][]Alert)}
}

// Reserve records a unless maxPerWindow alerts with the same key were already
// recorded within window before a.Timestamp. The check and the insert happen
// under one lock so concurrent callers never exceed the maximum.
func (h *History) Reserve(a Alert, window time.Duration, maxPerWindow int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if maxPerWindow > 0 && h.countSince(a.Key(), a.Timestamp.Add(-window)) >= maxPerWindow {
		return false
	}
	h.append(a)
	return true
}

// Record stores a without any debounce check.
func (h *History) Record(a Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.append(a)
}

func (h *History) append(a Alert) {
	key := a.Key()
	alerts := append(h.byKey[key], a)
	if over := len(alerts) - h.limit; over > 0 {
		alerts = append(alerts[:0:0], alerts[over:]...)
	}
	h.byKey[key] = alerts
}

func (h *History) countSince(key string, cutoff time.Time) int {
	n := 0
	for _, a := range h.byKey[key] {
		if a.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// CountSince reports how many alerts with key were recorded after cutoff.
func (h *History) CountSince(key string, cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countSince(key, cutoff)
}

// Snapshot returns every stored alert, newest first.
func (h *History) Snapshot() []Alert {
	h.mu.Lock()
	var all []Alert
	for _, alerts := range h.byKey {
		all = append(all, alerts...)
	}
	h.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	return all
}

// Prune drops alerts recorded at or before cutoff and returns how many were removed.
func (h *History) Prune(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for key, alerts := range h.byKey {
		kept := alerts[:0]
		for _, a := range alerts {
			if a.Timestamp.After(cutoff) {
				kept = append(kept, a)
			}
		}
		removed += len(alerts) - len(kept)
		if len(kept) == 0 {
			delete(h.byKey, key)
			continue
		}
		h.byKey[key] = kept
	}
	return removed
}
