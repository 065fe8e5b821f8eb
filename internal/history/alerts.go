package history

import (
	"sync"

	"github.com/taniwha3/trackwatch/internal/models"
)

// AlertLog is an unbounded, newest-first log of alerts
type AlertLog struct {
	mu     sync.RWMutex
	alerts []models.Alert // newest first
}

// NewAlertLog creates an empty alert log
func NewAlertLog() *AlertLog {
	return &AlertLog{}
}

// Prepend inserts each alert at the front in the order given, so the last
// alert of the batch ends up newest
func (l *AlertLog) Prepend(batch ...models.Alert) {
	if len(batch) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Alert, 0, len(batch)+len(l.alerts))
	for i := len(batch) - 1; i >= 0; i-- {
		out = append(out, batch[i])
	}
	l.alerts = append(out, l.alerts...)
}

// Recent returns up to n alerts, newest first. n <= 0 returns all.
func (l *AlertLog) Recent(n int) []models.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.alerts) {
		n = len(l.alerts)
	}
	out := make([]models.Alert, n)
	copy(out, l.alerts[:n])
	return out
}

// All returns every alert, newest first
func (l *AlertLog) All() []models.Alert {
	return l.Recent(0)
}

// Len returns the number of alerts
func (l *AlertLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.alerts)
}

// Clear drops every alert
func (l *AlertLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = nil
}

// Restore replaces the log contents with alerts already ordered newest first
func (l *AlertLog) Restore(newestFirst []models.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = make([]models.Alert, len(newestFirst))
	copy(l.alerts, newestFirst)
}
