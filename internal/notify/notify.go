// Package notify fans alerts out to external channels with retries.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/taniwha3/trackwatch/internal/models"
)

// Batch is the alerts raised by one tick, with where they were raised
type Batch struct {
	Line    string         `json:"line,omitempty"`
	Station string         `json:"station,omitempty"`
	Score   float64        `json:"score"`
	Alerts  []models.Alert `json:"alerts"`
}

// Notifier delivers one tick's alerts
type Notifier interface {
	Name() string
	Notify(ctx context.Context, batch Batch) error
}

// RetryableError indicates a delivery failure that should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NonRetryableError indicates a delivery failure retrying cannot fix
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable error: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

func isRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy controls redelivery of a failed batch
type RetryPolicy struct {
	MaxAttempts    int // Total attempts including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterPercent  int
}

// DefaultRetryPolicy returns 3 attempts, 1s initial, 30s max, 2.0x, 20% jitter
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterPercent:  20,
	}
}

type backoff struct {
	policy RetryPolicy
	rngMu  sync.Mutex
	rng    *rand.Rand
}

func newBackoff(policy RetryPolicy, seed int64) *backoff {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &backoff{policy: policy, rng: rand.New(rand.NewSource(seed))}
}

// delay returns the wait before retry number attempt+1
func (b *backoff) delay(attempt int) time.Duration {
	d := float64(b.policy.InitialBackoff) * math.Pow(b.policy.Multiplier, float64(attempt))
	if d > float64(b.policy.MaxBackoff) {
		d = float64(b.policy.MaxBackoff)
	}

	jitterFraction := float64(b.policy.JitterPercent) / 100.0
	b.rngMu.Lock()
	jitter := d * jitterFraction * (b.rng.Float64()*2 - 1)
	b.rngMu.Unlock()

	return time.Duration(d + jitter)
}

// alertSubject summarizes a batch for channels with a subject line
func alertSubject(b Batch) string {
	if len(b.Alerts) == 1 {
		a := b.Alerts[0]
		return fmt.Sprintf("Track %s at %s: %s", a.Severity, b.Station, a.Metric)
	}
	sum := models.Summarize(b.Alerts)
	return fmt.Sprintf("Track alerts at %s: %d critical, %d warning", b.Station, sum.Critical, sum.Warning)
}

func atOrAbove(alerts []models.Alert, floor models.Severity) []models.Alert {
	var out []models.Alert
	for _, a := range alerts {
		if a.Severity.Rank() >= floor.Rank() {
			out = append(out, a)
		}
	}
	return out
}
