package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taniwha3/trackwatch/internal/evaluator"
	"github.com/taniwha3/trackwatch/internal/logging"
)

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	Notifiers []Notifier
	Retry     RetryPolicy
	QueueSize int
	Logger    *slog.Logger
	OnDrop    func() // Called for every batch dropped on a full queue
	Seed      int64  // Jitter seed; 0 seeds from the clock
}

// DispatcherStats reports delivery counters
type DispatcherStats struct {
	Queued      int       `json:"queued"`
	Dropped     uint64    `json:"dropped"`
	Delivered   uint64    `json:"delivered"`
	Failed      uint64    `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// Dispatcher queues alert batches from the tick loop and delivers them to
// every notifier on its own goroutine. A full queue drops the new batch.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan Batch
	backoff   *backoff
	logger    *slog.Logger
	onDrop    func()

	// sleep waits between retries; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64

	mu          sync.RWMutex
	lastErr     error
	lastErrAt   time.Time
	lastSuccess time.Time
}

// NewDispatcher creates a dispatcher. Call Run to start delivery.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Dispatcher{
		notifiers: opts.Notifiers,
		queue:     make(chan Batch, opts.QueueSize),
		backoff:   newBackoff(opts.Retry, seed),
		logger:    opts.Logger,
		onDrop:    opts.OnDrop,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnTick queues the tick's alerts, if any
func (d *Dispatcher) OnTick(_ context.Context, res evaluator.Result) {
	if len(res.Alerts) == 0 {
		return
	}
	d.Enqueue(Batch{
		Line:    res.Reading.Line(),
		Station: res.Reading.Station(),
		Score:   res.Score,
		Alerts:  res.Alerts,
	})
}

// Enqueue queues a batch without blocking. It reports false when the queue is full.
func (d *Dispatcher) Enqueue(b Batch) bool {
	select {
	case d.queue <- b:
		return true
	default:
	}

	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
	d.logger.Warn("Notification queue full, dropping alert batch",
		slog.Int("alerts", len(b.Alerts)),
		slog.Int("queue_size", cap(d.queue)),
	)
	return false
}

// Run delivers queued batches until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	d.logger.Info("Notification dispatcher started",
		slog.Any("notifiers", names),
		slog.Int("queue_size", cap(d.queue)),
	)

	for {
		select {
		case <-ctx.Done():
			if pending := len(d.queue); pending > 0 {
				d.logger.Warn("Notification dispatcher stopping with undelivered batches",
					slog.Int("pending", pending))
			}
			return
		case b := <-d.queue:
			d.dispatch(ctx, b)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, b Batch) {
	for _, n := range d.notifiers {
		err := d.deliver(ctx, n, b)
		if err != nil {
			d.failed.Add(1)
			d.mu.Lock()
			d.lastErr = fmt.Errorf("%s: %w", n.Name(), err)
			d.lastErrAt = time.Now()
			d.mu.Unlock()

			d.logger.LogAttrs(ctx, slog.LevelError, "Alert delivery failed",
				append([]slog.Attr{
					slog.String("notifier", n.Name()),
					slog.Int("alerts", len(b.Alerts)),
				}, logging.ErrorAttrs(err)...)...)
			continue
		}

		d.delivered.Add(1)
		d.mu.Lock()
		d.lastSuccess = time.Now()
		d.mu.Unlock()
	}
}

// deliver sends one batch to one notifier with exponential backoff retry
func (d *Dispatcher) deliver(ctx context.Context, n Notifier, b Batch) error {
	maxAttempts := d.backoff.policy.MaxAttempts
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := n.Notify(ctx, b)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts-1 {
			delay := d.backoff.delay(attempt)
			logging.LogRetry(d.logger, n.Name(), attempt+1, delay.Milliseconds(), err)
			if err := d.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", maxAttempts, lastErr)
}

// Stats returns delivery counters
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := DispatcherStats{
		Queued:      len(d.queue),
		Dropped:     d.dropped.Load(),
		Delivered:   d.delivered.Load(),
		Failed:      d.failed.Load(),
		LastErrorAt: d.lastErrAt,
		LastSuccess: d.lastSuccess,
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// Notifiers returns the configured notifier count
func (d *Dispatcher) Notifiers() int {
	return len(d.notifiers)
}
