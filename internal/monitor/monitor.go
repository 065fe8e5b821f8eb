// Package monitor owns the monitoring state and drives the tick loop.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taniwha3/trackwatch/internal/evaluator"
	"github.com/taniwha3/trackwatch/internal/history"
	"github.com/taniwha3/trackwatch/internal/logging"
	"github.com/taniwha3/trackwatch/internal/models"
	"github.com/taniwha3/trackwatch/internal/source"
)

var (
	// ErrIntervalOutOfBounds is returned by SetInterval for a value outside [min, max]
	ErrIntervalOutOfBounds = errors.New("interval out of bounds")
	// ErrUnknownStation is returned by SetStation for a line/station not in the directory
	ErrUnknownStation = errors.New("unknown line or station")
)

// Listener consumes tick results. OnTick runs on the tick goroutine after
// state is updated, so implementations must not block.
type Listener interface {
	OnTick(ctx context.Context, res evaluator.Result)
}

// ErrorListener is optionally implemented by listeners that track failed ticks
type ErrorListener interface {
	OnTickError(ctx context.Context, err error)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, res evaluator.Result)

// OnTick calls f
func (f ListenerFunc) OnTick(ctx context.Context, res evaluator.Result) {
	f(ctx, res)
}

// Options configures a Monitor
type Options struct {
	Source    source.Source
	Evaluator *evaluator.Evaluator
	History   *history.Buffer
	Alerts    *history.AlertLog

	Interval    time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	Active      bool

	Line     string
	Station  string
	Stations map[string][]string // nil accepts any location

	Logger *slog.Logger
}

// Snapshot is a point-in-time copy of the monitoring state
type Snapshot struct {
	Active      bool
	Interval    time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	Line        string
	Station     string
	Latest      *evaluator.Result
	Ticks       uint64
	Failures    uint64
	LastTick    time.Time
	LastError   error
	Waiting     bool // a tick is blocked waiting on the source
	Readings    int
	AlertCount  int
}

// Monitor produces one evaluated reading per tick.
// Only the tick path mutates readings and alerts; viewers read through
// the history types or Snapshot.
type Monitor struct {
	src       source.Source
	eval      *evaluator.Evaluator
	history   *history.Buffer
	alerts    *history.AlertLog
	stations  map[string][]string
	logger    *slog.Logger
	listeners []Listener

	minInterval time.Duration
	maxInterval time.Duration

	tickMu sync.Mutex // serializes Tick

	mu        sync.RWMutex
	active    bool
	interval  time.Duration
	line      string
	station   string
	latest    *evaluator.Result
	ticks     uint64
	failures  uint64
	lastTick  time.Time
	lastError error
	waiting   int // ticks blocked in Next

	reset chan time.Duration
}

// New creates a monitor. Listeners are added with AddListener before Run.
func New(opts Options) (*Monitor, error) {
	if opts.Source == nil {
		return nil, errors.New("monitor requires a source")
	}
	if opts.Evaluator == nil {
		return nil, errors.New("monitor requires an evaluator")
	}
	if opts.History == nil {
		opts.History = history.NewBuffer(history.DefaultCapacity)
	}
	if opts.Alerts == nil {
		opts.Alerts = history.NewAlertLog()
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = time.Second
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	if opts.MinInterval > opts.MaxInterval {
		return nil, fmt.Errorf("min interval %s exceeds max interval %s", opts.MinInterval, opts.MaxInterval)
	}
	if opts.Interval == 0 {
		opts.Interval = opts.MinInterval
	}
	if opts.Interval < opts.MinInterval || opts.Interval > opts.MaxInterval {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrIntervalOutOfBounds, opts.Interval, opts.MinInterval, opts.MaxInterval)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Monitor{
		src:         opts.Source,
		eval:        opts.Evaluator,
		history:     opts.History,
		alerts:      opts.Alerts,
		stations:    opts.Stations,
		logger:      opts.Logger,
		minInterval: opts.MinInterval,
		maxInterval: opts.MaxInterval,
		active:      opts.Active,
		interval:    opts.Interval,
		reset:       make(chan time.Duration, 1),
	}
	if opts.Line != "" || opts.Station != "" {
		if err := m.SetStation(opts.Line, opts.Station); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddListener registers a tick listener. Listeners run in registration order.
func (m *Monitor) AddListener(l Listener) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// History returns the reading buffer
func (m *Monitor) History() *history.Buffer { return m.history }

// Alerts returns the alert log
func (m *Monitor) Alerts() *history.AlertLog { return m.alerts }

// Thresholds returns the thresholds the evaluator scores against
func (m *Monitor) Thresholds() models.Thresholds { return m.eval.Thresholds() }

// Stations returns the line/station directory, nil when unrestricted
func (m *Monitor) Stations() map[string][]string {
	if m.stations == nil {
		return nil
	}
	out := make(map[string][]string, len(m.stations))
	for line, stations := range m.stations {
		out[line] = append([]string(nil), stations...)
	}
	return out
}

// SourceName returns the name of the reading source
func (m *Monitor) SourceName() string { return m.src.Name() }

// Run ticks at the configured interval until ctx is cancelled.
// Ticks are skipped while monitoring is paused.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval())
	defer ticker.Stop()

	m.logger.Info("Monitor loop started",
		slog.String("source", m.src.Name()),
		slog.Duration("interval", m.Interval()),
		slog.Bool("active", m.Active()),
	)

	// Tick immediately on start
	if m.Active() {
		m.Tick(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor loop stopping")
			return
		case d := <-m.reset:
			ticker.Reset(d)
		case <-ticker.C:
			if !m.Active() {
				continue
			}
			m.Tick(ctx)
		}
	}
}

// Tick takes one reading, evaluates it, updates state and notifies listeners.
// Only the work after the source returns is serialized.
func (m *Monitor) Tick(ctx context.Context) (evaluator.Result, error) {
	start := time.Now()

	// Next may block until the feed delivers
	m.setWaiting(1)
	r, err := m.src.Next(ctx)
	m.setWaiting(-1)

	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if err != nil {
		if errors.Is(err, source.ErrExhausted) {
			m.SetActive(false)
			m.logger.Info("Source exhausted, monitoring paused", slog.String("source", m.src.Name()))
		}
		return evaluator.Result{}, m.fail(ctx, err)
	}

	line, station := r.Line(), r.Station()
	if line == "" && station == "" {
		line, station = m.Location()
		r = r.WithLocation(line, station)
	}

	res, err := m.eval.Evaluate(r)
	if err != nil {
		return evaluator.Result{}, m.fail(ctx, err)
	}

	m.history.Append(res.Reading)
	m.alerts.Prepend(res.Alerts...)

	m.mu.Lock()
	m.latest = &res
	m.ticks++
	seq := m.ticks
	m.lastTick = time.Now()
	m.lastError = nil
	m.mu.Unlock()

	ctx = logging.WithTick(logging.WithStation(ctx, station), seq)
	ctx = context.WithValue(ctx, tickStartKey{}, start)
	for _, a := range res.Alerts {
		logging.LogAlert(ctx, m.logger, string(a.Severity), string(a.Metric), a.Value, a.Message)
	}

	for _, l := range m.listeners {
		l.OnTick(ctx, res)
	}

	logging.LogTick(ctx, m.logger, seq, res.Score, len(res.Alerts), time.Since(start).Milliseconds())
	return res, nil
}

type tickStartKey struct{}

// TickStarted returns when the tick being delivered to a listener began
func TickStarted(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(tickStartKey{}).(time.Time)
	return t, ok
}

func (m *Monitor) setWaiting(delta int) {
	m.mu.Lock()
	m.waiting += delta
	m.mu.Unlock()
}

func (m *Monitor) fail(ctx context.Context, err error) error {
	m.mu.Lock()
	m.failures++
	m.lastError = err
	m.mu.Unlock()

	if !errors.Is(err, context.Canceled) {
		logging.LogTickError(ctx, m.logger, m.src.Name(), err)
	}
	for _, l := range m.listeners {
		if el, ok := l.(ErrorListener); ok {
			el.OnTickError(ctx, err)
		}
	}
	return err
}

// Active reports whether the loop is ticking
func (m *Monitor) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive pauses or resumes the loop
func (m *Monitor) SetActive(active bool) {
	m.mu.Lock()
	changed := m.active != active
	m.active = active
	m.mu.Unlock()

	if changed {
		m.logger.Info("Monitoring state changed", slog.Bool("active", active))
	}
}

// Interval returns the tick interval
func (m *Monitor) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interval
}

// SetInterval changes the tick interval. The running loop picks it up
// without waiting for the old interval to elapse.
func (m *Monitor) SetInterval(d time.Duration) error {
	if d < m.minInterval || d > m.maxInterval {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrIntervalOutOfBounds, d, m.minInterval, m.maxInterval)
	}

	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()

	// Keep only the newest pending reset
	select {
	case <-m.reset:
	default:
	}
	select {
	case m.reset <- d:
	default:
	}

	m.logger.Info("Monitoring interval changed", slog.Duration("interval", d))
	return nil
}

// Location returns the metro line and station readings are tagged with
func (m *Monitor) Location() (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.line, m.station
}

// SetStation selects the line and station subsequent readings are tagged
// with. Readings that arrive already tagged keep their own location.
func (m *Monitor) SetStation(line, station string) error {
	if m.stations != nil && !hasStation(m.stations, line, station) {
		return fmt.Errorf("%w: %s / %s", ErrUnknownStation, line, station)
	}

	m.mu.Lock()
	m.line = line
	m.station = station
	m.mu.Unlock()

	m.logger.Info("Monitoring location changed",
		slog.String("line", line),
		slog.String("station", station),
	)
	return nil
}

func hasStation(dir map[string][]string, line, station string) bool {
	for _, s := range dir[line] {
		if s == station {
			return true
		}
	}
	return false
}

// Clear empties the reading history and latest result. The alert log is kept.
func (m *Monitor) Clear() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.history.Clear()
	m.mu.Lock()
	m.latest = nil
	m.mu.Unlock()

	m.logger.Info("Reading history cleared")
}

// ClearAlerts empties the alert log
func (m *Monitor) ClearAlerts() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	m.alerts.Clear()
	m.logger.Info("Alert log cleared")
}

// Snapshot returns a copy of the monitoring state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	s := Snapshot{
		Active:      m.active,
		Interval:    m.interval,
		MinInterval: m.minInterval,
		MaxInterval: m.maxInterval,
		Line:        m.line,
		Station:     m.station,
		Ticks:       m.ticks,
		Failures:    m.failures,
		LastTick:    m.lastTick,
		LastError:   m.lastError,
		Waiting:     m.waiting > 0,
	}
	if m.latest != nil {
		latest := *m.latest
		s.Latest = &latest
	}
	m.mu.RUnlock()

	s.Readings = m.history.Len()
	s.AlertCount = m.alerts.Len()
	return s
}
