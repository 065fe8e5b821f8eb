package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the overall health status
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Component names
const (
	ComponentMonitor  = "monitor"
	ComponentSource   = "source"
	ComponentStorage  = "storage"
	ComponentNotifier = "notifier"
	ComponentHost     = "host"
)

// ComponentStatus represents the health of a single component
type ComponentStatus struct {
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthReport represents the complete health status of the system
type HealthReport struct {
	Status     Status                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components"`
	Uptime     float64                    `json:"uptime_seconds"`
}

// Checker is the main health monitoring service
type Checker struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	startTime  time.Time
	thresholds Thresholds
}

// Thresholds defines health status thresholds
type Thresholds struct {
	// A tick older than this while monitoring is active degrades the monitor
	TickStaleAfter time.Duration `json:"tick_stale_after"`

	// A write older than this while monitoring is active degrades storage
	WriteStaleAfter time.Duration `json:"write_stale_after"`

	WALDegradedBytes int64 `json:"wal_degraded_bytes"`

	MemoryDegradedPercent float64 `json:"memory_degraded_percent"`
	DiskDegradedPercent   float64 `json:"disk_degraded_percent"`
}

// DefaultThresholds assumes the default 1s tick interval
func DefaultThresholds() Thresholds {
	return ThresholdsFromInterval(time.Second)
}

// ThresholdsFromInterval derives tick staleness from the monitoring interval.
// No completed tick for 3× the interval is considered stale.
func ThresholdsFromInterval(interval time.Duration) Thresholds {
	if interval < time.Second {
		interval = time.Second
	}
	return Thresholds{
		TickStaleAfter:        3 * interval,
		WriteStaleAfter:       3 * interval,
		WALDegradedBytes:      64 * 1024 * 1024,
		MemoryDegradedPercent: 90,
		DiskDegradedPercent:   90,
	}
}

// NewChecker creates a new health checker
func NewChecker(thresholds Thresholds) *Checker {
	return &Checker{
		components: make(map[string]ComponentStatus),
		startTime:  time.Now(),
		thresholds: thresholds,
	}
}

// SetThresholds replaces the thresholds, e.g. after the tick interval changes
func (c *Checker) SetThresholds(t Thresholds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thresholds = t
}

// Thresholds returns the current thresholds
func (c *Checker) Thresholds() Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thresholds
}

// UpdateComponent updates the status of a specific component
func (c *Checker) UpdateComponent(name string, status ComponentStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status.Timestamp = time.Now()
	c.components[name] = status
}

// MonitorState is what the checker needs to know about the tick loop
type MonitorState struct {
	Active   bool
	Interval time.Duration
	LastTick time.Time
	Ticks    uint64
	Failures uint64
}

// UpdateMonitorStatus marks the monitor degraded when active but not ticking
func (c *Checker) UpdateMonitorStatus(s MonitorState) {
	th := c.Thresholds()

	status := ComponentStatus{
		Details: map[string]interface{}{
			"active":           s.Active,
			"interval_seconds": s.Interval.Seconds(),
			"ticks":            s.Ticks,
			"failures":         s.Failures,
		},
	}
	if !s.LastTick.IsZero() {
		status.Details["last_tick"] = s.LastTick.Format(time.RFC3339)
	}

	switch {
	case !s.Active:
		status.Status = StatusOK
		status.Message = "monitoring paused"
	case s.LastTick.IsZero() && time.Since(c.startTime) > th.TickStaleAfter:
		status.Status = StatusDegraded
		status.Message = "no tick completed since start"
	case !s.LastTick.IsZero() && time.Since(s.LastTick) > th.TickStaleAfter:
		status.Status = StatusDegraded
		status.Message = "no tick within 3× interval"
	default:
		status.Status = StatusOK
		status.Message = "monitoring"
	}

	c.UpdateComponent(ComponentMonitor, status)
}

// UpdateSourceStatus reports the reading source. lastErr is the error of the
// most recent tick, nil if it succeeded.
func (c *Checker) UpdateSourceStatus(name string, lastErr error, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["source"] = name

	status := ComponentStatus{Details: details}
	if lastErr != nil {
		status.Status = StatusError
		status.Message = lastErr.Error()
	} else {
		status.Status = StatusOK
		status.Message = "producing readings"
	}

	c.UpdateComponent(ComponentSource, status)
}

// StorageState is what the checker needs to know about persistence
type StorageState struct {
	DBSize    int64
	WALSize   int64
	Readings  int64
	LastWrite time.Time
	WriteErr  error
	Active    bool // whether ticks are expected to be written
}

// UpdateStorageStatus updates the health status of storage
func (c *Checker) UpdateStorageStatus(s StorageState) {
	th := c.Thresholds()

	status := ComponentStatus{
		Status:  StatusOK,
		Message: "storage operational",
		Details: map[string]interface{}{
			"database_size_bytes": s.DBSize,
			"wal_size_bytes":      s.WALSize,
			"readings":            s.Readings,
		},
	}
	if !s.LastWrite.IsZero() {
		status.Details["last_write"] = s.LastWrite.Format(time.RFC3339)
	}

	switch {
	case s.WriteErr != nil:
		status.Status = StatusError
		status.Message = s.WriteErr.Error()
	case s.WALSize > th.WALDegradedBytes:
		status.Status = StatusDegraded
		status.Message = "WAL size exceeds threshold"
	case s.Active && !s.LastWrite.IsZero() && time.Since(s.LastWrite) > th.WriteStaleAfter:
		status.Status = StatusDegraded
		status.Message = "no write within 3× interval"
	}

	c.UpdateComponent(ComponentStorage, status)
}

// NotifierState is what the checker needs to know about alert delivery
type NotifierState struct {
	Notifiers   int
	Queued      int
	Dropped     uint64
	Delivered   uint64
	Failed      uint64
	LastError   string
	LastErrorAt time.Time
	LastSuccess time.Time
}

// UpdateNotifierStatus degrades when the most recent delivery failed
func (c *Checker) UpdateNotifierStatus(s NotifierState) {
	status := ComponentStatus{
		Status:  StatusOK,
		Message: "delivering alerts",
		Details: map[string]interface{}{
			"notifiers": s.Notifiers,
			"queued":    s.Queued,
			"dropped":   s.Dropped,
			"delivered": s.Delivered,
			"failed":    s.Failed,
		},
	}

	if s.LastError != "" && s.LastErrorAt.After(s.LastSuccess) {
		status.Status = StatusDegraded
		status.Message = s.LastError
	}

	c.UpdateComponent(ComponentNotifier, status)
}

// HostState is one host resource sample
type HostState struct {
	MemUsedPercent  float64
	CPUPercent      float64
	DiskUsedPercent float64
}

// UpdateHostStatus degrades when memory or disk usage crosses its threshold
func (c *Checker) UpdateHostStatus(s HostState, err error) {
	th := c.Thresholds()

	status := ComponentStatus{
		Status:  StatusOK,
		Message: "host resources nominal",
		Details: map[string]interface{}{
			"memory_used_percent": s.MemUsedPercent,
			"cpu_percent":         s.CPUPercent,
			"disk_used_percent":   s.DiskUsedPercent,
		},
	}

	switch {
	case err != nil:
		// Unreadable host stats only degrade
		status.Status = StatusDegraded
		status.Message = err.Error()
	case s.MemUsedPercent > th.MemoryDegradedPercent:
		status.Status = StatusDegraded
		status.Message = "memory usage exceeds threshold"
	case s.DiskUsedPercent > th.DiskDegradedPercent:
		status.Status = StatusDegraded
		status.Message = "disk usage exceeds threshold"
	}

	c.UpdateComponent(ComponentHost, status)
}

// GetReport generates a complete health report
func (c *Checker) GetReport() HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := make(map[string]ComponentStatus, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}

	return HealthReport{
		Status:     calculateOverallStatus(components),
		Timestamp:  time.Now(),
		Components: components,
		Uptime:     time.Since(c.startTime).Seconds(),
	}
}

// calculateOverallStatus: an error in source or storage fails the service,
// anything else only degrades it
func calculateOverallStatus(components map[string]ComponentStatus) Status {
	overall := StatusOK
	for name, component := range components {
		switch component.Status {
		case StatusError:
			if name == ComponentSource || name == ComponentStorage {
				return StatusError
			}
			overall = StatusDegraded
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// HTTPHandler creates an HTTP handler for the health endpoint
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.GetReport()

		w.Header().Set("Content-Type", "application/json")

		switch report.Status {
		case StatusOK, StatusDegraded:
			w.WriteHeader(http.StatusOK) // Still 200 for degraded
		case StatusError:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler returns a simple liveness probe (always returns 200 if process is running)
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe (200 only if status is OK)
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.GetReport()

		w.Header().Set("Content-Type", "application/json")

		if report.Status == StatusOK {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
			})
			return
		}

		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "not_ready",
			"message":        "system is not in OK state",
			"current_status": string(report.Status),
		})
	}
}
