package health

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewChecker(t *testing.T) {
	thresholds := DefaultThresholds()
	checker := NewChecker(thresholds)

	if checker == nil {
		t.Fatal("NewChecker returned nil")
	}

	if len(checker.components) != 0 {
		t.Errorf("Expected 0 components, got %d", len(checker.components))
	}

	if checker.thresholds != thresholds {
		t.Error("Thresholds not set correctly")
	}
}

func TestUpdateComponent(t *testing.T) {
	checker := NewChecker(DefaultThresholds())

	checker.UpdateComponent("test-component", ComponentStatus{
		Status:  StatusOK,
		Message: "test message",
		Details: map[string]interface{}{
			"key": "value",
		},
	})

	report := checker.GetReport()
	component, exists := report.Components["test-component"]
	if !exists {
		t.Fatal("Component not found in report")
	}
	if component.Status != StatusOK {
		t.Errorf("Expected status OK, got %s", component.Status)
	}
	if component.Message != "test message" {
		t.Errorf("Expected message 'test message', got %s", component.Message)
	}
	if component.Details["key"] != "value" {
		t.Errorf("Expected detail key='value', got %v", component.Details["key"])
	}
	if component.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestThresholdsFromInterval(t *testing.T) {
	tests := []struct {
		interval  time.Duration
		wantStale time.Duration
	}{
		{time.Second, 3 * time.Second},
		{5 * time.Second, 15 * time.Second},
		{10 * time.Second, 30 * time.Second},
		{200 * time.Millisecond, 3 * time.Second}, // Sub-second intervals floor at 1s
	}

	for _, tt := range tests {
		th := ThresholdsFromInterval(tt.interval)
		if th.TickStaleAfter != tt.wantStale {
			t.Errorf("ThresholdsFromInterval(%s).TickStaleAfter = %s, want %s", tt.interval, th.TickStaleAfter, tt.wantStale)
		}
		if th.MemoryDegradedPercent != 90 {
			t.Errorf("MemoryDegradedPercent = %v, want 90", th.MemoryDegradedPercent)
		}
	}
}

func TestUpdateMonitorStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		state          MonitorState
		expectedStatus Status
		expectedMsg    string
	}{
		{
			name:           "recent tick",
			state:          MonitorState{Active: true, Interval: time.Second, LastTick: now, Ticks: 10},
			expectedStatus: StatusOK,
			expectedMsg:    "monitoring",
		},
		{
			name:           "stale tick while active",
			state:          MonitorState{Active: true, Interval: time.Second, LastTick: now.Add(-4 * time.Second)},
			expectedStatus: StatusDegraded,
			expectedMsg:    "no tick within 3× interval",
		},
		{
			name:           "stale tick while paused",
			state:          MonitorState{Active: false, Interval: time.Second, LastTick: now.Add(-time.Hour)},
			expectedStatus: StatusOK,
			expectedMsg:    "monitoring paused",
		},
		{
			name:           "just started, no tick yet",
			state:          MonitorState{Active: true, Interval: time.Second},
			expectedStatus: StatusOK,
			expectedMsg:    "monitoring",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(DefaultThresholds())
			checker.UpdateMonitorStatus(tt.state)

			component := checker.GetReport().Components[ComponentMonitor]
			if component.Status != tt.expectedStatus {
				t.Errorf("Expected status %s, got %s", tt.expectedStatus, component.Status)
			}
			if component.Message != tt.expectedMsg {
				t.Errorf("Expected message %q, got %q", tt.expectedMsg, component.Message)
			}
		})
	}
}

func TestUpdateMonitorStatus_NeverTicked(t *testing.T) {
	checker := NewChecker(DefaultThresholds())
	checker.startTime = time.Now().Add(-time.Minute)

	checker.UpdateMonitorStatus(MonitorState{Active: true, Interval: time.Second})

	component := checker.GetReport().Components[ComponentMonitor]
	if component.Status != StatusDegraded {
		t.Errorf("Expected degraded, got %s", component.Status)
	}
}

func TestUpdateSourceStatus(t *testing.T) {
	checker := NewChecker(DefaultThresholds())

	checker.UpdateSourceStatus("mqtt", nil, map[string]interface{}{"dropped": uint64(2)})
	component := checker.GetReport().Components[ComponentSource]
	if component.Status != StatusOK || component.Details["source"] != "mqtt" {
		t.Errorf("Unexpected component %+v", component)
	}

	checker.UpdateSourceStatus("mqtt", errors.New("broker unreachable"), nil)
	component = checker.GetReport().Components[ComponentSource]
	if component.Status != StatusError || component.Message != "broker unreachable" {
		t.Errorf("Unexpected component %+v", component)
	}
}

func TestUpdateStorageStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		state          StorageState
		expectedStatus Status
	}{
		{
			name:           "healthy",
			state:          StorageState{DBSize: 1024, WALSize: 1024, LastWrite: now, Active: true},
			expectedStatus: StatusOK,
		},
		{
			name:           "write failed",
			state:          StorageState{LastWrite: now, WriteErr: errors.New("disk I/O error"), Active: true},
			expectedStatus: StatusError,
		},
		{
			name:           "large WAL",
			state:          StorageState{WALSize: 65 * 1024 * 1024, LastWrite: now},
			expectedStatus: StatusDegraded,
		},
		{
			name:           "stale write while active",
			state:          StorageState{LastWrite: now.Add(-time.Minute), Active: true},
			expectedStatus: StatusDegraded,
		},
		{
			name:           "stale write while paused",
			state:          StorageState{LastWrite: now.Add(-time.Minute), Active: false},
			expectedStatus: StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(DefaultThresholds())
			checker.UpdateStorageStatus(tt.state)

			component := checker.GetReport().Components[ComponentStorage]
			if component.Status != tt.expectedStatus {
				t.Errorf("Expected status %s, got %s (%s)", tt.expectedStatus, component.Status, component.Message)
			}
			if component.Details["wal_size_bytes"] != tt.state.WALSize {
				t.Errorf("Expected wal_size_bytes=%d, got %v", tt.state.WALSize, component.Details["wal_size_bytes"])
			}
		})
	}
}

func TestUpdateNotifierStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		state          NotifierState
		expectedStatus Status
	}{
		{
			name:           "no deliveries yet",
			state:          NotifierState{Notifiers: 2},
			expectedStatus: StatusOK,
		},
		{
			name:           "last delivery failed",
			state:          NotifierState{Failed: 1, LastError: "sns: throttled", LastErrorAt: now, LastSuccess: now.Add(-time.Minute)},
			expectedStatus: StatusDegraded,
		},
		{
			name:           "recovered after failure",
			state:          NotifierState{Failed: 1, LastError: "sns: throttled", LastErrorAt: now.Add(-time.Minute), LastSuccess: now},
			expectedStatus: StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(DefaultThresholds())
			checker.UpdateNotifierStatus(tt.state)

			if got := checker.GetReport().Components[ComponentNotifier].Status; got != tt.expectedStatus {
				t.Errorf("Expected status %s, got %s", tt.expectedStatus, got)
			}
		})
	}
}

func TestUpdateHostStatus(t *testing.T) {
	tests := []struct {
		name           string
		state          HostState
		err            error
		expectedStatus Status
	}{
		{"nominal", HostState{MemUsedPercent: 40, DiskUsedPercent: 50}, nil, StatusOK},
		{"memory pressure", HostState{MemUsedPercent: 91}, nil, StatusDegraded},
		{"memory at threshold", HostState{MemUsedPercent: 90}, nil, StatusOK},
		{"disk nearly full", HostState{MemUsedPercent: 40, DiskUsedPercent: 95}, nil, StatusDegraded},
		{"unreadable", HostState{}, errors.New("no /proc"), StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(DefaultThresholds())
			checker.UpdateHostStatus(tt.state, tt.err)

			if got := checker.GetReport().Components[ComponentHost].Status; got != tt.expectedStatus {
				t.Errorf("Expected status %s, got %s", tt.expectedStatus, got)
			}
		})
	}
}

func TestCalculateOverallStatus(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name           string
		setupFunc      func(*Checker)
		expectedStatus Status
	}{
		{
			name: "ok - all components ok",
			setupFunc: func(c *Checker) {
				c.UpdateMonitorStatus(MonitorState{Active: true, Interval: time.Second, LastTick: now})
				c.UpdateSourceStatus("simulated", nil, nil)
				c.UpdateStorageStatus(StorageState{DBSize: 1024, LastWrite: now, Active: true})
				c.UpdateNotifierStatus(NotifierState{})
				c.UpdateHostStatus(HostState{MemUsedPercent: 30}, nil)
			},
			expectedStatus: StatusOK,
		},
		{
			name:           "ok - no components",
			setupFunc:      func(c *Checker) {},
			expectedStatus: StatusOK,
		},
		{
			name: "degraded - host memory pressure",
			setupFunc: func(c *Checker) {
				c.UpdateSourceStatus("simulated", nil, nil)
				c.UpdateHostStatus(HostState{MemUsedPercent: 95}, nil)
			},
			expectedStatus: StatusDegraded,
		},
		{
			name: "degraded - notifier error component",
			setupFunc: func(c *Checker) {
				c.UpdateSourceStatus("simulated", nil, nil)
				c.UpdateComponent(ComponentNotifier, ComponentStatus{Status: StatusError})
			},
			expectedStatus: StatusDegraded,
		},
		{
			name: "error - source failing",
			setupFunc: func(c *Checker) {
				c.UpdateSourceStatus("mqtt", errors.New("not connected"), nil)
				c.UpdateHostStatus(HostState{MemUsedPercent: 30}, nil)
			},
			expectedStatus: StatusError,
		},
		{
			name: "error - storage write failing",
			setupFunc: func(c *Checker) {
				c.UpdateSourceStatus("simulated", nil, nil)
				c.UpdateStorageStatus(StorageState{WriteErr: errors.New("database is locked")})
			},
			expectedStatus: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(DefaultThresholds())
			tt.setupFunc(checker)

			report := checker.GetReport()
			if report.Status != tt.expectedStatus {
				t.Errorf("Expected overall status %s, got %s", tt.expectedStatus, report.Status)
				t.Logf("Components: %+v", report.Components)
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		setupFunc          func(*Checker)
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name: "ok status returns 200",
			setupFunc: func(c *Checker) {
				c.UpdateSourceStatus("simulated", nil, nil)
			},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     StatusOK,
		},
		{
			name: "degraded status returns 200",
			setupFunc: func(c *Checker) {
				c.UpdateHostStatus(HostState{MemUsedPercent: 99}, nil)
			},
			expectedStatusCode: http.StatusOK,
			expectedStatus:     StatusDegraded,
		},
		{
			name: "error status returns 503",
			setupFunc: func(c *Checker) {
				c.UpdateSourceStatus("replay", errors.New("failed to read replay page"), nil)
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(DefaultThresholds())
			tt.setupFunc(checker)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()

			checker.HTTPHandler()(w, req)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatusCode {
				t.Errorf("Expected status code %d, got %d", tt.expectedStatusCode, resp.StatusCode)
			}
			if resp.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", resp.Header.Get("Content-Type"))
			}

			var report HealthReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if report.Status != tt.expectedStatus {
				t.Errorf("Expected status %s, got %s", tt.expectedStatus, report.Status)
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	// Liveness always returns 200, regardless of health status
	checker := NewChecker(DefaultThresholds())
	checker.UpdateSourceStatus("mqtt", errors.New("not connected"), nil)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	w := httptest.NewRecorder()
	checker.LivenessHandler()(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status code 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "alive") {
		t.Error("Response should contain 'alive'")
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name               string
		setupFunc          func(*Checker)
		expectedStatusCode int
	}{
		{
			name: "ready - ok status",
			setupFunc: func(c *Checker) {
				c.UpdateSourceStatus("simulated", nil, nil)
			},
			expectedStatusCode: http.StatusOK,
		},
		{
			name: "not ready - degraded status",
			setupFunc: func(c *Checker) {
				c.UpdateHostStatus(HostState{}, errors.New("no /proc"))
			},
			expectedStatusCode: http.StatusServiceUnavailable,
		},
		{
			name: "not ready - error status",
			setupFunc: func(c *Checker) {
				c.UpdateStorageStatus(StorageState{WriteErr: errors.New("disk full")})
			},
			expectedStatusCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(DefaultThresholds())
			tt.setupFunc(checker)

			req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
			w := httptest.NewRecorder()
			checker.ReadinessHandler()(w, req)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatusCode {
				t.Errorf("Expected status code %d, got %d", tt.expectedStatusCode, resp.StatusCode)
			}

			var response map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}

			want := "ready"
			if tt.expectedStatusCode != http.StatusOK {
				want = "not_ready"
			}
			if response["status"] != want {
				t.Errorf("Expected status %q, got %v", want, response["status"])
			}
		})
	}
}

func TestSetThresholds(t *testing.T) {
	checker := NewChecker(DefaultThresholds())
	checker.SetThresholds(ThresholdsFromInterval(10 * time.Second))

	// 20s without a tick is fine at a 10s interval
	checker.UpdateMonitorStatus(MonitorState{Active: true, Interval: 10 * time.Second, LastTick: time.Now().Add(-20 * time.Second)})
	if got := checker.GetReport().Components[ComponentMonitor].Status; got != StatusOK {
		t.Errorf("Expected ok after widening thresholds, got %s", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	checker := NewChecker(DefaultThresholds())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 100; j++ {
				checker.UpdateMonitorStatus(MonitorState{Active: true, Interval: time.Second, LastTick: time.Now(), Ticks: uint64(id*100 + j)})
				_ = checker.GetReport()
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	if checker.GetReport().Status == "" {
		t.Error("Report status is empty after concurrent access")
	}
}

func TestJSONSerialization(t *testing.T) {
	checker := NewChecker(DefaultThresholds())
	checker.UpdateStorageStatus(StorageState{DBSize: 2048, WALSize: 512, Readings: 10})

	data, err := json.Marshal(checker.GetReport())
	if err != nil {
		t.Fatalf("Failed to marshal report: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal report: %v", err)
	}
	if _, ok := decoded["uptime_seconds"].(float64); !ok {
		t.Errorf("uptime_seconds should be numeric, got %T", decoded["uptime_seconds"])
	}
	components, ok := decoded["components"].(map[string]interface{})
	if !ok || components[ComponentStorage] == nil {
		t.Errorf("storage component missing: %s", data)
	}
}
