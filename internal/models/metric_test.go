package models

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func fullValues() map[MetricKind]float64 {
	return map[MetricKind]float64{
		Acoustic:    80,
		Vibration:   0.2,
		Temperature: 25,
		Humidity:    60,
	}
}

func TestParseMetricKind(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseMetricKind(string(k))
		if err != nil {
			t.Fatalf("ParseMetricKind(%q) failed: %v", k, err)
		}
		if got != k {
			t.Errorf("Expected %s, got %s", k, got)
		}
	}

	if _, err := ParseMetricKind("pressure"); err == nil {
		t.Error("Expected error for unknown metric")
	}
}

func TestAllKindsOrder(t *testing.T) {
	expected := []MetricKind{Acoustic, Vibration, Temperature, Humidity}
	if len(AllKinds) != len(expected) {
		t.Fatalf("Expected %d kinds, got %d", len(expected), len(AllKinds))
	}
	for i, k := range expected {
		if AllKinds[i] != k {
			t.Errorf("AllKinds[%d] = %s, expected %s", i, AllKinds[i], k)
		}
	}
}

func TestNewReading(t *testing.T) {
	ts := time.Date(2025, 10, 11, 12, 0, 0, 0, time.UTC)
	r, err := NewReading(ts, fullValues())
	if err != nil {
		t.Fatalf("NewReading failed: %v", err)
	}

	if !r.Timestamp().Equal(ts) {
		t.Errorf("Expected timestamp %v, got %v", ts, r.Timestamp())
	}
	if r.Value(Acoustic) != 80 {
		t.Errorf("Expected acoustic 80, got %f", r.Value(Acoustic))
	}
	if r.Value(Vibration) != 0.2 {
		t.Errorf("Expected vibration 0.2, got %f", r.Value(Vibration))
	}
}

func TestNewReading_Partial(t *testing.T) {
	values := fullValues()
	delete(values, Humidity)

	_, err := NewReading(time.Now(), values)
	if !errors.Is(err, ErrPartialReading) {
		t.Fatalf("Expected ErrPartialReading, got %v", err)
	}
	if !strings.Contains(err.Error(), "humidity") {
		t.Errorf("Expected error to name the missing metric, got %q", err.Error())
	}
}

func TestNewReading_UnknownMetric(t *testing.T) {
	values := fullValues()
	values["pressure"] = 1

	if _, err := NewReading(time.Now(), values); err == nil {
		t.Fatal("Expected error for unknown metric")
	}
}

func TestReading_Immutable(t *testing.T) {
	values := fullValues()
	r, err := NewReading(time.Now(), values)
	if err != nil {
		t.Fatalf("NewReading failed: %v", err)
	}

	// Mutating the input map must not leak into the reading
	values[Acoustic] = 10
	if r.Value(Acoustic) != 80 {
		t.Errorf("Reading changed after input mutation: %f", r.Value(Acoustic))
	}

	// Mutating the returned map must not leak either
	out := r.Values()
	out[Vibration] = 0.99
	if r.Value(Vibration) != 0.2 {
		t.Errorf("Reading changed after output mutation: %f", r.Value(Vibration))
	}
}

func TestReading_WithLocation(t *testing.T) {
	r, _ := NewReading(time.Now(), fullValues())
	tagged := r.WithLocation("Blue Line", "Rajiv Chowk")

	if tagged.Line() != "Blue Line" || tagged.Station() != "Rajiv Chowk" {
		t.Errorf("Unexpected location %s/%s", tagged.Line(), tagged.Station())
	}
	if r.Line() != "" {
		t.Error("WithLocation modified the original reading")
	}
}

func TestReading_MarshalJSON(t *testing.T) {
	ts := time.Date(2025, 10, 11, 12, 0, 0, 0, time.UTC)
	r, _ := NewReading(ts, fullValues())

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["acoustic"] != 80.0 {
		t.Errorf("Expected acoustic=80, got %v", decoded["acoustic"])
	}
	if _, ok := decoded["line"]; ok {
		t.Error("Expected empty line to be omitted")
	}
}

func TestThresholdSpecValidate(t *testing.T) {
	tests := []struct {
		name        string
		spec        ThresholdSpec
		expectError bool
	}{
		{"valid", ThresholdSpec{Min: 0, Max: 1, Warning: 0.5, Danger: 0.7}, false},
		{"min equals max", ThresholdSpec{Min: 1, Max: 1, Warning: 0.5, Danger: 0.7}, true},
		{"min above max", ThresholdSpec{Min: 2, Max: 1, Warning: 0.5, Danger: 0.7}, true},
		{"warning equals danger", ThresholdSpec{Min: 0, Max: 1, Warning: 0.7, Danger: 0.7}, true},
		{"warning above danger", ThresholdSpec{Min: 0, Max: 1, Warning: 0.8, Danger: 0.7}, true},
		{"NaN warning", ThresholdSpec{Min: 0, Max: 1, Warning: math.NaN(), Danger: 0.7}, true},
		{"NaN min", ThresholdSpec{Min: math.NaN(), Max: 1, Warning: 0.5, Danger: 0.7}, true},
		{"infinite danger", ThresholdSpec{Min: 0, Max: 1, Warning: 0.5, Danger: math.Inf(1)}, true},
		{"infinite min", ThresholdSpec{Min: math.Inf(-1), Max: 1, Warning: 0.5, Danger: 0.7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.expectError && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDefaultThresholdsValid(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("Default thresholds invalid: %v", err)
	}
}

func TestThresholdsValidate_Missing(t *testing.T) {
	th := DefaultThresholds()
	delete(th, Temperature)
	if err := th.Validate(); err == nil {
		t.Fatal("Expected error for missing metric")
	}
}

func TestThresholdSpecClamp(t *testing.T) {
	spec := ThresholdSpec{Min: 40, Max: 90}
	if got := spec.Clamp(30); got != 40 {
		t.Errorf("Clamp(30) = %f, expected 40", got)
	}
	if got := spec.Clamp(95); got != 90 {
		t.Errorf("Clamp(95) = %f, expected 90", got)
	}
	if got := spec.Clamp(55); got != 55 {
		t.Errorf("Clamp(55) = %f, expected 55", got)
	}
}

func TestAlertMessage(t *testing.T) {
	critical := AlertMessage(SeverityCritical, Acoustic, 80, "dB")
	if critical != "High acoustic level detected: 80.0 dB" {
		t.Errorf("Unexpected critical message %q", critical)
	}

	warning := AlertMessage(SeverityWarning, Humidity, 66.44, "%")
	if warning != "Elevated humidity level: 66.4 %" {
		t.Errorf("Unexpected warning message %q", warning)
	}
}

func TestNewAlert(t *testing.T) {
	ts := time.Now()
	a := NewAlert(ts, SeverityCritical, Vibration, 0.75, "g")

	if a.ID == "" {
		t.Error("Expected alert ID to be set")
	}
	if a.Severity != SeverityCritical || a.Metric != Vibration {
		t.Errorf("Unexpected alert %+v", a)
	}
	if a.Message != "High vibration level detected: 0.8 g" {
		t.Errorf("Unexpected message %q", a.Message)
	}

	b := NewAlert(ts, SeverityCritical, Vibration, 0.75, "g")
	if a.ID == b.ID {
		t.Error("Expected unique alert IDs")
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityWarning.Rank() >= SeverityCritical.Rank() {
		t.Error("Expected warning to rank below critical")
	}
	if _, err := ParseSeverity("info"); err == nil {
		t.Error("Expected error for unknown severity")
	}
}

func TestSummarize(t *testing.T) {
	alerts := []Alert{
		{Severity: SeverityWarning},
		{Severity: SeverityCritical},
		{Severity: SeverityCritical},
	}
	s := Summarize(alerts)
	if s.Total != 3 || s.Warning != 1 || s.Critical != 2 {
		t.Errorf("Unexpected summary %+v", s)
	}
}
