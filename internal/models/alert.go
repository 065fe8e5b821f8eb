package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity is the alert tier
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so they can be compared (warning < critical)
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// ParseSeverity converts a config string to a Severity
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityWarning, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Alert is a derived notification of a threshold breach.
// Alerts are created once per breach and never modified.
type Alert struct {
	ID        string     `json:"id"`
	Timestamp time.Time  `json:"timestamp"`
	Severity  Severity   `json:"severity"`
	Metric    MetricKind `json:"metric"`
	Value     float64    `json:"value"`
	Unit      string     `json:"unit"`
	Message   string     `json:"message"`
}

// NewAlert builds an alert with the standard message for its severity
func NewAlert(ts time.Time, severity Severity, metric MetricKind, value float64, unit string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Severity:  severity,
		Metric:    metric,
		Value:     value,
		Unit:      unit,
		Message:   AlertMessage(severity, metric, value, unit),
	}
}

// AlertMessage formats the human-readable alert text
func AlertMessage(severity Severity, metric MetricKind, value float64, unit string) string {
	if severity == SeverityCritical {
		return fmt.Sprintf("High %s level detected: %.1f %s", metric, value, unit)
	}
	return fmt.Sprintf("Elevated %s level: %.1f %s", metric, value, unit)
}

// AlertSummary counts alerts by severity
type AlertSummary struct {
	Total    int `json:"total"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// Summarize builds an AlertSummary from a list of alerts
func Summarize(alerts []Alert) AlertSummary {
	var s AlertSummary
	for _, a := range alerts {
		s.Total++
		switch a.Severity {
		case SeverityWarning:
			s.Warning++
		case SeverityCritical:
			s.Critical++
		}
	}
	return s
}
