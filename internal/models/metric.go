package models

import "fmt"

// MetricKind identifies one of the monitored track sensor channels
type MetricKind string

const (
	Acoustic    MetricKind = "acoustic"
	Vibration   MetricKind = "vibration"
	Temperature MetricKind = "temperature"
	Humidity    MetricKind = "humidity"
)

// AllKinds lists every metric in the fixed evaluation order.
// Alerts for a single tick are always produced in this order.
var AllKinds = []MetricKind{Acoustic, Vibration, Temperature, Humidity}

// Valid reports whether k is a known metric kind
func (k MetricKind) Valid() bool {
	switch k {
	case Acoustic, Vibration, Temperature, Humidity:
		return true
	}
	return false
}

// ParseMetricKind converts a name (e.g., "acoustic") to a MetricKind
func ParseMetricKind(name string) (MetricKind, error) {
	k := MetricKind(name)
	if !k.Valid() {
		return "", fmt.Errorf("unknown metric %q", name)
	}
	return k, nil
}

// Status is the per-metric classification shown on overview cards
type Status string

const (
	StatusGood    Status = "good"
	StatusWarning Status = "warning"
	StatusDanger  Status = "danger"
)
