package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPartialReading is returned when a reading lacks one or more metrics
var ErrPartialReading = errors.New("reading must carry a value for every metric")

// Reading is one synchronized sample across all metrics.
// Values are copied on construction and on access, so a Reading never changes.
type Reading struct {
	timestamp time.Time
	values    map[MetricKind]float64
	line      string
	station   string
}

// NewReading creates a reading from a complete set of metric values
func NewReading(ts time.Time, values map[MetricKind]float64) (*Reading, error) {
	for _, k := range AllKinds {
		if _, ok := values[k]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrPartialReading, k)
		}
	}
	for k := range values {
		if !k.Valid() {
			return nil, fmt.Errorf("unknown metric %q", k)
		}
	}

	copied := make(map[MetricKind]float64, len(AllKinds))
	for _, k := range AllKinds {
		copied[k] = values[k]
	}

	return &Reading{timestamp: ts, values: copied}, nil
}

// WithLocation returns a copy tagged with the metro line and station
func (r *Reading) WithLocation(line, station string) *Reading {
	out := *r
	out.line = line
	out.station = station
	return &out
}

// Timestamp returns when the reading was taken
func (r *Reading) Timestamp() time.Time {
	return r.timestamp
}

// Value returns the value for a metric
func (r *Reading) Value(k MetricKind) float64 {
	return r.values[k]
}

// Values returns a copy of all metric values
func (r *Reading) Values() map[MetricKind]float64 {
	out := make(map[MetricKind]float64, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Line returns the metro line the reading was taken on
func (r *Reading) Line() string { return r.line }

// Station returns the station the reading was taken at
func (r *Reading) Station() string { return r.station }

// ReadingJSON is the wire form of a Reading
type ReadingJSON struct {
	Timestamp   time.Time `json:"timestamp"`
	Line        string    `json:"line,omitempty"`
	Station     string    `json:"station,omitempty"`
	Acoustic    float64   `json:"acoustic"`
	Vibration   float64   `json:"vibration"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// MarshalJSON encodes the reading with one field per metric
func (r *Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToJSON())
}

// ToJSON converts the reading to its wire form
func (r *Reading) ToJSON() ReadingJSON {
	return ReadingJSON{
		Timestamp:   r.timestamp,
		Line:        r.line,
		Station:     r.station,
		Acoustic:    r.values[Acoustic],
		Vibration:   r.values[Vibration],
		Temperature: r.values[Temperature],
		Humidity:    r.values[Humidity],
	}
}
