package models

import (
	"fmt"
	"math"
)

// ThresholdSpec holds the operating range and alert levels for one metric
type ThresholdSpec struct {
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Warning float64 `yaml:"warning" json:"warning"`
	Danger  float64 `yaml:"danger" json:"danger"`
	Unit    string  `yaml:"unit" json:"unit"`
}

// Validate checks that every bound is finite and the range and alert
// levels are ordered
func (t ThresholdSpec) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{{"min", t.Min}, {"max", t.Max}, {"warning", t.Warning}, {"danger", t.Danger}} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s (%v) must be a finite number", f.name, f.v)
		}
	}
	if t.Min >= t.Max {
		return fmt.Errorf("min (%v) must be less than max (%v)", t.Min, t.Max)
	}
	if t.Warning >= t.Danger {
		return fmt.Errorf("warning (%v) must be less than danger (%v)", t.Warning, t.Danger)
	}
	return nil
}

// InRange reports whether v lies within [Min, Max]
func (t ThresholdSpec) InRange(v float64) bool {
	return v >= t.Min && v <= t.Max
}

// Clamp limits v to [Min, Max]
func (t ThresholdSpec) Clamp(v float64) float64 {
	if v < t.Min {
		return t.Min
	}
	if v > t.Max {
		return t.Max
	}
	return v
}

// Thresholds maps every metric to its spec
type Thresholds map[MetricKind]ThresholdSpec

// DefaultThresholds returns the stock track sensor thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Acoustic:    {Min: 40, Max: 90, Warning: 65, Danger: 75, Unit: "dB"},
		Vibration:   {Min: 0, Max: 1, Warning: 0.5, Danger: 0.7, Unit: "g"},
		Temperature: {Min: 20, Max: 35, Warning: 28, Danger: 30, Unit: "°C"},
		Humidity:    {Min: 30, Max: 90, Warning: 65, Danger: 75, Unit: "%"},
	}
}

// Validate checks that all metrics are present and individually valid
func (t Thresholds) Validate() error {
	for _, k := range AllKinds {
		spec, ok := t[k]
		if !ok {
			return fmt.Errorf("missing thresholds for %s", k)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	for k := range t {
		if !k.Valid() {
			return fmt.Errorf("unknown metric %q", k)
		}
	}
	return nil
}

// Copy returns an independent copy
func (t Thresholds) Copy() Thresholds {
	out := make(Thresholds, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
