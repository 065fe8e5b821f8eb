// Package evaluator turns a Reading into a health score, per-metric statuses
// and threshold alerts.
package evaluator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/taniwha3/trackwatch/internal/models"
)

// ErrOutOfRange is wrapped by OutOfRangeError
var ErrOutOfRange = errors.New("value outside sensor operating range")

// OutOfRangeError reports a value outside [Min, Max] under the reject policy
type OutOfRangeError struct {
	Metric models.MetricKind
	Value  float64
	Min    float64
	Max    float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s value %v outside [%v, %v]", e.Metric, e.Value, e.Min, e.Max)
}

func (e *OutOfRangeError) Unwrap() error {
	return ErrOutOfRange
}

// Policy controls how values outside the operating range are scored
type Policy string

const (
	// PolicyPass scores raw values; the score may leave [0, 100]
	PolicyPass Policy = "pass"
	// PolicyClamp clamps values to the range for scoring only
	PolicyClamp Policy = "clamp"
	// PolicyReject fails the evaluation with *OutOfRangeError
	PolicyReject Policy = "reject"
)

// Mode selects a goodness curve
type Mode string

const (
	// ModeRange is 1 - (v - min)/(max - min)
	ModeRange Mode = "range"
	// ModeFraction is 1 - v
	ModeFraction Mode = "fraction"
	// ModeTarget is 1 - |v - target|/span
	ModeTarget Mode = "target"
)

// Curve maps a raw value to a goodness in [0, 1] for in-range values
type Curve struct {
	Mode   Mode
	Target float64
	Span   float64
}

// Goodness applies the curve to v using the metric's thresholds
func (c Curve) Goodness(spec models.ThresholdSpec, v float64) float64 {
	switch c.Mode {
	case ModeFraction:
		return 1 - v
	case ModeTarget:
		return 1 - math.Abs(v-c.Target)/c.Span
	default:
		return 1 - (v-spec.Min)/(spec.Max-spec.Min)
	}
}

// DefaultCurves returns the stock goodness curves
func DefaultCurves() map[models.MetricKind]Curve {
	return map[models.MetricKind]Curve{
		models.Acoustic:    {Mode: ModeRange},
		models.Vibration:   {Mode: ModeFraction},
		models.Temperature: {Mode: ModeTarget, Target: 25, Span: 15},
		models.Humidity:    {Mode: ModeTarget, Target: 60, Span: 40},
	}
}

// DefaultWeights returns the stock score weights
func DefaultWeights() map[models.MetricKind]float64 {
	return map[models.MetricKind]float64{
		models.Acoustic:    0.30,
		models.Vibration:   0.30,
		models.Temperature: 0.20,
		models.Humidity:    0.20,
	}
}

// Options configures an Evaluator. Zero values take the defaults.
type Options struct {
	Thresholds models.Thresholds
	Weights    map[models.MetricKind]float64
	Curves     map[models.MetricKind]Curve
	Policy     Policy
	Logger     *slog.Logger
}

// Result is the outcome of evaluating one reading
type Result struct {
	Reading  *models.Reading                     `json:"reading"`
	Score    float64                             `json:"score"`
	Goodness map[models.MetricKind]float64       `json:"goodness"`
	Statuses map[models.MetricKind]models.Status `json:"statuses"`
	Alerts   []models.Alert                      `json:"alerts"`
}

// Evaluator scores readings against fixed thresholds.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	thresholds models.Thresholds
	weights    map[models.MetricKind]float64
	curves     map[models.MetricKind]Curve
	policy     Policy
	logger     *slog.Logger
}

// New creates an evaluator, validating thresholds and weights
func New(opts Options) (*Evaluator, error) {
	if opts.Thresholds == nil {
		opts.Thresholds = models.DefaultThresholds()
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	if opts.Weights == nil {
		opts.Weights = DefaultWeights()
	}
	sum := 0.0
	for _, k := range models.AllKinds {
		w, ok := opts.Weights[k]
		if !ok {
			return nil, fmt.Errorf("missing weight for %s", k)
		}
		if w < 0 {
			return nil, fmt.Errorf("weight for %s must be non-negative, got %v", k, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return nil, fmt.Errorf("weights must sum to 1, got %v", sum)
	}

	curves := DefaultCurves()
	for k, c := range opts.Curves {
		if c.Mode == ModeTarget && c.Span <= 0 {
			return nil, fmt.Errorf("goodness span for %s must be positive", k)
		}
		curves[k] = c
	}

	switch opts.Policy {
	case "":
		opts.Policy = PolicyPass
	case PolicyPass, PolicyClamp, PolicyReject:
	default:
		return nil, fmt.Errorf("unknown out-of-range policy %q", opts.Policy)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	weights := make(map[models.MetricKind]float64, len(models.AllKinds))
	for _, k := range models.AllKinds {
		weights[k] = opts.Weights[k]
	}

	return &Evaluator{
		thresholds: opts.Thresholds.Copy(),
		weights:    weights,
		curves:     curves,
		policy:     opts.Policy,
		logger:     opts.Logger,
	}, nil
}

// Thresholds returns a copy of the evaluator's thresholds
func (e *Evaluator) Thresholds() models.Thresholds {
	return e.thresholds.Copy()
}

// Policy returns the out-of-range policy in effect
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Evaluate scores a reading and raises alerts in fixed metric order.
// Alerts always compare the raw value, whatever the policy.
func (e *Evaluator) Evaluate(r *models.Reading) (Result, error) {
	res := Result{
		Reading:  r,
		Goodness: make(map[models.MetricKind]float64, len(models.AllKinds)),
		Statuses: make(map[models.MetricKind]models.Status, len(models.AllKinds)),
	}

	score := 0.0
	for _, k := range models.AllKinds {
		spec := e.thresholds[k]
		raw := r.Value(k)
		scored := raw

		if !spec.InRange(raw) {
			switch e.policy {
			case PolicyReject:
				return Result{}, &OutOfRangeError{Metric: k, Value: raw, Min: spec.Min, Max: spec.Max}
			case PolicyClamp:
				scored = spec.Clamp(raw)
			default:
				e.logger.Debug("value outside operating range",
					slog.String("metric", string(k)),
					slog.Float64("value", raw),
					slog.Float64("min", spec.Min),
					slog.Float64("max", spec.Max))
			}
		}

		g := e.curves[k].Goodness(spec, scored)
		res.Goodness[k] = g
		// Conversion blocks fused multiply-add so scores are reproducible
		score += float64(g * e.weights[k])

		res.Statuses[k] = classify(spec, raw)
		if sev, ok := severity(spec, raw); ok {
			res.Alerts = append(res.Alerts, models.NewAlert(r.Timestamp(), sev, k, raw, spec.Unit))
		}
	}
	res.Score = 100 * score

	return res, nil
}

// Score returns only the composite health score for r
func (e *Evaluator) Score(r *models.Reading) (float64, error) {
	res, err := e.Evaluate(r)
	if err != nil {
		return 0, err
	}
	return res.Score, nil
}

// Classify returns the status of value v for metric k
func (e *Evaluator) Classify(k models.MetricKind, v float64) models.Status {
	return classify(e.thresholds[k], v)
}

// StatusForScore maps a health score to a status: good above 80,
// warning above 60, danger otherwise
func StatusForScore(score float64) models.Status {
	switch {
	case score > 80:
		return models.StatusGood
	case score > 60:
		return models.StatusWarning
	default:
		return models.StatusDanger
	}
}

func classify(spec models.ThresholdSpec, v float64) models.Status {
	switch {
	case v >= spec.Danger:
		return models.StatusDanger
	case v >= spec.Warning:
		return models.StatusWarning
	default:
		return models.StatusGood
	}
}

// severity applies the two-tier rule; danger short-circuits warning
func severity(spec models.ThresholdSpec, v float64) (models.Severity, bool) {
	switch {
	case v >= spec.Danger:
		return models.SeverityCritical, true
	case v >= spec.Warning:
		return models.SeverityWarning, true
	default:
		return "", false
	}
}
