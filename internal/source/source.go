// Package source produces synchronized track sensor readings.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taniwha3/trackwatch/internal/config"
	"github.com/taniwha3/trackwatch/internal/models"
)

var (
	// ErrExhausted is returned by a finite source with nothing left to read
	ErrExhausted = errors.New("source exhausted")
	// ErrClosed is returned by Next after Close
	ErrClosed = errors.New("source closed")
	// ErrMalformedPayload is returned for payloads that are not valid reading JSON
	ErrMalformedPayload = errors.New("malformed reading payload")
)

// Rejection reasons reported through Deps.OnReject
const (
	RejectMalformed = "malformed"
	RejectPartial   = "partial"
	RejectOverflow  = "overflow"
)

// Source yields one complete Reading per call
type Source interface {
	// Name identifies the source in logs and health reports
	Name() string
	// Next blocks until a reading is available or ctx ends
	Next(ctx context.Context) (*models.Reading, error)
	// Close releases the source
	Close() error
}

// Deps carries the collaborators a source may need
type Deps struct {
	Thresholds models.Thresholds
	Store      ReplayStore
	Logger     *slog.Logger
	OnReject   func(reason string)
}

// New builds the source selected by cfg.Kind
func New(ctx context.Context, cfg config.SourceConfig, deps Deps) (Source, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	switch cfg.GetKind() {
	case config.SourceSimulated:
		th := deps.Thresholds
		if th == nil {
			th = models.DefaultThresholds()
		}
		return NewSimulated(th, cfg.Seed), nil
	case config.SourceReplay:
		if deps.Store == nil {
			return nil, fmt.Errorf("replay source requires storage")
		}
		return NewReplay(deps.Store, cfg.ReplayLoop), nil
	case config.SourceMQTT:
		src, err := NewMQTTSource(ctx, MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
			Buffer:   cfg.MQTT.GetBuffer(),
			OnReject: deps.OnReject,
		}, deps.Logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// payload is the JSON wire form of a reading. Pointer fields let a missing
// metric be told apart from a zero value.
type payload struct {
	Timestamp   *time.Time `json:"timestamp"`
	Acoustic    *float64   `json:"acoustic"`
	Vibration   *float64   `json:"vibration"`
	Temperature *float64   `json:"temperature"`
	Humidity    *float64   `json:"humidity"`
}

// DecodePayload parses a reading payload. A missing timestamp takes now.
// Missing metrics yield models.ErrPartialReading.
func DecodePayload(data []byte, now time.Time) (*models.Reading, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ts := now
	if p.Timestamp != nil {
		ts = *p.Timestamp
	}

	values := make(map[models.MetricKind]float64, len(models.AllKinds))
	for k, v := range map[models.MetricKind]*float64{
		models.Acoustic:    p.Acoustic,
		models.Vibration:   p.Vibration,
		models.Temperature: p.Temperature,
		models.Humidity:    p.Humidity,
	} {
		if v != nil {
			values[k] = *v
		}
	}

	return models.NewReading(ts, values)
}

// EncodePayload renders a reading in the form DecodePayload accepts
func EncodePayload(r *models.Reading) ([]byte, error) {
	return json.Marshal(r)
}
