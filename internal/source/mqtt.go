package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/taniwha3/trackwatch/internal/logging"
	"github.com/taniwha3/trackwatch/internal/models"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTOptions configures the hardware feed
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Buffer   int
	OnReject func(reason string)
}

// MQTTStats counts payloads the source did not deliver
type MQTTStats struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Partial   uint64 `json:"partial"`
	Dropped   uint64 `json:"dropped"`
}

// MQTTSource turns JSON payloads on a broker topic into readings.
// Pending readings are bounded; on overflow the oldest is dropped.
type MQTTSource struct {
	client   mqtt.Client
	topic    string
	logger   *slog.Logger
	onReject func(reason string)
	now      func() time.Time

	mu      sync.Mutex // serializes the drop-oldest enqueue
	pending chan *models.Reading

	closeOnce sync.Once
	closed    chan struct{}

	received  atomic.Uint64
	malformed atomic.Uint64
	partial   atomic.Uint64
	dropped   atomic.Uint64
}

// NewMQTTSource connects to the broker and subscribes to the reading topic
func NewMQTTSource(ctx context.Context, opts MQTTOptions, logger *slog.Logger) (*MQTTSource, error) {
	if opts.ClientID == "" {
		opts.ClientID = "trackwatch"
	}

	s := newMQTTSource(opts, logger)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			// Resubscribe after reconnects; clean sessions drop subscriptions
			token := c.Subscribe(opts.Topic, opts.QoS, s.handleMessage)
			if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
				logger.LogAttrs(context.Background(), slog.LevelError, "MQTT subscribe failed",
					append([]slog.Attr{slog.String("topic", opts.Topic)}, logging.ErrorAttrs(token.Error())...)...)
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.LogAttrs(context.Background(), slog.LevelWarn, "MQTT connection lost", logging.ErrorAttrs(err)...)
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, err)
	}
	s.client = client

	logger.Info("MQTT source connected",
		slog.String("broker", opts.Broker),
		slog.String("topic", opts.Topic))

	return s, nil
}

func newMQTTSource(opts MQTTOptions, logger *slog.Logger) *MQTTSource {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{
		topic:    opts.Topic,
		logger:   logger,
		onReject: opts.OnReject,
		now:      time.Now,
		pending:  make(chan *models.Reading, opts.Buffer),
		closed:   make(chan struct{}),
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(mqttConnectTimeout):
		return errors.New("timed out")
	}
}

// Name returns the source name
func (s *MQTTSource) Name() string {
	return "mqtt"
}

func (s *MQTTSource) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.received.Add(1)

	r, err := DecodePayload(msg.Payload(), s.now())
	if err != nil {
		reason := RejectMalformed
		if errors.Is(err, models.ErrPartialReading) {
			reason = RejectPartial
			s.partial.Add(1)
		} else {
			s.malformed.Add(1)
		}
		s.reject(reason)
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "Dropped reading payload",
			append([]slog.Attr{
				slog.String("topic", msg.Topic()),
				slog.String("reason", reason),
			}, logging.ErrorAttrs(err)...)...)
		return
	}

	s.enqueue(r)
}

func (s *MQTTSource) enqueue(r *models.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case s.pending <- r:
			return
		default:
		}
		// Full: evict the oldest pending reading and retry
		select {
		case <-s.pending:
			s.dropped.Add(1)
			s.reject(RejectOverflow)
		default:
		}
	}
}

func (s *MQTTSource) reject(reason string) {
	if s.onReject != nil {
		s.onReject(reason)
	}
}

// Next blocks until a reading arrives, ctx ends or the source is closed
func (s *MQTTSource) Next(ctx context.Context) (*models.Reading, error) {
	select {
	case r := <-s.pending:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrClosed
	}
}

// Stats returns delivery counters
func (s *MQTTSource) Stats() MQTTStats {
	return MQTTStats{
		Received:  s.received.Load(),
		Malformed: s.malformed.Load(),
		Partial:   s.partial.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close unsubscribes and disconnects
func (s *MQTTSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.client != nil {
			if s.client.IsConnected() {
				s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
			}
			s.client.Disconnect(250)
		}
	})
	return nil
}
