package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/taniwha3/trackwatch/internal/models"
)

const mqttPublishTimeout = 5 * time.Second

// Publisher is the part of mqtt.Client the notifier uses
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures alert publishing
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// MQTTNotifier publishes each alert as JSON to <topic>/<severity>
type MQTTNotifier struct {
	pub    Publisher
	client mqtt.Client // nil when built over a bare Publisher
	topic  string
	qos    byte
}

// alertMessage is the published payload
type alertMessage struct {
	models.Alert
	Line    string `json:"line,omitempty"`
	Station string `json:"station,omitempty"`
}

// NewMQTTNotifier connects to the broker
func NewMQTTNotifier(opts MQTTOptions) (*MQTTNotifier, error) {
	if opts.ClientID == "" {
		opts.ClientID = "trackwatch-alerts"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, token.Error())
	}

	n := NewMQTTNotifierWithPublisher(client, opts.Topic, opts.QoS)
	n.client = client
	return n, nil
}

// NewMQTTNotifierWithPublisher builds a notifier over an existing publisher
func NewMQTTNotifierWithPublisher(pub Publisher, topic string, qos byte) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, topic: topic, qos: qos}
}

// Name returns the notifier name
func (n *MQTTNotifier) Name() string {
	return "mqtt"
}

// Notify publishes every alert in the batch, stopping at the first failure
func (n *MQTTNotifier) Notify(ctx context.Context, batch Batch) error {
	for _, a := range batch.Alerts {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := json.Marshal(alertMessage{Alert: a, Line: batch.Line, Station: batch.Station})
		if err != nil {
			return &NonRetryableError{Err: fmt.Errorf("failed to encode alert: %w", err)}
		}

		topic := n.topic + "/" + string(a.Severity)
		token := n.pub.Publish(topic, n.qos, false, payload)
		if !token.WaitTimeout(mqttPublishTimeout) {
			return &RetryableError{Err: errors.New("publish timed out")}
		}
		if err := token.Error(); err != nil {
			return &RetryableError{Err: fmt.Errorf("publish to %s: %w", topic, err)}
		}
	}
	return nil
}

// Close disconnects a client created by NewMQTTNotifier
func (n *MQTTNotifier) Close() error {
	if n.client != nil {
		n.client.Disconnect(250)
	}
	return nil
}
