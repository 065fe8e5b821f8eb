// Command track-simulator publishes simulated track sensor readings to an
// MQTT broker in the payload format the trackwatch mqtt source consumes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/taniwha3/trackwatch/internal/logging"
	"github.com/taniwha3/trackwatch/internal/models"
	"github.com/taniwha3/trackwatch/internal/notify"
	"github.com/taniwha3/trackwatch/internal/source"
)

var (
	broker   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	topic    = flag.String("topic", "track/readings", "Topic to publish readings on")
	clientID = flag.String("client-id", "track-simulator", "MQTT client ID")
	qos      = flag.Int("qos", 0, "MQTT QoS (0-2)")
	interval = flag.Duration("interval", time.Second, "Delay between readings")
	count    = flag.Int("count", 0, "Readings to publish (0 runs until interrupted)")
	seed     = flag.Int64("seed", 0, "Random seed (0 picks one from the clock)")
	verbose  = flag.Bool("verbose", false, "Log every published reading")
	version  = flag.Bool("version", false, "Print version and exit")
)

const appVersion = "1.0.0"

const publishTimeout = 5 * time.Second

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("track-simulator %s\n", appVersion)
		return
	}

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Format:  logging.FormatConsole,
		Output:  os.Stderr,
		Service: "track-simulator",
	})

	if *qos < 0 || *qos > 2 {
		logger.Error("qos must be 0, 1 or 2", slog.Int("qos", *qos))
		os.Exit(2)
	}

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}

	client := mqtt.NewClient(mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID(*clientID).
		SetAutoReconnect(true))
	if token := client.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		logger.Error("Failed to connect to broker", slog.String("broker", *broker), slog.Any("error", token.Error()))
		os.Exit(1)
	}
	defer client.Disconnect(250)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Publishing simulated readings",
		slog.String("broker", *broker),
		slog.String("topic", *topic),
		slog.Duration("interval", *interval),
		slog.Int("count", *count),
		slog.Int64("seed", s),
	)

	sim := source.NewSimulated(models.DefaultThresholds(), s)
	p := publisher{pub: client, topic: *topic, qos: byte(*qos), logger: logger}
	sent, err := p.run(ctx, sim, *interval, *count)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Publishing stopped", slog.Int("sent", sent), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Done", slog.Int("sent", sent))
}

type publisher struct {
	pub    notify.Publisher
	topic  string
	qos    byte
	logger *slog.Logger
}

// run publishes count readings (forever when count <= 0), one per interval.
// It returns how many were published.
func (p publisher) run(ctx context.Context, src source.Source, interval time.Duration, count int) (int, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for count <= 0 || sent < count {
		if err := p.publishOne(ctx, src); err != nil {
			return sent, err
		}
		sent++
		if count > 0 && sent == count {
			break
		}

		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C:
		}
	}
	return sent, nil
}

func (p publisher) publishOne(ctx context.Context, src source.Source) error {
	r, err := src.Next(ctx)
	if err != nil {
		return err
	}
	data, err := source.EncodePayload(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}

	token := p.pub.Publish(p.topic, p.qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}

	p.logger.Debug("Reading published",
		slog.Float64("acoustic", r.Value(models.Acoustic)),
		slog.Float64("vibration", r.Value(models.Vibration)),
		slog.Float64("temperature", r.Value(models.Temperature)),
		slog.Float64("humidity", r.Value(models.Humidity)),
	)
	return nil
}
