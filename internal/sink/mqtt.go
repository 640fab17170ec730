package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// Timeout bounds connect and publish acknowledgements.
	Timeout time.Duration
	// ConnectAttempts is how many times Open tries to connect.
	ConnectAttempts int
}

// MQTTWriter publishes each message to an MQTT topic.
type MQTTWriter struct {
	cfg    MQTTConfig
	logger *slog.Logger
	client mqtt.Client
}

func NewMQTTWriter(cfg MQTTConfig, logger *slog.Logger) *MQTTWriter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTWriter{cfg: cfg, logger: logger.With("broker", cfg.Broker)}
}

func (w *MQTTWriter) Open(ctx context.Context) error {
	if w.cfg.Broker == "" {
		return errors.New("mqtt: broker is required")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(w.cfg.Broker).
		SetClientID(w.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(w.cfg.Timeout).
		SetOnConnectHandler(func(mqtt.Client) {
			w.logger.Info("connected to MQTT server")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			w.logger.Warn("MQTT connection lost", "error", err)
		})
	if w.cfg.Username != "" {
		opts.SetUsername(w.cfg.Username)
		opts.SetPassword(w.cfg.Password)
	}
	client := mqtt.NewClient(opts)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		token := client.Connect()
		if !token.WaitTimeout(w.cfg.Timeout) {
			return struct{}{}, errors.New("mqtt connect timed out")
		}
		return struct{}{}, token.Error()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(w.cfg.ConnectAttempts)),
	)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	w.client = client
	return nil
}

func (w *MQTTWriter) Write(ctx context.Context, msg Message) error {
	if w.client == nil {
		return ErrClosed
	}
	token := w.client.Publish(msg.Topic, w.cfg.QoS, false, msg.Value)
	if !token.WaitTimeout(w.cfg.Timeout) {
		return fmt.Errorf("publish to %s: timed out", msg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (w *MQTTWriter) Flush(ctx context.Context) error { return nil }

func (w *MQTTWriter) Close() error {
	if w.client != nil {
		w.client.Disconnect(250)
		w.client = nil
	}
	return nil
}
