package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"livewatch/internal/httpx"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic may contain {channel} and {event}.
	Topic    string
	QoS      byte
	Retained bool
	Timeout  time.Duration
}

// MQTTSink publishes the event JSON to a broker. The connection is opened
// lazily and paho handles reconnects.
type MQTTSink struct {
	name string
	cfg  MQTTConfig

	mu     sync.Mutex
	client mqtt.Client
}

func NewMQTTSink(name string, cfg MQTTConfig) (*MQTTSink, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = "livewatch/{channel}/{event}"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "livewatch"
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos %d out of range", cfg.QoS)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &MQTTSink{name: name, cfg: cfg}, nil
}

func (s *MQTTSink) Name() string { return s.name }

func (s *MQTTSink) Topic(ev Event) string {
	r := strings.NewReplacer("{channel}", ev.ChannelID, "{event}", string(ev.Type))
	return r.Replace(s.cfg.Topic)
}

func (s *MQTTSink) connect() (mqtt.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil && s.client.IsConnectionOpen() {
		return s.client, nil
	}
	if s.client == nil {
		opts := mqtt.NewClientOptions().
			AddBroker(s.cfg.Broker).
			SetClientID(s.cfg.ClientID).
			SetAutoReconnect(true).
			SetConnectRetry(false).
			SetConnectTimeout(s.cfg.Timeout)
		if s.cfg.Username != "" {
			opts.SetUsername(s.cfg.Username)
			opts.SetPassword(s.cfg.Password)
		}
		s.client = mqtt.NewClient(opts)
	}
	if s.client.IsConnected() {
		// Reconnect in progress; let this attempt fail and retry later.
		return nil, errors.New("mqtt reconnecting")
	}
	tok := s.client.Connect()
	if !tok.WaitTimeout(s.cfg.Timeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return s.client, nil
}

func (s *MQTTSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return httpx.NoRetry(err)
	}
	c, err := s.connect()
	if err != nil {
		return err
	}
	tok := c.Publish(s.Topic(ev), s.cfg.QoS, s.cfg.Retained, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Close() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil && c.IsConnected() {
		c.Disconnect(1000)
	}
}
