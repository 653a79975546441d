package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PushMessage is the payload delivered to app subscribers.
type PushMessage struct {
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// MQTTPushSender publishes push notifications to MQTT topics.
type MQTTPushSender struct {
	client  mqttPublisher
	qos     byte
	timeout time.Duration
	close   func()
}

// NewMQTTPushSender connects to the broker.
func NewMQTTPushSender(cfg MQTTConfig) (*MQTTPushSender, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}

	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	return &MQTTPushSender{
		client:  client,
		qos:     qos,
		timeout: 5 * time.Second,
		close:   func() { client.Disconnect(250) },
	}, nil
}

func (s *MQTTPushSender) SendPush(ctx context.Context, topic, title, body string) error {
	if topic == "" {
		return errors.New("push notification has no topic")
	}
	payload, err := json.Marshal(PushMessage{Title: title, Body: body, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	token := s.client.Publish(topic, s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timeout):
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (s *MQTTPushSender) Close() {
	if s.close != nil {
		s.close()
	}
}

// AlertTopic is the topic the clinic app listens on for alert pushes.
func AlertTopic(clinicID string) string {
	return "pdcare/" + clinicID + "/alerts"
}
