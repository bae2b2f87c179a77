package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"outdial/internal/config"
	"outdial/internal/logging"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

const defaultPublishTimeout = 5 * time.Second

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
}

// NewMQTTPublisher connects to cfg.Broker. The client reconnects on its own
// after the first successful connection.
func NewMQTTPublisher(cfg config.MQTTConfig, logger logrus.FieldLogger) (*MQTTPublisher, error) {
	log := logging.Component(logger, "MQTT")
	clientOpts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("broker connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.WithField("broker", cfg.Broker).Info("connected to broker")
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, err)
	}

	return &MQTTPublisher{client: client, qos: cfg.QoS}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	timeout := defaultPublishTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	return token.Error()
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
