package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/whisker-ha/litterrobot-bridge/internal/config"
	"github.com/whisker-ha/litterrobot-bridge/internal/model"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

// Publisher pushes normalized robot state to the hub's MQTT broker.
// State topics are retained so the hub sees the last known attributes
// immediately after its own restart; bridge availability rides on an LWT.
type Publisher struct {
	client pahomqtt.Client
	prefix string
	qos    byte
	logger *slog.Logger
}

func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		prefix: cfg.TopicPrefix,
		qos:    byte(cfg.QoS),
		logger: logger,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetWill(p.topic("bridge", "status"), statusOffline, p.qos, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		token := client.Publish(p.topic("bridge", "status"), p.qos, true, statusOnline)
		token.WaitTimeout(publishTimeout)
	})

	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return p, nil
}

// PublishRecord publishes one robot's full normalized state, retained.
func (p *Publisher) PublishRecord(record model.DeviceRecord) {
	payload, err := json.Marshal(record)
	if err != nil {
		p.logger.Warn("encode state payload failed", "robot", record.ID, "err", err)
		return
	}
	token := p.client.Publish(p.topic(record.ID, "state"), p.qos, true, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.logger.Warn("publish state failed", "robot", record.ID, "err", token.Error())
	}
}

// Close announces offline availability and disconnects.
func (p *Publisher) Close() {
	token := p.client.Publish(p.topic("bridge", "status"), p.qos, true, statusOffline)
	token.WaitTimeout(publishTimeout)
	p.client.Disconnect(250)
}

func (p *Publisher) topic(parts ...string) string {
	topic := p.prefix
	for _, part := range parts {
		topic += "/" + part
	}
	return topic
}
