// Package mqtt republishes hub state changes to an MQTT broker so
// other household systems can consume them without their own hub
// session. Connection management is delegated to autopaho, which
// reconnects on its own schedule independent of the hub session.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"hearth/internal/bridge"
	"hearth/internal/config"
)

// Publisher manages the MQTT connection and publishes state-change
// and availability messages.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start].
func New(cfg config.MQTTConfig, instanceID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, instanceID: instanceID, logger: logger}
}

// Start connects to the broker and blocks until the initial connection
// is up or the attempt times out (autopaho keeps retrying in the
// background either way). The connection carries an LWT so consumers
// see "offline" if the process dies.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.DeviceName + "-" + p.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// statePayload is the wire shape of a republished state change.
type statePayload struct {
	EntityID  string `json:"entity_id"`
	OldState  string `json:"old_state,omitempty"`
	NewState  string `json:"new_state"`
	Timestamp string `json:"timestamp"`
}

// PublishChange republishes one state change. Wired as the bridge
// handler; errors are logged, never propagated, so a broker hiccup
// cannot disturb hub event processing.
func (p *Publisher) PublishChange(change bridge.StateChange) {
	if p.cm == nil {
		return
	}

	payload, err := json.Marshal(statePayload{
		EntityID:  change.EntityID,
		OldState:  change.OldState,
		NewState:  change.NewState,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("mqtt marshal state payload", "entity_id", change.EntityID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	topic := p.StateTopic(change.EntityID)
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed",
			"entity_id", change.EntityID, "topic", topic, "error", err)
		return
	}

	p.logger.Debug("mqtt state published", "entity_id", change.EntityID, "topic", topic)
}

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicRoot + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

// StateTopic returns the topic a given entity's changes publish to.
func (p *Publisher) StateTopic(entityID string) string {
	return p.baseTopic() + "/state/" + entityID
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
