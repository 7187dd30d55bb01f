package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/transport"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 30 * time.Second
	mqttQuiesceMillis  = 250
)

// MQTTConfig describes the broker an MQTTProvider subscribes to.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Prefix is prepended to channel names: channel "Note" becomes topic "<Prefix>/Note".
	Prefix string
}

// mqttClient is the subset of mqtt.Client the provider uses.
type mqttClient interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTProvider serves channels from MQTT topics. Each message payload is a
// JSON transport.Event.
type MQTTProvider struct {
	client mqttClient
	prefix string
	router *Router
	logger logger.Logger
}

// DialMQTT connects to the broker and returns a provider on top of it.
func DialMQTT(ctx context.Context, cfg MQTTConfig, log logger.Logger, m *metrics.Metrics) (*MQTTProvider, error) {
	if cfg.Broker == "" {
		return nil, constants.ErrNoEndpoint
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)

	p := newMQTTProvider(nil, cfg.Prefix, log, m)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	p.client = client
	token := client.Connect()
	if err := waitToken(ctx, token, mqttConnectTimeout); err != nil {
		// stops the background connect retries
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to mqtt broker: %w", err)
	}

	return p, nil
}

func newMQTTProvider(client mqttClient, prefix string, log logger.Logger, m *metrics.Metrics) *MQTTProvider {
	if log == nil {
		log = logger.Nop()
	}
	return &MQTTProvider{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		router: NewRouter(log, m),
		logger: log,
	}
}

func (p *MQTTProvider) topic(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

// Channel implements transport.ChannelProvider.
func (p *MQTTProvider) Channel(ctx context.Context, name string) (transport.Channel, error) {
	sub, first, err := p.router.Subscribe(name)
	if err != nil {
		return nil, constants.ErrClosed
	}

	if first {
		token := p.client.Subscribe(p.topic(name), mqttQoS, p.handler(name))
		if err := waitToken(ctx, token, mqttConnectTimeout); err != nil {
			p.router.Unsubscribe(sub)
			return nil, fmt.Errorf("subscribing to %s: %w", p.topic(name), err)
		}
	}

	return &routedChannel{sub: sub, release: p.release}, nil
}

func (p *MQTTProvider) handler(name string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		var ev transport.Event
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			p.logger.Error("invalid mqtt event", "topic", msg.Topic(), "error", err)
			return
		}
		ev.Channel = name
		p.router.Publish(ev)
	}
}

// onConnect runs after every (re)connect. With a clean session the broker
// forgets subscriptions, so every topic that still has subscribers is
// subscribed again.
func (p *MQTTProvider) onConnect(mqtt.Client) {
	for _, name := range p.router.Names() {
		token := p.client.Subscribe(p.topic(name), mqttQoS, p.handler(name))
		if err := waitToken(context.Background(), token, mqttConnectTimeout); err != nil {
			p.logger.Error("failed to resubscribe", "topic", p.topic(name), "error", err)
			continue
		}
		p.logger.Debug("resubscribed", "topic", p.topic(name))
	}
}

func (p *MQTTProvider) release(sub *Subscription) error {
	if !p.router.Unsubscribe(sub) {
		return nil
	}
	return waitToken(context.Background(), p.client.Unsubscribe(p.topic(sub.name)), mqttConnectTimeout)
}

// Close closes every channel and disconnects from the broker.
func (p *MQTTProvider) Close() {
	p.router.Close()
	p.client.Disconnect(mqttQuiesceMillis)
}

func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return constants.ErrTimeout
	}
}
