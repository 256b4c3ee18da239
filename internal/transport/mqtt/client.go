// Package mqtt publishes device commands to an MQTT broker and listens for
// device acknowledgments.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"ctlflow/internal/config"
	"ctlflow/internal/dispatch"
	"ctlflow/internal/domain"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxPayloadSize           = 1 << 20
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidTopic     = errors.New("mqtt: topic cannot be empty")
)

// MessageHandler receives one inbound message. Errors are logged only.
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

type subscription struct {
	topic   string
	handler MessageHandler
}

// Client is safe for concurrent use. Subscriptions are restored after a
// reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	qos    byte

	subs  map[string]subscription
	subMu sync.RWMutex

	connected bool
	connMu    sync.RWMutex
}

func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:  cfg,
		qos:  byte(cfg.QoS),
		subs: make(map[string]subscription),
	}
	opts := buildClientOptions(cfg)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect dials the broker and waits up to the connect timeout for the
// session to come up.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	timeout := durationOr(cfg.ConnectTimeout, defaultConnectTimeout)
	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	log.Info().Str("broker", cfg.Broker).Str("client_id", cfg.ClientID).Msg("mqtt connected")
	return c, nil
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(durationOr(cfg.ReconnectDelay, time.Second))
	opts.SetMaxReconnectInterval(durationOr(cfg.MaxReconnect, time.Minute))
	opts.SetConnectTimeout(durationOr(cfg.ConnectTimeout, defaultConnectTimeout))
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, s := range c.subs {
		c.client.Subscribe(s.topic, c.qos, c.wrapHandler(s.handler))
	}
	log.Info().Int("subscriptions", len(c.subs)).Msg("mqtt session (re)established")
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	log.Warn().Err(err).Msg("mqtt connection lost")
}

func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Publish hands one command to the broker. Every failure wraps
// domain.ErrTransportUnavailable.
func (c *Client) Publish(ctx context.Context, msg dispatch.Outbound) error {
	if msg.Topic == "" {
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, ErrInvalidTopic)
	}
	if len(msg.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: %w: payload size %d exceeds %d bytes", domain.ErrTransportUnavailable, ErrPublishFailed, len(msg.Payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, ErrNotConnected)
	}

	timeout := durationOr(c.cfg.PublishTimeout, defaultPublishTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := c.client.Publish(msg.Topic, c.qos, false, msg.Payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrTransportUnavailable, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %w: timeout after %v", domain.ErrTransportUnavailable, ErrPublishFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w: %w", domain.ErrTransportUnavailable, ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic, which may contain wildcards.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subs[topic] = subscription{topic: topic, handler: handler}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, c.qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// SubscribeAcks feeds every payload on the configured ack topic to handle,
// which runs under ctx.
func (c *Client) SubscribeAcks(ctx context.Context, handle func(ctx context.Context, payload []byte) error) error {
	topic := c.cfg.AckTopic
	if topic == "" {
		topic = "/+/+/+/ack"
	}
	return c.Subscribe(topic, func(_ context.Context, _ string, payload []byte) error {
		return handle(ctx, payload)
	})
}

func (c *Client) forget(topic string) {
	c.subMu.Lock()
	delete(c.subs, topic)
	c.subMu.Unlock()
}

// wrapHandler adapts a MessageHandler to paho and recovers panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("topic", msg.Topic()).Interface("panic", r).Msg("mqtt handler panic recovered")
			}
		}()
		if err := handler(context.Background(), msg.Topic(), msg.Payload()); err != nil {
			log.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt handler returned error")
		}
	}
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}
