package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/mqtt-bridge/pkg/bridge"
	"github.com/rs/zerolog"
)

// connection pairs a live MQTT client with the cancellation handle for its
// background reconnection work.
type connection struct {
	client mqtt.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns the upstream MQTT connection lifecycle and the set of tracked
// topic subscriptions.
//
// The tracked topic set is the single source of truth: an active connection
// exists exactly while the set is non-empty, and after a transport failure
// the broker-side subscription state is reconstructed entirely from it.
type Manager struct {
	cfg    *Config
	logger zerolog.Logger

	// topicsMu guards the tracked set: many readers (admin queries,
	// resubscription), occasional writers (subscribe/unsubscribe).
	topicsMu sync.RWMutex
	topics   map[string]struct{}

	// connMu makes connection create and teardown mutually exclusive. It is
	// held only for the state transition, never for the connection lifetime.
	connMu sync.Mutex
	conn   *connection

	connected atomic.Bool

	out      chan bridge.Envelope
	onDrop   func()
	stopOnce sync.Once

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// NewManager creates a Manager. No connection is made until the first
// successful Subscribe. onDrop is invoked once per inbound message dropped
// because the handoff channel was full; it may be nil.
func NewManager(cfg *Config, onDrop func(), logger zerolog.Logger) (*Manager, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if onDrop == nil {
		onDrop = func() {}
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With().Str("component", "SubscriptionManager").Logger(),
		topics:    make(map[string]struct{}),
		out:       make(chan bridge.Envelope, cfg.BufferSize),
		onDrop:    onDrop,
		newClient: mqtt.NewClient,
	}, nil
}

// SetClientFactoryForTest swaps the Paho client constructor for unit testing.
func (m *Manager) SetClientFactoryForTest(f func(*mqtt.ClientOptions) mqtt.Client) {
	m.newClient = f
}

// Messages returns the read-only channel of inbound envelopes. The channel
// is closed by Stop.
func (m *Manager) Messages() <-chan bridge.Envelope {
	return m.out
}

// Subscribe starts tracking a topic and subscribes to it on the broker,
// establishing the upstream connection first if this is the only tracked
// topic. Subscribing to an already-tracked topic is a no-op returning nil.
//
// The topic joins the tracked set before the connection work so a concurrent
// reconnection sees it as part of "all tracked topics". On any failure the
// topic is removed again before returning: the tracked set never diverges
// from broker reality.
func (m *Manager) Subscribe(_ context.Context, topic string) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}

	m.topicsMu.Lock()
	if _, ok := m.topics[topic]; ok {
		m.topicsMu.Unlock()
		return nil
	}
	m.topics[topic] = struct{}{}
	m.topicsMu.Unlock()

	client, err := m.ensureConnection()
	if err != nil {
		m.rollback(topic)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	if err := waitToken(client.Subscribe(topic, m.cfg.QoS, nil), m.cfg.SubscribeTimeout); err != nil {
		m.rollback(topic)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.logger.Info().Str("topic", topic).Msg("Subscribed to topic.")
	return nil
}

// Unsubscribe stops tracking a topic, unsubscribing from it on the broker
// and tearing the connection down when no tracked topics remain.
// Unsubscribing an untracked topic is a no-op returning nil.
func (m *Manager) Unsubscribe(_ context.Context, topic string) error {
	m.topicsMu.RLock()
	_, tracked := m.topics[topic]
	m.topicsMu.RUnlock()
	if !tracked {
		return nil
	}

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()

	if conn != nil {
		if err := waitToken(conn.client.Unsubscribe(topic), m.cfg.SubscribeTimeout); err != nil {
			// The topic stays tracked; broker state was not changed.
			return fmt.Errorf("unsubscribe %s: %w", topic, err)
		}
	}

	m.topicsMu.Lock()
	delete(m.topics, topic)
	empty := len(m.topics) == 0
	m.topicsMu.Unlock()

	m.logger.Info().Str("topic", topic).Msg("Unsubscribed from topic.")
	if empty {
		m.dropConnection(nil)
	}
	return nil
}

// Topics returns a sorted snapshot of the tracked topic set.
func (m *Manager) Topics() []string {
	m.topicsMu.RLock()
	defer m.topicsMu.RUnlock()
	topics := make([]string, 0, len(m.topics))
	for t := range m.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// IsConnected reports the upstream connection health. It reads false while
// a reconnection is in progress.
func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

// Stop tears down the connection regardless of tracked topics and closes
// the envelope channel.
func (m *Manager) Stop(_ context.Context) error {
	m.stopOnce.Do(func() {
		m.logger.Info().Msg("Stopping subscription manager...")
		m.dropConnection(nil)
		close(m.out)
		m.logger.Info().Msg("Subscription manager stopped.")
	})
	return nil
}

// rollback removes a topic whose subscribe failed partway and releases a
// connection that only existed for its sake.
func (m *Manager) rollback(topic string) {
	m.topicsMu.Lock()
	delete(m.topics, topic)
	empty := len(m.topics) == 0
	m.topicsMu.Unlock()
	if empty {
		m.dropConnection(nil)
	}
}

// ensureConnection returns the live client, creating and connecting one when
// the tracked set has just transitioned from empty to non-empty.
func (m *Manager) ensureConnection() (mqtt.Client, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.conn != nil {
		return m.conn.client, nil
	}

	m.logger.Info().Str("broker", m.cfg.BrokerURL).Msg("Creating MQTT connection...")
	client := m.newClient(m.createMqttOptions())
	if err := waitToken(client.Connect(), m.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.conn = &connection{client: client, ctx: ctx, cancel: cancel}
	m.connected.Store(true)
	m.logger.Info().Msg("MQTT connection established.")
	return client, nil
}

// dropConnection tears the connection down. When only is non-nil the
// teardown applies just to that connection, so a stale reconnect loop cannot
// destroy a replacement connection.
func (m *Manager) dropConnection(only *connection) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil || (only != nil && m.conn != only) {
		return
	}
	m.conn.cancel()
	if m.conn.client.IsConnected() {
		m.conn.client.Disconnect(500) // 500ms grace period
	}
	m.conn = nil
	m.connected.Store(false)
	m.logger.Info().Msg("MQTT connection torn down.")
}

// createMqttOptions assembles the Paho client options from the config.
func (m *Manager) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("%s%s", m.cfg.ClientIDPrefix, uuid.NewString()[:8]))
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	opts.SetKeepAlive(m.cfg.KeepAlive)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	// Reconnection is owned by the manager, not by Paho: the tracked topic
	// set must stay the single source of truth for what gets resubscribed.
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(m.handleInbound)
	opts.SetOnConnectHandler(m.handleConnect)
	opts.SetConnectionLostHandler(m.handleConnectionLost)

	if strings.HasPrefix(strings.ToLower(m.cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(m.cfg)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			m.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// handleInbound is the callback that converts MQTT messages into envelopes
// and hands them to the processing channel. The handoff never blocks: when
// the channel is full the message is dropped and the drop hook fires.
func (m *Manager) handleInbound(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	now := time.Now()

	env := bridge.Envelope{
		Topic:      msg.Topic(),
		Payload:    payload,
		QoS:        msg.Qos(),
		Retained:   msg.Retained(),
		ReceivedAt: now,
		Timestamp:  now.UTC(),
	}

	select {
	case m.out <- env:
	default:
		m.onDrop()
		m.logger.Warn().Str("topic", env.Topic).Msg("Processing queue saturated, dropping message.")
	}
}

// handleConnect fires on every successful connect, initial and after a
// reconnect, and subscribes every tracked topic. Resubscribing is idempotent
// and discards any broker-side memory of prior subscriptions.
func (m *Manager) handleConnect(client mqtt.Client) {
	m.connected.Store(true)

	topics := m.Topics()
	if len(topics) == 0 {
		return
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = m.cfg.QoS
	}
	token := client.SubscribeMultiple(filters, nil)
	go func() {
		if err := waitToken(token, m.cfg.SubscribeTimeout); err != nil {
			m.logger.Error().Err(err).Msg("Failed to resubscribe tracked topics.")
			return
		}
		m.logger.Info().Int("topic_count", len(topics)).Msg("Subscribed to all tracked topics.")
	}()
}

// handleConnectionLost marks the manager unhealthy and starts the
// fixed-delay reconnect loop for the current connection.
func (m *Manager) handleConnectionLost(client mqtt.Client, err error) {
	m.connected.Store(false)
	m.logger.Error().Err(err).Msg("Lost MQTT connection.")

	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()
	if conn == nil || conn.client != client {
		return
	}
	go m.reconnectLoop(conn)
}

// reconnectLoop retries the connection at a fixed interval until it
// succeeds, the connection is torn down, or the tracked set empties.
func (m *Manager) reconnectLoop(conn *connection) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectWait):
		}

		// The tracked set may have emptied during the outage, in which case
		// the connection is no longer needed at all.
		if len(m.Topics()) == 0 {
			m.dropConnection(conn)
			return
		}

		m.logger.Info().Msg("Attempting to reconnect to MQTT broker...")
		if err := waitToken(conn.client.Connect(), m.cfg.ConnectTimeout); err != nil {
			m.logger.Warn().Err(err).Msg("Reconnect attempt failed.")
			continue
		}
		// The on-connect handler resubscribes every tracked topic.
		return
	}
}

// waitToken waits for a Paho token with a timeout and normalizes the result
// to an error.
func waitToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.New("timed out waiting for MQTT broker")
	}
	return token.Error()
}
