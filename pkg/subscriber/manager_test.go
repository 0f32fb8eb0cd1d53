package subscriber_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/mqtt-bridge/pkg/bridge"
	"github.com/illmade-knight/mqtt-bridge/pkg/metrics"
	"github.com/illmade-knight/mqtt-bridge/pkg/subscriber"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks for Paho MQTT Client ---

type mockToken struct{ err error }

func (m *mockToken) Wait() bool                       { return true }
func (m *mockToken) WaitTimeout(_ time.Duration) bool { return true }
func (m *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (m *mockToken) Error() error { return m.err }

type mockMqttMessage struct {
	topic   string
	payload []byte
}

func (m *mockMqttMessage) Topic() string     { return m.topic }
func (m *mockMqttMessage) Payload() []byte   { return m.payload }
func (m *mockMqttMessage) MessageID() uint16 { return 1 }
func (m *mockMqttMessage) Duplicate() bool   { return false }
func (m *mockMqttMessage) Qos() byte         { return 1 }
func (m *mockMqttMessage) Retained() bool    { return false }
func (m *mockMqttMessage) Ack()              {}

// mockMqttClient records subscription calls and replays the option handlers
// the manager registered, so tests can simulate broker events.
type mockMqttClient struct {
	mu               sync.Mutex
	connected        bool
	connectErr       error
	subscribeErr     error
	unsubscribeErr   error
	connectCalls     int
	subscribeCalls   int
	disconnectCalled bool
	subscriptions    map[string]byte

	opts *mqtt.ClientOptions
}

func newMockMqttClient() *mockMqttClient {
	return &mockMqttClient{subscriptions: make(map[string]byte)}
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }

func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	m.connectCalls++
	if m.connectErr != nil {
		err := m.connectErr
		m.mu.Unlock()
		return &mockToken{err: err}
	}
	m.connected = true
	onConnect := m.opts.OnConnect
	m.mu.Unlock()
	if onConnect != nil {
		onConnect(m)
	}
	return &mockToken{}
}

func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnectCalled = true
}

func (m *mockMqttClient) Subscribe(topic string, qos byte, _ mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
	if m.subscribeErr != nil {
		return &mockToken{err: m.subscribeErr}
	}
	m.subscriptions[topic] = qos
	return &mockToken{}
}

func (m *mockMqttClient) SubscribeMultiple(filters map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
	if m.subscribeErr != nil {
		return &mockToken{err: m.subscribeErr}
	}
	for topic, qos := range filters {
		m.subscriptions[topic] = qos
	}
	return &mockToken{}
}

func (m *mockMqttClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribeErr != nil {
		return &mockToken{err: m.unsubscribeErr}
	}
	for _, t := range topics {
		delete(m.subscriptions, t)
	}
	return &mockToken{}
}

// Stubs to satisfy the interface.
func (m *mockMqttClient) Publish(_ string, _ byte, _ bool, _ interface{}) mqtt.Token {
	return &mockToken{}
}
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) subscribedTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.subscriptions))
	for t := range m.subscriptions {
		topics = append(topics, t)
	}
	return topics
}

func (m *mockMqttClient) wasDisconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectCalled
}

// simulateConnectionLost replays the transport failure callback the way Paho
// would deliver it.
func (m *mockMqttClient) simulateConnectionLost(err error) {
	m.mu.Lock()
	m.connected = false
	lost := m.opts.OnConnectionLost
	m.mu.Unlock()
	lost(m, err)
}

func (m *mockMqttClient) deliver(topic string, payload []byte) {
	m.mu.Lock()
	handler := m.opts.DefaultPublishHandler
	m.mu.Unlock()
	handler(m, &mockMqttMessage{topic: topic, payload: payload})
}

// --- Helpers ---

func testConfig() *subscriber.Config {
	return &subscriber.Config{
		BrokerURL:        "tcp://localhost:1883",
		ClientIDPrefix:   "test-",
		QoS:              1,
		KeepAlive:        time.Minute,
		ConnectTimeout:   100 * time.Millisecond,
		SubscribeTimeout: 100 * time.Millisecond,
		ReconnectWait:    10 * time.Millisecond,
		BufferSize:       16,
	}
}

func newTestManager(t *testing.T, cfg *subscriber.Config, onDrop func()) (*subscriber.Manager, *mockMqttClient) {
	t.Helper()
	mgr, err := subscriber.NewManager(cfg, onDrop, zerolog.Nop())
	require.NoError(t, err)

	client := newMockMqttClient()
	mgr.SetClientFactoryForTest(func(opts *mqtt.ClientOptions) mqtt.Client {
		client.mu.Lock()
		client.opts = opts
		client.mu.Unlock()
		return client
	})
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Stop(stopCtx)
	})
	return mgr, client
}

// --- Test Cases ---

func TestManager_FirstSubscribeEstablishesConnection(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))

	assert.True(t, mgr.IsConnected())
	assert.Equal(t, []string{"sensors/temp"}, mgr.Topics())
	assert.ElementsMatch(t, []string{"sensors/temp"}, client.subscribedTopics())

	client.mu.Lock()
	connects := client.connectCalls
	client.mu.Unlock()
	assert.Equal(t, 1, connects)
}

func TestManager_SubscribeIsIdempotent(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))
	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))

	assert.Equal(t, []string{"sensors/temp"}, mgr.Topics())

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.connectCalls, "second subscribe must not reconnect")
	// One protocol subscribe plus the on-connect resubscription of the
	// tracked set.
	assert.LessOrEqual(t, client.subscribeCalls, 2)
}

func TestManager_ConnectFailureRollsBackTopic(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	client.connectErr = errors.New("broker unreachable")

	err := mgr.Subscribe(context.Background(), "sensors/temp")
	require.Error(t, err)

	assert.Empty(t, mgr.Topics(), "failed subscribe must leave the tracked set unchanged")
	assert.False(t, mgr.IsConnected())
}

func TestManager_SubscribeFailureRollsBackAndTearsDown(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	client.subscribeErr = errors.New("not authorized")

	err := mgr.Subscribe(context.Background(), "sensors/temp")
	require.Error(t, err)

	assert.Empty(t, mgr.Topics())
	assert.False(t, mgr.IsConnected())
	assert.True(t, client.wasDisconnected(), "a connection with no tracked topics must be torn down")
}

func TestManager_RejectsEmptyTopic(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(), nil)
	assert.Error(t, mgr.Subscribe(context.Background(), ""))
}

func TestManager_UnsubscribeLastTopicTearsDownConnection(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))
	require.NoError(t, mgr.Unsubscribe(ctx, "sensors/temp"))

	assert.Empty(t, mgr.Topics())
	assert.False(t, mgr.IsConnected())
	assert.True(t, client.wasDisconnected())
	assert.Empty(t, client.subscribedTopics())
}

func TestManager_UnsubscribeKeepsConnectionWhileTopicsRemain(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))
	require.NoError(t, mgr.Subscribe(ctx, "sensors/humidity"))
	require.NoError(t, mgr.Unsubscribe(ctx, "sensors/temp"))

	assert.Equal(t, []string{"sensors/humidity"}, mgr.Topics())
	assert.True(t, mgr.IsConnected())
	assert.False(t, client.wasDisconnected())
}

func TestManager_UnsubscribeUntrackedTopicIsNoOp(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)

	require.NoError(t, mgr.Unsubscribe(context.Background(), "never/subscribed"))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Zero(t, client.connectCalls, "unsubscribing an untracked topic must not touch the broker")
}

func TestManager_UnsubscribeFailureKeepsTopicTracked(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))
	client.mu.Lock()
	client.unsubscribeErr = errors.New("broker refused")
	client.mu.Unlock()

	err := mgr.Unsubscribe(ctx, "sensors/temp")
	require.Error(t, err)

	assert.Equal(t, []string{"sensors/temp"}, mgr.Topics(), "tracked set must not diverge from broker state")
	assert.True(t, mgr.IsConnected())
}

func TestManager_InboundMessageBecomesEnvelope(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	require.NoError(t, mgr.Subscribe(context.Background(), "sensors/temp"))

	payload := []byte("22.5")
	client.deliver("sensors/temp", payload)

	select {
	case env := <-mgr.Messages():
		assert.Equal(t, "sensors/temp", env.Topic)
		assert.Equal(t, []byte("22.5"), env.Payload)
		assert.Equal(t, byte(1), env.QoS)
		assert.False(t, env.Timestamp.IsZero())

		// The envelope must hold a private copy of the payload.
		payload[0] = 'X'
		assert.Equal(t, []byte("22.5"), env.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestManager_DropsWhenBufferFull(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 1

	var drops atomic.Int64
	mgr, client := newTestManager(t, cfg, func() { drops.Add(1) })
	require.NoError(t, mgr.Subscribe(context.Background(), "sensors/temp"))

	// Nothing consumes the channel, so everything past the first message
	// must be dropped without blocking.
	client.deliver("sensors/temp", []byte("1"))
	client.deliver("sensors/temp", []byte("2"))
	client.deliver("sensors/temp", []byte("3"))

	assert.Equal(t, int64(2), drops.Load())
	assert.Len(t, mgr.Messages(), 1)
}

func TestManager_ReconnectResubscribesAllTopics(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))
	require.NoError(t, mgr.Subscribe(ctx, "sensors/humidity"))

	client.simulateConnectionLost(errors.New("broken pipe"))
	assert.False(t, mgr.IsConnected())

	require.Eventually(t, func() bool {
		return mgr.IsConnected()
	}, 2*time.Second, 5*time.Millisecond, "manager should reconnect after the fixed delay")

	assert.ElementsMatch(t, []string{"sensors/temp", "sensors/humidity"}, client.subscribedTopics())
	assert.ElementsMatch(t, []string{"sensors/temp", "sensors/humidity"}, mgr.Topics())
}

func TestManager_ReconnectAbandonedWhenSetEmpties(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectWait = 50 * time.Millisecond
	mgr, client := newTestManager(t, cfg, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Subscribe(ctx, "sensors/temp"))
	client.simulateConnectionLost(errors.New("broken pipe"))

	// The last topic goes away while the reconnect loop is waiting.
	require.NoError(t, mgr.Unsubscribe(ctx, "sensors/temp"))

	time.Sleep(3 * cfg.ReconnectWait)
	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.connectCalls, "no reconnect attempt once the tracked set is empty")
	assert.False(t, client.connected)
}

func TestManager_StopClosesEnvelopeChannel(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	require.NoError(t, mgr.Subscribe(context.Background(), "sensors/temp"))

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.Stop(stopCtx))
	require.NoError(t, mgr.Stop(stopCtx), "Stop must be idempotent")

	assert.True(t, client.wasDisconnected())
	_, open := <-mgr.Messages()
	assert.False(t, open, "envelope channel must close on Stop")
}

// TestManager_EndToEndForwarding wires the manager to the forwarding service
// and the metrics aggregator, then replays an inbound publish through the
// whole pipeline.
func TestManager_EndToEndForwarding(t *testing.T) {
	mgr, client := newTestManager(t, testConfig(), nil)
	require.NoError(t, mgr.Subscribe(context.Background(), "sensors/temp"))

	agg := metrics.NewAggregator(metrics.AggregatorConfig{
		WindowDuration: 50 * time.Millisecond,
		NumWindows:     5,
	}, zerolog.Nop())
	snk := newFakeBridgeSink()

	svc, err := bridge.NewService(bridge.ServiceConfig{NumWorkers: 2}, mgr, snk, agg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
	})

	client.deliver("sensors/temp", make([]byte, 120))
	time.Sleep(60 * time.Millisecond)
	// A later publish seals the first window so its counts become readable.
	client.deliver("sensors/temp", []byte("seal"))

	var snap metrics.Snapshot
	require.Eventually(t, func() bool {
		snap = agg.Snapshot()
		return snap.SealedWindows >= 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, snap.Received, uint64(1))
	assert.GreaterOrEqual(t, snap.Processed, uint64(1))
	assert.Zero(t, snap.Dropped)
	assert.GreaterOrEqual(t, snap.MaxSize, uint64(120))
	assert.GreaterOrEqual(t, snk.sent.Load(), int64(1))
}

type fakeBridgeSink struct {
	sent atomic.Int64
}

func newFakeBridgeSink() *fakeBridgeSink { return &fakeBridgeSink{} }

func (f *fakeBridgeSink) Send(_ context.Context, _, _ string, _ []byte) error {
	f.sent.Add(1)
	return nil
}

func (f *fakeBridgeSink) IsConnected() bool { return true }
