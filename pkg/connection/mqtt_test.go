package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/transport"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return mqttQoS }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeBroker struct {
	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	subscribes   int
	subscribeErr error
	disconnected bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return doneToken(b.subscribeErr)
	}
	b.handlers[topic] = cb
	b.subscribes++
	return doneToken(nil)
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.handlers, topic)
		b.unsubscribed = append(b.unsubscribed, topic)
	}
	return doneToken(nil)
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
}

// restart forgets every subscription, as a broker does for a clean session.
func (b *fakeBroker) restart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]mqtt.MessageHandler)
}

func (b *fakeBroker) publish(topic, payload string) bool {
	b.mu.Lock()
	cb, ok := b.handlers[topic]
	b.mu.Unlock()
	if ok {
		cb(nil, fakeMessage{topic: topic, payload: []byte(payload)})
	}
	return ok
}

func TestMQTTProviderChannel(t *testing.T) {
	broker := newFakeBroker()
	p := newMQTTProvider(broker, "crm/events/", logger.Nop(), nil)

	ch, err := p.Channel(context.Background(), "Note")
	require.NoError(t, err)
	assert.Equal(t, "Note", ch.Name())

	require.True(t, broker.publish("crm/events/Note", `{"action":"UPDATE","id":"n1","payload":{"id":"n1","content":"hi"}}`))
	require.True(t, broker.publish("crm/events/Note", `garbage`))

	select {
	case ev := <-ch.Events():
		assert.Equal(t, "Note", ev.Channel)
		assert.Equal(t, transport.UpdateAction, ev.Action)
		assert.Equal(t, "n1", ev.ID)
		assert.JSONEq(t, `{"id":"n1","content":"hi"}`, string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	assert.Empty(t, ch.Events())

	second, err := p.Channel(context.Background(), "Note")
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	assert.Empty(t, broker.unsubscribed, "topic stays subscribed while a subscriber remains")

	require.NoError(t, second.Close())
	assert.Equal(t, []string{"crm/events/Note"}, broker.unsubscribed)

	p.Close()
	assert.True(t, broker.disconnected)

	_, err = p.Channel(context.Background(), "Note")
	assert.Error(t, err)
}

func TestMQTTProviderSubscribeError(t *testing.T) {
	broker := newFakeBroker()
	broker.subscribeErr = errors.New("not authorized")
	p := newMQTTProvider(broker, "", nil, nil)

	_, err := p.Channel(context.Background(), "Issue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
	assert.Empty(t, p.router.Names())
}

func TestDialMQTTRequiresBroker(t *testing.T) {
	_, err := DialMQTT(context.Background(), MQTTConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestMQTTProviderResubscribesOnReconnect(t *testing.T) {
	broker := newFakeBroker()
	p := newMQTTProvider(broker, "crm", logger.Nop(), nil)

	notes, err := p.Channel(context.Background(), "Note")
	require.NoError(t, err)
	issues, err := p.Channel(context.Background(), "Issue")
	require.NoError(t, err)
	require.NoError(t, issues.Close())

	broker.restart()
	assert.False(t, broker.publish("crm/Note", `{"action":"UPDATE","id":"n1"}`))

	p.onConnect(nil)
	assert.Equal(t, 3, broker.subscribes, "only topics with subscribers are subscribed again")
	require.True(t, broker.publish("crm/Note", `{"action":"UPDATE","id":"n1"}`))
	assert.False(t, broker.publish("crm/Issue", `{"action":"UPDATE","id":"i1"}`))

	select {
	case ev := <-notes.Events():
		assert.Equal(t, "n1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event after reconnect")
	}
}

func TestDialMQTTGivesUpOnContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := DialMQTT(ctx, MQTTConfig{Broker: "tcp://127.0.0.1:1", ClientID: "test"}, logger.Nop(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
