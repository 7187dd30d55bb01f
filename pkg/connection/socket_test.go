package connection

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/crmsync/crmsync/internal/fakeserver"
	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/transport"
)

func newTestSocket(t *testing.T, server *fakeserver.Server, opts ...Option) *Socket {
	t.Helper()
	opts = append([]Option{
		WithLogger(logger.Nop()),
		WithJoinTimeout(2 * time.Second),
		WithHeartbeat(0),
	}, opts...)

	s, err := NewSocket(server.SocketURL(), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func receive(t *testing.T, ch transport.Channel) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return transport.Event{}
	}
}

func TestNewSocketRequiresURL(t *testing.T) {
	_, err := NewSocket("")
	assert.ErrorIs(t, err, constants.ErrNoEndpoint)
}

func TestSocketJoinAndPush(t *testing.T) {
	server := fakeserver.NewServer()
	defer server.Close()
	s := newTestSocket(t, server)

	ctx := context.Background()
	notes, err := s.Channel(ctx, "Note")
	require.NoError(t, err)
	again, err := s.Channel(ctx, "Note")
	require.NoError(t, err)
	assert.Equal(t, 1, server.Joins("Note"), "second subscriber shares the join")

	require.Equal(t, 1, server.Push("Note", transport.Event{
		Action:  transport.UpdateAction,
		ID:      "n1",
		Payload: []byte(`{"id":"n1","content":"updated"}`),
	}))

	for _, ch := range []transport.Channel{notes, again} {
		ev := receive(t, ch)
		assert.Equal(t, "Note", ev.Channel)
		assert.Equal(t, transport.UpdateAction, ev.Action)
		assert.Equal(t, "n1", ev.ID)
	}

	server.PushGroup("Note",
		transport.Event{Action: transport.CreateAction, ID: "n2"},
		transport.Event{Action: transport.DeleteAction, ID: "n1"},
	)
	assert.Equal(t, "n2", receive(t, notes).ID)
	assert.Equal(t, "n1", receive(t, notes).ID)

	require.NoError(t, again.Close())
	require.NoError(t, notes.Close())
	_, ok := <-notes.Events()
	assert.False(t, ok)
}

func TestSocketJoinRejected(t *testing.T) {
	server := fakeserver.NewServer()
	defer server.Close()
	server.RejectJoin("Issue", "unauthorized")
	s := newTestSocket(t, server)

	_, err := s.Channel(context.Background(), "Issue")
	require.ErrorIs(t, err, constants.ErrJoinRejected)
	assert.Contains(t, err.Error(), "unauthorized")
	assert.Empty(t, s.router.Names())
}

func TestSocketSharedJoinRejected(t *testing.T) {
	server := fakeserver.NewServer()
	defer server.Close()
	server.RejectJoin("Issue", "unauthorized")
	server.DelayJoins(300 * time.Millisecond)
	s := newTestSocket(t, server)

	firstErr := make(chan error, 1)
	go func() {
		_, err := s.Channel(context.Background(), "Issue")
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		return server.JoinAttempts("Issue") == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := s.Channel(context.Background(), "Issue")
	require.ErrorIs(t, err, constants.ErrJoinRejected, "a subscriber waiting on a failed join fails with it")
	require.ErrorIs(t, <-firstErr, constants.ErrJoinRejected)

	assert.Equal(t, 1, server.JoinAttempts("Issue"))
	assert.Empty(t, s.router.Names())
	assert.Empty(t, s.joins)

	server.DelayJoins(0)
	_, err = s.Channel(context.Background(), "Issue")
	require.ErrorIs(t, err, constants.ErrJoinRejected)
	assert.Equal(t, 2, server.JoinAttempts("Issue"), "a later subscriber joins again")
}

func TestSocketReconnectRejoins(t *testing.T) {
	server := fakeserver.NewServer()
	defer server.Close()

	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	s := newTestSocket(t, server,
		WithRetryer(&Fixed{Delay: 10 * time.Millisecond, MaxRetries: 50}),
		WithMetrics(m))

	notes, err := s.Channel(context.Background(), "Note")
	require.NoError(t, err)
	require.True(t, server.WaitJoins("Note", 1, time.Second))

	server.DropConnections()
	require.True(t, server.WaitJoins("Note", 2, 2*time.Second), "channel rejoined after reconnect")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SocketReconnects))

	server.Push("Note", transport.Event{Action: transport.UpdateAction, ID: "n1"})
	assert.Equal(t, "n1", receive(t, notes).ID)
	assert.NoError(t, s.Err())
}

func TestSocketGivesUp(t *testing.T) {
	server := fakeserver.NewServer()
	s := newTestSocket(t, server, WithRetryer(Never{}))

	notes, err := s.Channel(context.Background(), "Note")
	require.NoError(t, err)

	server.Close()

	select {
	case _, ok := <-notes.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after giving up")
	}
	assert.Error(t, s.Err())

	_, err = s.Channel(context.Background(), "Note")
	assert.ErrorIs(t, err, constants.ErrClosed)
}

func TestSocketToken(t *testing.T) {
	server := fakeserver.NewServer()
	defer server.Close()

	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	newTestSocket(t, server, WithToken(valid))
	assert.Equal(t, []string{valid}, server.Tokens())

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	s, err := NewSocket(server.SocketURL(), WithToken(expired))
	require.NoError(t, err)
	assert.ErrorIs(t, s.Connect(context.Background()), constants.ErrTokenExpired)
}

func TestSocketClose(t *testing.T) {
	server := fakeserver.NewServer()
	defer server.Close()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := NewSocket(server.SocketURL(), WithHeartbeat(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))

	notes, err := s.Channel(context.Background(), "Note")
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	_, ok := <-notes.Events()
	assert.False(t, ok)

	_, err = s.Channel(context.Background(), "Note")
	assert.ErrorIs(t, err, constants.ErrClosed)
	assert.NoError(t, s.Close(context.Background()))
}
