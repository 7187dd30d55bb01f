package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crmsync/crmsync/pkg/transport"
)

type fakeChannel struct {
	name   string
	events chan transport.Event
	once   sync.Once
}

func (c *fakeChannel) Name() string                   { return c.name }
func (c *fakeChannel) Events() <-chan transport.Event { return c.events }
func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

// fakeChannels hands out one buffered channel per Channel call.
type fakeChannels struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (p *fakeChannels) Channel(_ context.Context, name string) (transport.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &fakeChannel{name: name, events: make(chan transport.Event, 16)}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *fakeChannels) opened() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.channels))
	for _, ch := range p.channels {
		names = append(names, ch.name)
	}
	return names
}

func (p *fakeChannels) push(t *testing.T, action transport.Action, id string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.channels, "nothing subscribed")
	for _, ch := range p.channels {
		ch.events <- transport.Event{Channel: ch.name, Action: action, ID: id, Payload: data}
	}
}
