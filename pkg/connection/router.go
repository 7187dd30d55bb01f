package connection

import (
	"errors"
	"sync"

	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/transport"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer.
const DefaultSubscriberBuffer = 100

var errRouterClosed = errors.New("router closed")

// Router fans events for one channel name out to every subscriber of that
// name. It outlives reconnects: subscribers keep their channel while the
// underlying connection is replaced.
type Router struct {
	// routes maps channel name -> subscription id -> subscription
	routes   map[string]map[uint64]*Subscription
	routesMu sync.RWMutex
	nextID   uint64
	buffer   int
	closed   bool

	logger  logger.Logger
	metrics *metrics.Metrics
}

// Subscription is one subscriber's registration with a Router.
type Subscription struct {
	id   uint64
	name string
	ch   chan transport.Event
}

func (s *Subscription) Name() string { return s.name }

// Events is closed when the subscriber is removed or the Router closes.
func (s *Subscription) Events() <-chan transport.Event { return s.ch }

func NewRouter(log logger.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{
		routes:  make(map[string]map[uint64]*Subscription),
		buffer:  DefaultSubscriberBuffer,
		logger:  log,
		metrics: m,
	}
}

// Subscribe registers a new subscriber for name. first reports whether it is
// the only subscriber, which is when the caller has to join the channel upstream.
func (r *Router) Subscribe(name string) (sub *Subscription, first bool, err error) {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	if r.closed {
		return nil, false, errRouterClosed
	}

	subs, ok := r.routes[name]
	if !ok {
		subs = make(map[uint64]*Subscription)
		r.routes[name] = subs
	}
	r.nextID++
	sub = &Subscription{
		id:   r.nextID,
		name: name,
		ch:   make(chan transport.Event, r.buffer),
	}
	subs[sub.id] = sub

	r.logger.Debug("subscriber added", "channel", name, "subscribers", len(subs))
	return sub, len(subs) == 1, nil
}

// Unsubscribe closes the subscriber's channel. last reports whether no
// subscriber remains for its name.
func (r *Router) Unsubscribe(sub *Subscription) (last bool) {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	subs, ok := r.routes[sub.name]
	if !ok {
		return false
	}
	if _, ok := subs[sub.id]; !ok {
		return false
	}
	delete(subs, sub.id)
	close(sub.ch)

	if len(subs) == 0 {
		delete(r.routes, sub.name)
		r.logger.Debug("route removed", "channel", sub.name)
		return true
	}
	return false
}

// Publish delivers ev to every subscriber of ev.Channel without blocking.
// Subscribers whose buffer is full miss the event.
func (r *Router) Publish(ev transport.Event) {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	r.metrics.IncChannelEvent(ev.Channel, string(ev.Action))

	for _, sub := range r.routes[ev.Channel] {
		select {
		case sub.ch <- ev:
		default:
			r.metrics.IncChannelDropped(ev.Channel)
			r.logger.Warn("failed to route event, subscriber buffer full",
				"channel", ev.Channel,
				"id", ev.ID)
		}
	}
}

// Names returns the channel names that currently have subscribers.
func (r *Router) Names() []string {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	return names
}

// Close closes every subscriber channel. Later Subscribe calls fail.
func (r *Router) Close() {
	r.routesMu.Lock()
	defer r.routesMu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for name, subs := range r.routes {
		for _, sub := range subs {
			close(sub.ch)
		}
		delete(r.routes, name)
	}
}

// routedChannel is the transport.Channel handed to subscribers.
type routedChannel struct {
	sub     *Subscription
	once    sync.Once
	release func(sub *Subscription) error
	err     error
}

func (c *routedChannel) Name() string { return c.sub.name }

func (c *routedChannel) Events() <-chan transport.Event { return c.sub.ch }

func (c *routedChannel) Close() error {
	c.once.Do(func() {
		c.err = c.release(c.sub)
	})
	return c.err
}
