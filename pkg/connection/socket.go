// Package connection implements the real-time half of the transport:
// named channels of server-pushed change events, over a websocket
// (Socket) or an MQTT broker (MQTTProvider).
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/crmsync/crmsync/internal/rand"
	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/transport"
)

// DefaultDialer is gorilla's default dialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

type Option func(s *Socket)

func WithToken(token string) Option {
	return func(s *Socket) { s.token = token }
}

func WithRetryer(r Retryer) Option {
	return func(s *Socket) { s.retryer = r }
}

// WithHeartbeat sets the heartbeat interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Socket) { s.heartbeat = d }
}

// WithJoinTimeout bounds each join round trip, including rejoins after reconnect.
func WithJoinTimeout(d time.Duration) Option {
	return func(s *Socket) { s.joinTimeout = d }
}

func WithDialer(d *gorilla.Dialer) Option {
	return func(s *Socket) { s.dialer = d }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Socket) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Socket) { s.metrics = m }
}

// Socket is a websocket client that multiplexes named channels over one
// connection. It reconnects on read failures according to its Retryer and
// rejoins every channel that still has subscribers.
type Socket struct {
	url         string
	token       string
	dialer      *gorilla.Dialer
	retryer     Retryer
	heartbeat   time.Duration
	joinTimeout time.Duration

	conn     *gorilla.Conn
	connLock sync.Mutex

	pending     map[string]chan Frame
	pendingLock sync.Mutex

	// joins holds the first join of every topic that has subscribers.
	joins     map[string]*joinState
	joinsLock sync.Mutex

	router  *Router
	logger  logger.Logger
	metrics *metrics.Metrics

	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errLock  sync.Mutex
	closeErr error

	now func() time.Time
}

func NewSocket(rawURL string, opts ...Option) (*Socket, error) {
	if rawURL == "" {
		return nil, constants.ErrNoEndpoint
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid socket url: %w", err)
	}

	s := &Socket{
		url:         rawURL,
		dialer:      DefaultDialer,
		retryer:     NewBackoff(),
		heartbeat:   constants.DefaultHeartbeat,
		joinTimeout: 10 * time.Second,
		pending:     make(map[string]chan Frame),
		joins:       make(map[string]*joinState),
		logger:      logger.Nop(),
		closeChan:   make(chan struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = NewRouter(s.logger, s.metrics)
	return s, nil
}

// Connect dials the socket and starts the read and heartbeat loops.
func (s *Socket) Connect(ctx context.Context) error {
	if err := checkToken(s.token, s.now()); err != nil {
		return err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	if !s.setConn(conn) {
		return constants.ErrClosed
	}

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.heartbeatLoop()

	s.logger.Info("socket connected", "url", s.url)
	return nil
}

func (s *Socket) dial(ctx context.Context) (*gorilla.Conn, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		q := u.Query()
		q.Set("token", s.token)
		u.RawQuery = q.Encode()
	}

	conn, res, err := s.dialer.DialContext(ctx, u.String(), nil)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing socket: %w", err)
	}
	return conn, nil
}

// setConn swaps the live connection. It refuses (and closes conn) once the
// socket is closing.
func (s *Socket) setConn(conn *gorilla.Conn) bool {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.closing() {
		if conn != nil {
			conn.Close()
		}
		return false
	}
	s.conn = conn
	return true
}

func (s *Socket) closing() bool {
	select {
	case <-s.closeChan:
		return true
	default:
		return false
	}
}

type joinState struct {
	done chan struct{}
	err  error
}

// Channel implements transport.ChannelProvider. The first subscriber of a
// name joins the topic on the server; later subscribers share that join and
// fail with it.
func (s *Socket) Channel(ctx context.Context, name string) (transport.Channel, error) {
	s.joinsLock.Lock()
	sub, first, err := s.router.Subscribe(name)
	if err != nil {
		s.joinsLock.Unlock()
		return nil, constants.ErrClosed
	}
	state := s.joins[name]
	if first {
		state = &joinState{done: make(chan struct{})}
		s.joins[name] = state
	}
	s.joinsLock.Unlock()

	if first {
		state.err = s.join(ctx, name)
		close(state.done)
	} else if state != nil {
		select {
		case <-state.done:
		case <-ctx.Done():
			s.drop(sub)
			return nil, fmt.Errorf("joining %s: %w", name, ctx.Err())
		}
	}
	if state != nil && state.err != nil {
		s.drop(sub)
		return nil, state.err
	}

	return &routedChannel{sub: sub, release: s.release}, nil
}

// drop unsubscribes sub and forgets the topic's join once no subscriber is left.
func (s *Socket) drop(sub *Subscription) (last bool) {
	s.joinsLock.Lock()
	defer s.joinsLock.Unlock()

	last = s.router.Unsubscribe(sub)
	if last {
		delete(s.joins, sub.name)
	}
	return last
}

func (s *Socket) release(sub *Subscription) error {
	if !s.drop(sub) || s.closing() {
		return nil
	}

	err := s.write(Frame{Topic: sub.name, Event: EventLeave, Ref: rand.NewRef(constants.RefLength)})
	if err == constants.ErrNotConnected {
		return nil
	}
	return err
}

func (s *Socket) join(ctx context.Context, topic string) error {
	ref := rand.NewRef(constants.RefLength)
	replyChan := s.addPending(ref)
	defer s.removePending(ref)

	err := s.write(Frame{Topic: topic, Event: EventJoin, Ref: ref, Payload: json.RawMessage(`{}`)})
	if err != nil {
		return fmt.Errorf("joining %s: %w", topic, err)
	}

	if s.joinTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.joinTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("joining %s: %w: %w", topic, constants.ErrTimeout, ctx.Err())
	case <-s.closeChan:
		return constants.ErrClosed
	case frame, ok := <-replyChan:
		if !ok {
			return fmt.Errorf("joining %s: %w", topic, constants.ErrNotConnected)
		}
		var reply Reply
		if err := json.Unmarshal(frame.Payload, &reply); err != nil {
			return fmt.Errorf("joining %s: %w", topic, err)
		}
		if reply.Status != replyOK {
			return fmt.Errorf("%w: %s: %s", constants.ErrJoinRejected, topic, string(reply.Response))
		}
		s.logger.Debug("channel joined", "topic", topic)
		return nil
	}
}

func (s *Socket) rejoin() {
	defer s.wg.Done()

	for _, name := range s.router.Names() {
		if err := s.join(context.Background(), name); err != nil {
			s.logger.Warn("rejoin failed", "topic", name, "error", err)
		}
	}
}

func (s *Socket) addPending(ref string) chan Frame {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	ch := make(chan Frame, 1)
	s.pending[ref] = ch
	return ch
}

func (s *Socket) removePending(ref string) {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()
	delete(s.pending, ref)
}

func (s *Socket) takePending(ref string) (chan Frame, bool) {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	ch, ok := s.pending[ref]
	if ok {
		delete(s.pending, ref)
	}
	return ch, ok
}

// failPending wakes every join waiting on a reply that will never come.
func (s *Socket) failPending() {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	for ref, ch := range s.pending {
		close(ch)
		delete(s.pending, ref)
	}
}

func (s *Socket) write(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.conn == nil {
		if s.closing() {
			return constants.ErrClosed
		}
		return constants.ErrNotConnected
	}
	return s.conn.WriteMessage(gorilla.TextMessage, data)
}

func (s *Socket) readLoop(conn *gorilla.Conn) {
	defer s.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.closing() {
				return
			}
			s.logger.Warn("socket read failed", "error", err)
			conn = s.reconnect(err)
			if conn == nil {
				return
			}
			continue
		}
		// Frames are handled inline so pushes for one id apply in arrival order.
		s.handleFrame(data)
	}
}

func (s *Socket) reconnect(lastErr error) *gorilla.Conn {
	s.connLock.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connLock.Unlock()
	s.failPending()

	for attempt := 0; ; attempt++ {
		delay, ok := s.retryer.NextDelay(attempt, lastErr)
		if !ok {
			s.logger.Error("giving up reconnecting", "attempts", attempt, "error", lastErr)
			s.setCloseErr(lastErr)
			s.router.Close()
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.closeChan:
			timer.Stop()
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.joinTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			lastErr = err
			s.logger.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		if !s.setConn(conn) {
			return nil
		}

		s.retryer.Reset()
		s.metrics.IncReconnect()
		s.logger.Info("socket reconnected", "attempt", attempt+1)

		s.wg.Add(1)
		go s.rejoin()
		return conn
	}
}

func (s *Socket) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Error("invalid socket frame", "error", err)
		return
	}

	switch frame.Event {
	case EventReply:
		// heartbeat and leave replies have no waiter
		if ch, ok := s.takePending(frame.Ref); ok {
			ch <- frame
		}
	case EventSync:
		var ev transport.Event
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			s.logger.Error("invalid sync packet", "topic", frame.Topic, "error", err)
			return
		}
		ev.Channel = frame.Topic
		s.router.Publish(ev)
	case EventSyncGroup:
		var packet GroupPacket
		if err := json.Unmarshal(frame.Payload, &packet); err != nil {
			s.logger.Error("invalid sync group packet", "topic", frame.Topic, "error", err)
			return
		}
		for _, ev := range packet.Events {
			ev.Channel = frame.Topic
			s.router.Publish(ev)
		}
	default:
		s.logger.Debug("ignoring socket event", "topic", frame.Topic, "event", frame.Event)
	}
}

func (s *Socket) heartbeatLoop() {
	defer s.wg.Done()

	if s.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			err := s.write(Frame{
				Topic:   heartbeatTopic,
				Event:   EventHeartbeat,
				Ref:     rand.NewRef(constants.RefLength),
				Payload: json.RawMessage(`{}`),
			})
			if err != nil && err != constants.ErrNotConnected {
				s.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (s *Socket) setCloseErr(err error) {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	s.closeErr = err
}

// Err returns the error that made the socket give up reconnecting, if any.
func (s *Socket) Err() error {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	return s.closeErr
}

// Close sends a close frame, closes the connection, stops the loops and
// closes every subscriber channel. ctx bounds only the close frame write.
func (s *Socket) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeChan)

		s.connLock.Lock()
		conn := s.conn
		s.conn = nil
		s.connLock.Unlock()

		if conn != nil {
			writeErr := make(chan error, 1)
			go func() {
				writeErr <- conn.WriteControl(gorilla.CloseMessage,
					gorilla.FormatCloseMessage(constants.CloseMessageCode, ""),
					time.Now().Add(time.Second))
			}()
			select {
			case werr := <-writeErr:
				if werr != nil {
					s.logger.Warn("failed to write close message", "error", werr)
				}
			case <-ctx.Done():
			}
			err = conn.Close()
		}

		s.wg.Wait()
		s.failPending()
		s.router.Close()
		s.logger.Info("socket closed")
	})
	return err
}
