// Package store keeps server-authoritative records in memory.
//
// A Store holds one record, a Group holds every Store of one record type
// keyed by id. Both are fed by explicit Load calls (query results) and by
// change events pushed on a transport.Channel after Subscribe.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/transport"
)

// Mutator persists a locally changed record. A non-nil returned record is
// loaded into the Store as the server's answer.
type Mutator[T any] func(ctx context.Context, op Operation, value T) (*T, error)

type settings struct {
	channels    transport.ChannelProvider
	channelName string
	logger      logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(s *settings)

// WithChannels sets where Subscribe opens its channel.
func WithChannels(p transport.ChannelProvider) Option {
	return func(s *settings) { s.channels = p }
}

// WithChannelName overrides the channel name, which defaults to the record's Typename.
func WithChannelName(name string) Option {
	return func(s *settings) { s.channelName = name }
}

func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func newSettings(typename models.Typename, opts []Option) settings {
	s := settings{
		channelName: string(typename),
		logger:      logger.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Handle is the type-erased view of a Store.
type Handle interface {
	ID() string
	Typename() models.Typename
	Version() uint64
	Entity() models.Entity
}

// Store holds one record of type T.
type Store[T any, P models.EntityPtr[T]] struct {
	mu           sync.RWMutex
	value        T
	history      []Operation
	bootstrapped bool
	loading      bool
	err          string
	version      uint64

	observers  map[uint64]func(T)
	nextWatch  uint64
	observerMu sync.Mutex

	sub   transport.Channel
	subMu sync.Mutex
	wg    sync.WaitGroup

	typename models.Typename
	mutator  Mutator[T]
	settings settings
}

// New returns a Store whose value is a fresh record with a random id. mutator
// may be nil for read-only stores.
func New[T any, P models.EntityPtr[T]](mutator Mutator[T], opts ...Option) *Store[T, P] {
	value := models.NewEntity[T, P]()
	typename := P(&value).GetTypename()
	return &Store[T, P]{
		value:     value,
		observers: make(map[uint64]func(T)),
		typename:  typename,
		mutator:   mutator,
		settings:  newSettings(typename, opts),
	}
}

// Value returns a copy of the current record.
func (s *Store[T, P]) Value() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

func (s *Store[T, P]) Entity() models.Entity {
	v := s.Value()
	return P(&v)
}

func (s *Store[T, P]) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return P(&s.value).GetID()
}

func (s *Store[T, P]) SetID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	P(&s.value).SetID(id)
}

func (s *Store[T, P]) Typename() models.Typename { return s.typename }

// History returns the operations recorded by Update, oldest first.
func (s *Store[T, P]) History() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Operation(nil), s.history...)
}

// IsBootstrapped reports whether a server record has been loaded.
func (s *Store[T, P]) IsBootstrapped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootstrapped
}

func (s *Store[T, P]) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

func (s *Store[T, P]) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// Error returns the last save error, or "" when the last save succeeded.
func (s *Store[T, P]) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Store[T, P]) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = msg
}

// Version counts applied changes.
func (s *Store[T, P]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Load merges each record whose id matches the Store's id. Before the first
// load any id matches and becomes the Store's id. Zero-valued fields of a
// record are left out of the merge; use LoadRaw to clear a field.
func (s *Store[T, P]) Load(records ...T) {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			s.settings.logger.Error("failed to encode record", "typename", s.typename, "error", err)
			continue
		}
		if err := s.LoadRaw(data); err != nil {
			s.settings.logger.Error("failed to load record", "typename", s.typename, "error", err)
		}
	}
}

// LoadRaw is Load for a raw JSON payload. Fields present in the payload
// overwrite the current value.
func (s *Store[T, P]) LoadRaw(payload json.RawMessage) error {
	id := payloadID(payload)

	s.mu.Lock()
	if s.bootstrapped && id != P(&s.value).GetID() {
		s.mu.Unlock()
		return nil
	}
	merged, err := merge[T, P](s.value, payload)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.value = merged
	s.bootstrapped = true
	s.version++
	value := s.value
	s.mu.Unlock()

	s.settings.metrics.IncStoreLoad(string(s.typename))
	s.notify(value)
	return nil
}

// Update applies mutate locally, records an Operation and saves the result
// with the Mutator. mutate runs on a copy of the value without holding the
// Store's lock, so it may read the Store; the top-level fields it changed are
// then written onto the current value. When the save fails those fields get
// their previous value back, except fields a later Load already overwrote.
func (s *Store[T, P]) Update(ctx context.Context, name string, mutate func(*T)) error {
	if s.mutator == nil {
		return constants.ErrNoMutator
	}

	next := clone(s.Value())
	before, err := fields(next)
	if err != nil {
		return err
	}
	mutate(&next)
	models.Stamp[T, P](&next)
	after, err := fields(next)
	if err != nil {
		return err
	}
	changes := changedFields(before, after)

	s.mu.Lock()
	applied, err := patch[T, P](s.value, changes, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.value = applied
	op := Operation{
		ID:       newOperationID(),
		Name:     name,
		Typename: s.typename,
		EntityID: P(&s.value).GetID(),
		At:       s.settings.now(),
	}
	s.history = append(s.history, op)
	s.err = ""
	s.version++
	value := s.value
	s.mu.Unlock()

	s.notify(value)

	saved, err := s.mutator(ctx, op, value)
	if err != nil {
		s.rollback(op, changedFields(after, before), after, err)
		return fmt.Errorf("%s %s %s: %w", name, s.typename, op.EntityID, err)
	}

	if saved != nil {
		s.Load(*saved)
	}
	return nil
}

// rollback writes undo onto the value for every field still holding what
// Update applied.
func (s *Store[T, P]) rollback(op Operation, undo, applied map[string]json.RawMessage, cause error) {
	s.mu.Lock()
	restored, err := patch[T, P](s.value, undo, func(key string, cur json.RawMessage) bool {
		return bytes.Equal(cur, applied[key])
	})
	if err == nil {
		s.value = restored
	}
	s.err = cause.Error()
	s.version++
	s.history[s.historyIndex(op.ID)].Err = cause.Error()
	value := s.value
	s.mu.Unlock()

	if err != nil {
		s.settings.logger.Error("failed to restore value", "typename", s.typename, "id", op.EntityID, "error", err)
	}
	s.settings.metrics.IncStoreRollback(string(s.typename))
	s.settings.logger.Warn("update rolled back",
		"typename", s.typename,
		"id", op.EntityID,
		"operation", op.Name,
		"error", cause)
	s.notify(value)
}

// historyIndex finds an operation by id. The caller holds mu.
func (s *Store[T, P]) historyIndex(id string) int {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return i
		}
	}
	return len(s.history) - 1
}

// Observe registers fn to run after every change with the new value. The
// returned func removes it.
func (s *Store[T, P]) Observe(fn func(T)) (cancel func()) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()

	s.nextWatch++
	id := s.nextWatch
	s.observers[id] = fn
	return func() {
		s.observerMu.Lock()
		defer s.observerMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store[T, P]) notify(value T) {
	s.observerMu.Lock()
	fns := make([]func(T), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.observerMu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Subscribe opens the record type's channel and loads pushed changes for this
// Store's id. Calling it again while subscribed does nothing.
func (s *Store[T, P]) Subscribe(ctx context.Context) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.sub != nil {
		return nil
	}
	if s.settings.channels == nil {
		return constants.ErrNotConnected
	}

	ch, err := s.settings.channels.Channel(ctx, s.settings.channelName)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.settings.channelName, err)
	}
	s.sub = ch

	s.wg.Add(1)
	go s.consume(ch)
	return nil
}

func (s *Store[T, P]) consume(ch transport.Channel) {
	defer s.wg.Done()

	for ev := range ch.Events() {
		if ev.Action == transport.DeleteAction {
			continue
		}
		if eventID(ev) != s.ID() {
			continue
		}
		if err := s.LoadRaw(ev.Payload); err != nil {
			s.settings.logger.Error("failed to apply pushed change",
				"channel", ev.Channel,
				"id", ev.ID,
				"error", err)
		}
	}
}

// Close ends the subscription, if any.
func (s *Store[T, P]) Close() error {
	s.subMu.Lock()
	ch := s.sub
	s.sub = nil
	s.subMu.Unlock()

	if ch == nil {
		return nil
	}
	err := ch.Close()
	s.wg.Wait()
	return err
}

func eventID(ev transport.Event) string {
	if ev.ID != "" {
		return ev.ID
	}
	return payloadID(ev.Payload)
}
