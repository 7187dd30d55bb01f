package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/transport"
)

// Group holds the Stores of one record type keyed by id. A Store, once
// created, is kept for as long as its id stays in the Group.
type Group[T any, P models.EntityPtr[T]] struct {
	mu      sync.RWMutex
	stores  map[string]*Store[T, P]
	total   int
	history []GroupOperation

	sub   transport.Channel
	subMu sync.Mutex
	wg    sync.WaitGroup

	typename models.Typename
	mutator  Mutator[T]
	settings settings
	// storeOpts are handed to every Store the Group creates.
	storeOpts []Option
}

// NewGroup returns an empty Group. WithChannelName applies to the Group's
// own channel; the Stores it creates use their Typename.
func NewGroup[T any, P models.EntityPtr[T]](mutator Mutator[T], opts ...Option) *Group[T, P] {
	var zero T
	typename := P(&zero).GetTypename()
	s := newSettings(typename, opts)

	return &Group[T, P]{
		stores:   make(map[string]*Store[T, P]),
		typename: typename,
		mutator:  mutator,
		settings: s,
		storeOpts: []Option{
			WithChannels(s.channels),
			WithLogger(s.logger),
			WithMetrics(s.metrics),
			withClock(s.now),
		},
	}
}

func (g *Group[T, P]) Typename() models.Typename { return g.typename }

// ChannelName is the name of the channel Subscribe opens.
func (g *Group[T, P]) ChannelName() string { return g.settings.channelName }

// Load upserts records: a record with an unknown id gets a new Store, then
// the record is loaded into its Store. The Stores are returned in record order.
func (g *Group[T, P]) Load(records ...T) []*Store[T, P] {
	out := make([]*Store[T, P], 0, len(records))
	for _, rec := range records {
		id := P(&rec).GetID()
		if id == "" {
			g.settings.logger.Warn("ignoring record without id", "typename", g.typename)
			continue
		}
		st := g.getOrCreate(id)
		st.Load(rec)
		out = append(out, st)
	}
	g.settings.metrics.SetGroupSize(string(g.typename), g.Len())
	return out
}

// LoadRaw is Load for raw JSON payloads. It stops at the first payload that
// cannot be applied; Stores loaded before it are kept.
func (g *Group[T, P]) LoadRaw(payloads ...json.RawMessage) ([]*Store[T, P], error) {
	out := make([]*Store[T, P], 0, len(payloads))
	defer func() {
		g.settings.metrics.SetGroupSize(string(g.typename), g.Len())
	}()

	for _, payload := range payloads {
		id := payloadID(payload)
		if id == "" {
			return out, fmt.Errorf("%w: %s payload without id", constants.ErrInvalidResponse, g.typename)
		}

		if st, ok := g.Get(id); ok {
			if err := st.LoadRaw(payload); err != nil {
				return out, err
			}
			out = append(out, st)
			continue
		}

		// New Stores join the Group only once their first payload applied.
		st := g.newStore(id)
		if err := st.LoadRaw(payload); err != nil {
			return out, err
		}
		out = append(out, g.insert(st))
	}
	return out, nil
}

// Sync reconciles one page of a paginated query: Stores for ids on the page
// are kept and updated, missing ones are created, nothing is removed. total
// is the server's count of all records.
func (g *Group[T, P]) Sync(page []T, total int) []*Store[T, P] {
	stores := g.Load(page...)

	ids := make([]string, 0, len(stores))
	for _, st := range stores {
		ids = append(ids, st.ID())
	}

	g.mu.Lock()
	g.total = total
	g.record("sync", ids, total)
	g.mu.Unlock()
	return stores
}

// Remove drops the Stores for ids and ends their subscriptions.
func (g *Group[T, P]) Remove(ids ...string) {
	g.mu.Lock()
	removed := make([]*Store[T, P], 0, len(ids))
	removedIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if st, ok := g.stores[id]; ok {
			removed = append(removed, st)
			removedIDs = append(removedIDs, id)
			delete(g.stores, id)
		}
	}
	if len(removedIDs) > 0 {
		g.record("remove", removedIDs, g.total)
	}
	size := len(g.stores)
	g.mu.Unlock()

	for _, st := range removed {
		if err := st.Close(); err != nil {
			g.settings.logger.Warn("failed to close store", "typename", g.typename, "id", st.ID(), "error", err)
		}
	}
	g.settings.metrics.SetGroupSize(string(g.typename), size)
}

// record appends to the history. The caller holds mu.
func (g *Group[T, P]) record(name string, ids []string, total int) {
	g.history = append(g.history, GroupOperation{
		ID:       newOperationID(),
		Name:     name,
		Typename: g.typename,
		IDs:      ids,
		Total:    total,
		At:       g.settings.now(),
	})
}

func (g *Group[T, P]) Get(id string) (*Store[T, P], bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.stores[id]
	return st, ok
}

func (g *Group[T, P]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.stores)
}

// IDs returns the ids in the Group, sorted.
func (g *Group[T, P]) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.stores))
	for id := range g.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Values returns the current records sorted by id.
func (g *Group[T, P]) Values() []T {
	ids := g.IDs()
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		if st, ok := g.Get(id); ok {
			out = append(out, st.Value())
		}
	}
	return out
}

// TotalElements is the server-reported count of records of this type, which
// may exceed Len.
func (g *Group[T, P]) TotalElements() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.total
}

func (g *Group[T, P]) History() []GroupOperation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]GroupOperation(nil), g.history...)
}

func (g *Group[T, P]) newStore(id string) *Store[T, P] {
	st := New[T, P](g.mutator, g.storeOpts...)
	st.SetID(id)
	return st
}

// insert adds st unless another Store for its id got there first, in which
// case st's value is loaded into that one.
func (g *Group[T, P]) insert(st *Store[T, P]) *Store[T, P] {
	g.mu.Lock()
	existing, ok := g.stores[st.ID()]
	if !ok {
		g.stores[st.ID()] = st
	}
	g.mu.Unlock()

	if ok {
		existing.Load(st.Value())
		return existing
	}
	return st
}

func (g *Group[T, P]) getOrCreate(id string) *Store[T, P] {
	if st, ok := g.Get(id); ok {
		return st
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.stores[id]; ok {
		return st
	}
	st := g.newStore(id)
	g.stores[id] = st
	return st
}

// Subscribe opens the Group's channel: CREATE and UPDATE events are loaded,
// DELETE events remove the id. Calling it again while subscribed does nothing.
func (g *Group[T, P]) Subscribe(ctx context.Context) error {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	if g.sub != nil {
		return nil
	}
	if g.settings.channels == nil {
		return constants.ErrNotConnected
	}

	ch, err := g.settings.channels.Channel(ctx, g.settings.channelName)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", g.settings.channelName, err)
	}
	g.sub = ch

	g.wg.Add(1)
	go g.consume(ch)
	return nil
}

func (g *Group[T, P]) consume(ch transport.Channel) {
	defer g.wg.Done()

	for ev := range ch.Events() {
		switch ev.Action {
		case transport.CreateAction, transport.UpdateAction:
			if _, err := g.LoadRaw(ev.Payload); err != nil {
				g.settings.logger.Error("failed to apply pushed change",
					"channel", ev.Channel,
					"id", ev.ID,
					"error", err)
			}
		case transport.DeleteAction:
			g.Remove(eventID(ev))
		default:
			g.settings.logger.Debug("ignoring event", "channel", ev.Channel, "action", ev.Action)
		}
	}
}

// Close ends the Group's subscription and those of its Stores.
func (g *Group[T, P]) Close() error {
	g.subMu.Lock()
	ch := g.sub
	g.sub = nil
	g.subMu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
		g.wg.Wait()
	}

	g.mu.RLock()
	stores := make([]*Store[T, P], 0, len(g.stores))
	for _, st := range g.stores {
		stores = append(stores, st)
	}
	g.mu.RUnlock()

	for _, st := range stores {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
