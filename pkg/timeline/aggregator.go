// Package timeline builds per-organization timelines out of the records of
// every type, routing each server payload to the Group of its type.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/graphql"
	"github.com/crmsync/crmsync/pkg/logger"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/store"
	"github.com/crmsync/crmsync/pkg/transport"
)

// State is the fetch state of one organization's timeline.
type State string

const (
	StateUnfetched State = "UNFETCHED"
	StateLoading   State = "LOADING"
	StateLoaded    State = "LOADED"
	StateError     State = "ERROR"
)

type Option func(a *Aggregator)

// WithDemo serves timelines from fixtures instead of the Requester.
func WithDemo(f Fixtures) Option {
	return func(a *Aggregator) { a.fixtures = f }
}

func WithPageSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// Aggregator holds the timeline of each organization as an ordered list of
// Store handles owned by the Groups.
type Aggregator struct {
	mu        sync.RWMutex
	timelines map[string][]store.Handle
	states    map[string]State
	inflight  int
	err       string

	groups    *Groups
	requester transport.Requester
	fixtures  Fixtures
	pageSize  int
	now       func() time.Time
	logger    logger.Logger
	metrics   *metrics.Metrics
}

// New returns an Aggregator loading into groups. requester may be nil in demo mode.
func New(requester transport.Requester, groups *Groups, opts ...Option) *Aggregator {
	a := &Aggregator{
		timelines: make(map[string][]store.Handle),
		states:    make(map[string]State),
		groups:    groups,
		requester: requester,
		pageSize:  constants.TimelinePageSize,
		now:       time.Now,
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Groups() *Groups { return a.groups }

// Timeline returns the handles of orgID's timeline in server order. ok is
// false when nothing was loaded for orgID yet.
func (a *Aggregator) Timeline(orgID string) (handles []store.Handle, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	refs, ok := a.timelines[orgID]
	return append([]store.Handle(nil), refs...), ok
}

// Events returns the current records of orgID's timeline in server order.
func (a *Aggregator) Events(orgID string) []models.Entity {
	refs, _ := a.Timeline(orgID)
	out := make([]models.Entity, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.Entity())
	}
	return out
}

func (a *Aggregator) State(orgID string) State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.states[orgID]; ok {
		return s
	}
	return StateUnfetched
}

// IsLoading reports whether any invalidation is running.
func (a *Aggregator) IsLoading() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.inflight > 0
}

// Error returns the message of the last failed invalidation, or "" after a
// successful one.
func (a *Aggregator) Error() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Bootstrap loads orgID's timeline unless it is already present or loading.
func (a *Aggregator) Bootstrap(ctx context.Context, orgID string) error {
	a.mu.Lock()
	_, present := a.timelines[orgID]
	if present || a.states[orgID] == StateLoading {
		a.mu.Unlock()
		return nil
	}
	a.states[orgID] = StateLoading
	a.mu.Unlock()

	return a.Invalidate(ctx, orgID)
}

// Invalidate fetches orgID's timeline and replaces the stored list. On
// failure the previous list is kept and Error is set.
func (a *Aggregator) Invalidate(ctx context.Context, orgID string) error {
	start := a.now()

	a.mu.Lock()
	a.inflight++
	a.states[orgID] = StateLoading
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inflight--
		a.mu.Unlock()
	}()

	refs, err := a.load(ctx, orgID)
	a.metrics.ObserveTimeline(a.now().Sub(start), err)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		a.err = err.Error()
		a.states[orgID] = StateError
		a.logger.Warn("timeline invalidation failed", "organization", orgID, "error", err)
		return err
	}

	a.timelines[orgID] = refs
	a.states[orgID] = StateLoaded
	a.err = ""
	a.logger.Debug("timeline loaded", "organization", orgID, "events", len(refs))
	return nil
}

func (a *Aggregator) load(ctx context.Context, orgID string) ([]store.Handle, error) {
	payloads, err := a.fetch(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return a.dispatch(payloads)
}

func (a *Aggregator) fetch(ctx context.Context, orgID string) ([]json.RawMessage, error) {
	if a.fixtures != nil {
		return a.fixtures[orgID], nil
	}
	if a.requester == nil {
		return nil, constants.ErrNotConnected
	}

	return graphql.GetTimeline(ctx, a.requester, graphql.TimelineVariables{
		OrganizationID: orgID,
		From:           a.now().UTC(),
		Size:           a.pageSize,
	})
}

// dispatch routes every payload to the Group of its type. Payloads without a
// known __typename are skipped. Any other failure, a payload without an id
// included, aborts the whole batch.
func (a *Aggregator) dispatch(payloads []json.RawMessage) ([]store.Handle, error) {
	d := &dispatcher{groups: a.groups, refs: make([]store.Handle, 0, len(payloads))}

	for i, raw := range payloads {
		ev, err := models.DecodeTimelineEvent(raw)
		if errors.Is(err, constants.ErrUnknownTypename) || errors.Is(err, constants.ErrMissingTypename) {
			a.logger.Debug("skipping timeline event", "index", i, "reason", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("timeline event %d: %w", i, err)
		}
		d.raw = raw
		if err := models.Accept(ev, d); err != nil {
			return nil, fmt.Errorf("timeline event %d: %w", i, err)
		}
	}
	return d.refs, nil
}
