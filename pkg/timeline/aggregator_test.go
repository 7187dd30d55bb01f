package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/graphql"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/transport"
)

// fakeRequester answers GetTimeline with the payloads set per organization.
type fakeRequester struct {
	mu       sync.Mutex
	payloads map[string][]string
	err      error
	calls    []graphql.TimelineVariables
	// during runs inside Request, before it answers.
	during func()
}

func (r *fakeRequester) Request(_ context.Context, doc transport.Document, vars any, dest any) error {
	if r.during != nil {
		r.during()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if doc.OperationName != graphql.TimelineQuery.OperationName {
		return errors.New("unexpected operation " + doc.OperationName)
	}
	tv := vars.(graphql.TimelineVariables)
	r.calls = append(r.calls, tv)
	if r.err != nil {
		return r.err
	}

	events := make([]json.RawMessage, 0, len(r.payloads[tv.OrganizationID]))
	for _, p := range r.payloads[tv.OrganizationID] {
		events = append(events, json.RawMessage(p))
	}
	data, err := json.Marshal(map[string]any{
		"organization": map[string]any{"timelineEvents": events},
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (r *fakeRequester) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRequester) set(org string, payloads ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payloads == nil {
		r.payloads = make(map[string][]string)
	}
	r.payloads[org] = payloads
}

func (r *fakeRequester) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

var fixedNow = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestAggregator(r *fakeRequester, opts ...Option) *Aggregator {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(r, NewGroups(Mutators{}), opts...)
}

func TestInvalidateDispatchesEveryType(t *testing.T) {
	r := &fakeRequester{}
	r.set("org-1",
		`{"__typename":"Note","id":"note-1","content":"hello"}`,
		`{"__typename":"Order","id":"order-1"}`,
		`{"__typename":"Issue","id":"issue-1","subject":"broken"}`,
		`{"__typename":"Action","id":"action-1","actionType":"CREATED"}`,
		`{"__typename":"Analysis","id":"analysis-1"}`,
		`{"__typename":"Meeting","id":"meeting-1","name":"kickoff"}`,
		`{"__typename":"PageView","id":"pageview-1"}`,
		`{"__typename":"LogEntry","id":"logentry-1"}`,
		`{"__typename":"InteractionEvent","id":"event-1"}`,
		`{"__typename":"InteractionSession","id":"session-1"}`,
	)
	a := newTestAggregator(r)

	require.NoError(t, a.Invalidate(context.Background(), "org-1"))

	refs, ok := a.Timeline("org-1")
	require.True(t, ok)
	require.Len(t, refs, 10)
	for i, typename := range models.AllTimelineTypenames() {
		assert.Equal(t, typename, refs[i].Typename())
		assert.Equal(t, refs[i].ID(), refs[i].Entity().GetID())
	}

	g := a.Groups()
	checks := map[string]func(string) bool{
		"note-1":     func(id string) bool { _, ok := g.Notes.Get(id); return ok },
		"order-1":    func(id string) bool { _, ok := g.Orders.Get(id); return ok },
		"issue-1":    func(id string) bool { _, ok := g.Issues.Get(id); return ok },
		"action-1":   func(id string) bool { _, ok := g.Actions.Get(id); return ok },
		"analysis-1": func(id string) bool { _, ok := g.Analyses.Get(id); return ok },
		"meeting-1":  func(id string) bool { _, ok := g.Meetings.Get(id); return ok },
		"pageview-1": func(id string) bool { _, ok := g.PageViews.Get(id); return ok },
		"logentry-1": func(id string) bool { _, ok := g.LogEntries.Get(id); return ok },
		"event-1":    func(id string) bool { _, ok := g.InteractionEvents.Get(id); return ok },
		"session-1":  func(id string) bool { _, ok := g.InteractionSessions.Get(id); return ok },
	}
	for id, inGroup := range checks {
		assert.True(t, inGroup(id), id)
	}

	note, ok := g.Notes.Get("note-1")
	require.True(t, ok)
	assert.Same(t, note, refs[0])
	assert.Equal(t, "hello", note.Value().Content)
}

func TestInvalidateSkipsUnknownTypesInOrder(t *testing.T) {
	r := &fakeRequester{}
	r.set("org-1",
		`{"__typename":"Meeting","id":"c"}`,
		`{"__typename":"Contract","id":"x"}`,
		`{"__typename":"Note","id":"a"}`,
		`{"id":"untyped"}`,
		`{"__typename":"Issue","id":"b"}`,
	)
	a := newTestAggregator(r)

	require.NoError(t, a.Invalidate(context.Background(), "org-1"))

	refs, _ := a.Timeline("org-1")
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID())
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, StateLoaded, a.State("org-1"))
}

func TestInvalidateRequestVariables(t *testing.T) {
	r := &fakeRequester{}
	a := newTestAggregator(r)

	require.NoError(t, a.Invalidate(context.Background(), "org-1"))
	require.Len(t, r.calls, 1)
	assert.Equal(t, graphql.TimelineVariables{
		OrganizationID: "org-1",
		From:           fixedNow,
		Size:           constants.TimelinePageSize,
	}, r.calls[0])

	a = newTestAggregator(r, WithPageSize(25))
	require.NoError(t, a.Invalidate(context.Background(), "org-1"))
	assert.Equal(t, 25, r.calls[1].Size)
}

func TestBootstrapFetchesOnce(t *testing.T) {
	r := &fakeRequester{}
	r.set("org-1", `{"__typename":"Note","id":"n1"}`)
	a := newTestAggregator(r)
	ctx := context.Background()

	assert.Equal(t, StateUnfetched, a.State("org-1"))
	require.NoError(t, a.Bootstrap(ctx, "org-1"))
	require.NoError(t, a.Bootstrap(ctx, "org-1"))
	assert.Equal(t, 1, r.callCount())

	require.NoError(t, a.Invalidate(ctx, "org-1"))
	assert.Equal(t, 2, r.callCount(), "invalidate always fetches")

	require.NoError(t, a.Bootstrap(ctx, "org-2"))
	assert.Equal(t, 3, r.callCount())
	refs, ok := a.Timeline("org-2")
	assert.True(t, ok)
	assert.Empty(t, refs)
}

func TestInvalidateFailureKeepsTimeline(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	r := &fakeRequester{}
	r.set("org-1", `{"__typename":"Note","id":"n1"}`)
	a := newTestAggregator(r, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, a.Invalidate(ctx, "org-1"))
	before, _ := a.Timeline("org-1")

	r.fail(errors.New("network down"))
	err = a.Invalidate(ctx, "org-1")
	require.Error(t, err)

	assert.False(t, a.IsLoading())
	assert.Equal(t, "network down", a.Error())
	assert.Equal(t, StateError, a.State("org-1"))
	after, ok := a.Timeline("org-1")
	require.True(t, ok)
	assert.Equal(t, before, after)

	assert.NoError(t, a.Bootstrap(ctx, "org-1"), "bootstrap does not retry a present timeline")
	assert.Equal(t, 2, r.callCount())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TimelineInvalidations.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TimelineInvalidations.WithLabelValues("error")))
}

func TestBootstrapRetriesAfterFirstFailure(t *testing.T) {
	r := &fakeRequester{}
	r.fail(errors.New("unavailable"))
	a := newTestAggregator(r)
	ctx := context.Background()

	require.Error(t, a.Bootstrap(ctx, "org-1"))
	_, ok := a.Timeline("org-1")
	assert.False(t, ok)

	r.fail(nil)
	require.NoError(t, a.Bootstrap(ctx, "org-1"))
	assert.Equal(t, 2, r.callCount())
	assert.Empty(t, a.Error())
}

func TestInvalidateAbortsOnBadPayload(t *testing.T) {
	r := &fakeRequester{}
	r.set("org-1", `{"__typename":"Note","id":"n1"}`)
	a := newTestAggregator(r)
	ctx := context.Background()
	require.NoError(t, a.Invalidate(ctx, "org-1"))

	r.set("org-1",
		`{"__typename":"Note","id":"n2","content":"kept"}`,
		`{"__typename":"Note","id":"n3","content":42}`,
		`{"__typename":"Note","id":"n4"}`,
	)
	require.Error(t, a.Invalidate(ctx, "org-1"))

	refs, _ := a.Timeline("org-1")
	require.Len(t, refs, 1)
	assert.Equal(t, "n1", refs[0].ID())

	// Records dispatched before the failure stay loaded in their group.
	_, ok := a.Groups().Notes.Get("n2")
	assert.True(t, ok)
	_, ok = a.Groups().Notes.Get("n4")
	assert.False(t, ok)
}

func TestInvalidateKeepsStoreInstances(t *testing.T) {
	r := &fakeRequester{}
	r.set("org-1", `{"__typename":"Note","id":"n1","content":"hello"}`)
	a := newTestAggregator(r)
	ctx := context.Background()

	require.NoError(t, a.Invalidate(ctx, "org-1"))
	first, _ := a.Timeline("org-1")

	r.set("org-1", `{"__typename":"Note","id":"n1","content":"updated"}`)
	require.NoError(t, a.Invalidate(ctx, "org-1"))
	second, _ := a.Timeline("org-1")

	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0])
	assert.Equal(t, uint64(2), second[0].Version())
	assert.Equal(t, "updated", a.Events("org-1")[0].(*models.Note).Content)
}

func TestInvalidateAppliesClearedFields(t *testing.T) {
	r := &fakeRequester{}
	r.set("org-1",
		`{"__typename":"Note","id":"n1","content":"hello","contentType":"text/plain"}`,
		`{"__typename":"Meeting","id":"m1","name":"kickoff","endedAt":"2024-05-14T16:00:00Z"}`,
		`{"__typename":"PageView","id":"p1","orderInSession":3}`,
	)
	a := newTestAggregator(r)
	ctx := context.Background()
	require.NoError(t, a.Invalidate(ctx, "org-1"))

	r.set("org-1",
		`{"__typename":"Note","id":"n1","content":""}`,
		`{"__typename":"Meeting","id":"m1","endedAt":null}`,
		`{"__typename":"PageView","id":"p1","orderInSession":0}`,
	)
	require.NoError(t, a.Invalidate(ctx, "org-1"))

	g := a.Groups()
	note, _ := g.Notes.Get("n1")
	assert.Empty(t, note.Value().Content)
	assert.Equal(t, "text/plain", note.Value().ContentType, "fields absent from the payload are kept")

	meeting, _ := g.Meetings.Get("m1")
	assert.Nil(t, meeting.Value().EndedAt)
	assert.Equal(t, "kickoff", meeting.Value().Name)

	view, _ := g.PageViews.Get("p1")
	assert.Zero(t, view.Value().OrderInSession)

	// the push path merges the same payload the same way
	_, err := g.Notes.LoadRaw(json.RawMessage(`{"__typename":"Note","id":"n1","content":"pushed"}`))
	require.NoError(t, err)
	r.set("org-1", `{"__typename":"Note","id":"n1","content":""}`)
	require.NoError(t, a.Invalidate(ctx, "org-1"))
	assert.Empty(t, note.Value().Content)
}

func TestInvalidateAbortsOnPayloadWithoutID(t *testing.T) {
	r := &fakeRequester{}
	r.set("org-1", `{"__typename":"Note","content":"orphan"}`)
	a := newTestAggregator(r)

	err := a.Invalidate(context.Background(), "org-1")
	require.ErrorIs(t, err, constants.ErrInvalidResponse)
	assert.Zero(t, a.Groups().Notes.Len())
	assert.Equal(t, StateError, a.State("org-1"))
}

func TestIsLoadingDuringInvalidate(t *testing.T) {
	r := &fakeRequester{}
	a := newTestAggregator(r)

	var during bool
	r.during = func() { during = a.IsLoading() }

	require.NoError(t, a.Invalidate(context.Background(), "org-1"))
	assert.True(t, during)
	assert.False(t, a.IsLoading())
}

func TestDemoMode(t *testing.T) {
	fixtures, err := DemoFixtures()
	require.NoError(t, err)

	a := New(nil, NewGroups(Mutators{}), WithDemo(fixtures))
	ctx := context.Background()

	require.NoError(t, a.Bootstrap(ctx, "demo-organization"))
	events := a.Events("demo-organization")
	require.Len(t, events, 6)
	assert.Equal(t, models.TypenameMeeting, events[0].GetTypename())
	assert.Equal(t, models.TypenameLogEntry, events[5].GetTypename())

	meeting := events[0].(*models.Meeting)
	assert.Equal(t, "Quarterly business review", meeting.Name)
	require.NotNil(t, meeting.StartedAt)
	assert.Equal(t, 2024, meeting.StartedAt.Year())
	require.Len(t, meeting.AttendedBy, 1)
	assert.Equal(t, "dana@acme.test", meeting.AttendedBy[0].Actor.Email)

	assert.Equal(t, 1, a.Groups().LogEntries.Len())

	require.NoError(t, a.Bootstrap(ctx, "empty-organization"))
	refs, ok := a.Timeline("empty-organization")
	assert.True(t, ok)
	assert.Empty(t, refs)
}

func TestInvalidateWithoutRequester(t *testing.T) {
	a := New(nil, NewGroups(Mutators{}))
	assert.ErrorIs(t, a.Invalidate(context.Background(), "org-1"), constants.ErrNotConnected)
}

func TestParseFixturesRejectsInvalidYAML(t *testing.T) {
	_, err := ParseFixtures([]byte("organizations: [unclosed"))
	assert.Error(t, err)
}
