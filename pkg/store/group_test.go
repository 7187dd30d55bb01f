package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmsync/crmsync/pkg/constants"
	"github.com/crmsync/crmsync/pkg/metrics"
	"github.com/crmsync/crmsync/pkg/models"
	"github.com/crmsync/crmsync/pkg/transport"
)

func TestGroupLoadUpserts(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	g := NewGroup[models.Note](nil, WithMetrics(m))

	first := g.Load(models.Note{ID: "n1", Content: "hello"}, models.Note{ID: "n2", Content: "world"})
	require.Len(t, first, 2)
	assert.Equal(t, 2, g.Len())

	again := g.Load(models.Note{ID: "n1", Content: "hello"})
	require.Len(t, again, 1)
	assert.Same(t, first[0], again[0])
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, uint64(2), again[0].Version())

	assert.Empty(t, g.Load(models.Note{Content: "no id"}))
	assert.Equal(t, []string{"n1", "n2"}, g.IDs())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.GroupSize.WithLabelValues("Note")))
}

func TestGroupLoadRaw(t *testing.T) {
	g := NewGroup[models.Issue](nil)

	stores, err := g.LoadRaw(
		json.RawMessage(`{"id":"i1","__typename":"Issue","subject":"one"}`),
		json.RawMessage(`{"id":"i2","__typename":"Note"}`),
		json.RawMessage(`{"id":"i3","subject":"three"}`),
	)
	require.ErrorIs(t, err, constants.ErrUnknownTypename)
	require.Len(t, stores, 1)
	assert.Equal(t, "one", stores[0].Value().Subject)
	assert.Equal(t, []string{"i1"}, g.IDs(), "a rejected payload leaves no store behind")

	_, err = g.LoadRaw(json.RawMessage(`{"subject":"no id"}`))
	assert.ErrorIs(t, err, constants.ErrInvalidResponse)
}

func TestGroupSyncKeepsStores(t *testing.T) {
	g := NewGroup[models.Order](nil)
	existing := g.Load(models.Order{ID: "o1"})[0]

	stores := g.Sync([]models.Order{{ID: "o1", Source: models.Source{AppSource: "shop"}}, {ID: "o2"}}, 40)
	require.Len(t, stores, 2)
	assert.Same(t, existing, stores[0])
	assert.Equal(t, "shop", existing.Value().AppSource)
	assert.Equal(t, 40, g.TotalElements())

	g.Sync([]models.Order{{ID: "o3"}}, 41)
	assert.Equal(t, []string{"o1", "o2", "o3"}, g.IDs(), "ids missing from a page are kept")
	assert.Equal(t, 41, g.TotalElements())

	history := g.History()
	require.Len(t, history, 2)
	assert.Equal(t, "sync", history[0].Name)
	assert.Equal(t, []string{"o1", "o2"}, history[0].IDs)
	assert.Equal(t, 40, history[0].Total)
}

func TestGroupRemove(t *testing.T) {
	g := NewGroup[models.PageView](nil)
	g.Load(models.PageView{ID: "p1"}, models.PageView{ID: "p2"})

	g.Remove("p1", "missing")
	_, ok := g.Get("p1")
	assert.False(t, ok)
	assert.Equal(t, 1, g.Len())
	require.Len(t, g.History(), 1)
	assert.Equal(t, []string{"p1"}, g.History()[0].IDs)

	values := g.Values()
	require.Len(t, values, 1)
	assert.Equal(t, "p2", values[0].ID)
}

func TestGroupStoresShareMutator(t *testing.T) {
	var calls int
	g := NewGroup[models.Note](func(_ context.Context, _ Operation, v models.Note) (*models.Note, error) {
		calls++
		return nil, nil
	})
	st := g.Load(models.Note{ID: "n1"})[0]

	require.NoError(t, st.Update(context.Background(), "edit", func(n *models.Note) { n.Content = "x" }))
	assert.Equal(t, 1, calls)
}

func TestGroupSubscribe(t *testing.T) {
	channels := &fakeChannels{}
	g := NewGroup[models.Note](nil, WithChannels(channels))
	n1 := g.Load(models.Note{ID: "n1", Content: "hello"})[0]

	require.NoError(t, g.Subscribe(context.Background()))
	require.NoError(t, g.Subscribe(context.Background()))
	assert.Equal(t, []string{"Note"}, channels.opened())

	channels.push(t, transport.UpdateAction, "n1", models.Note{ID: "n1", Content: "updated"})
	channels.push(t, transport.CreateAction, "n2", models.Note{ID: "n2", Content: "new"})
	channels.push(t, transport.DeleteAction, "n3", nil)

	assert.Eventually(t, func() bool { return g.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return n1.Value().Content == "updated" }, time.Second, 5*time.Millisecond)

	st, ok := g.Get("n1")
	require.True(t, ok)
	assert.Same(t, n1, st, "pushed updates keep the store instance")
	assert.Equal(t, uint64(2), n1.Version())

	channels.push(t, transport.DeleteAction, "n2", nil)
	assert.Eventually(t, func() bool { return g.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Close())
}

func TestGroupChannelName(t *testing.T) {
	channels := &fakeChannels{}
	g := NewGroup[models.LogEntry](nil, WithChannels(channels), WithChannelName("Actions"))
	assert.Equal(t, "Actions", g.ChannelName())

	require.NoError(t, g.Subscribe(context.Background()))
	assert.Equal(t, []string{"Actions"}, channels.opened())

	st := g.Load(models.LogEntry{ID: "l1"})[0]
	require.NoError(t, st.Subscribe(context.Background()))
	assert.Equal(t, []string{"Actions", "LogEntry"}, channels.opened(), "stores keep their own channel")

	require.NoError(t, g.Close())
}
