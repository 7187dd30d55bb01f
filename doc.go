// Package crmsync keeps an in-memory, observable copy of CRM records in sync
// with a GraphQL backend and its real-time channels.
//
// # Stores
//
// Every record type (Note, Order, Issue, Action, Analysis, Meeting, PageView,
// LogEntry, InteractionEvent, InteractionSession) has a [store.Group] that
// holds one [store.Store] per record id. Stores are created the first time an
// id is seen and kept afterwards, so callers can hold on to them and observe
// their changes.
//
// # Timelines
//
// [timeline.Aggregator] fetches the timeline of an organization, routes each
// event to the Group of its type and keeps the resulting Stores in server
// order. Use [Root.TimelineEvents] to bootstrap and read it.
//
// # Transport
//
// Queries and mutations go through [graphql.Client]. Pushed changes arrive
// over a websocket ([connection.Socket]) or an MQTT broker
// ([connection.MQTTProvider]). In demo mode no connection is opened and
// timelines are served from bundled fixtures.
//
// Build a [Root] from [config.Settings] once per session:
//
//	settings, err := config.Load("")
//	if err != nil {
//		return err
//	}
//	root, err := crmsync.New(ctx, settings)
//	if err != nil {
//		return err
//	}
//	defer root.Close(ctx)
//
//	events, err := root.TimelineEvents(ctx, organizationID)
package crmsync
