// Package transport is the boundary between the stores and the network.
//
// Stores only see Requester (GraphQL request/response) and ChannelProvider
// (server-pushed events per entity type). Concrete implementations live in
// pkg/graphql and pkg/connection.
package transport

import (
	"context"
	"encoding/json"
)

// Document is a named GraphQL operation.
type Document struct {
	OperationName string
	Query         string
	// Mutation marks documents that change server state. The query cache
	// never serves them and drops cached entries after they run.
	Mutation bool
}

type Requester interface {
	// Request runs doc with vars and decodes the "data" member into dest.
	Request(ctx context.Context, doc Document, vars any, dest any) error
}

// Action is the kind of change a pushed event describes.
type Action string

const (
	CreateAction Action = "CREATE"
	UpdateAction Action = "UPDATE"
	DeleteAction Action = "DELETE"
)

// Event is one server-pushed change on a channel.
type Event struct {
	Channel string          `json:"channel"`
	Action  Action          `json:"action"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel is a subscription to one named channel. Events is closed after Close
// or when the underlying connection gives up.
type Channel interface {
	Name() string
	Events() <-chan Event
	Close() error
}

type ChannelProvider interface {
	Channel(ctx context.Context, name string) (Channel, error)
}

// Transport is what the root store hands to every group and the timeline.
type Transport interface {
	Requester
	ChannelProvider
}

type composite struct {
	Requester
	ChannelProvider
}

// New pairs a requester and a channel provider.
func New(req Requester, channels ChannelProvider) Transport {
	return composite{Requester: req, ChannelProvider: channels}
}
