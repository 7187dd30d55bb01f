package constants

import "errors"

// Errors
var (
	ErrRequest         = errors.New("graphql request failed")
	ErrInvalidResponse = errors.New("invalid graphql response")
	ErrUnknownTypename = errors.New("unknown __typename")
	ErrMissingTypename = errors.New("payload has no __typename")
)

var (
	ErrTimeout       = errors.New("timeout")
	ErrClosed        = errors.New("connection closed")
	ErrNotConnected  = errors.New("not connected")
	ErrNoEndpoint    = errors.New("endpoint url not set")
	ErrTokenExpired  = errors.New("auth token expired")
	ErrJoinRejected  = errors.New("channel join rejected")
	ErrNoMutator     = errors.New("store has no mutator")
	ErrInvalidFilter = errors.New("invalid filter")
)
