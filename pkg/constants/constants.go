package constants

import "time"

const (
	// RefLength is the size of the ref attached to every socket frame.
	RefLength = 16
	// CloseMessageCode is the websocket close code sent on a clean shutdown.
	CloseMessageCode = 1000
	// DefaultRequestTimeout bounds a single GraphQL round trip.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultHeartbeat is the interval between socket heartbeat frames.
	DefaultHeartbeat = 30 * time.Second
	// TimelinePageSize is the number of events fetched per timeline invalidation.
	TimelinePageSize = 100
)

var (
	WebsocketScheme       = "ws"
	SecureWebsocketScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)
