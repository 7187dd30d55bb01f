package connection

import (
	"encoding/json"

	"github.com/crmsync/crmsync/pkg/transport"
)

// Frame is the envelope of every socket message in both directions.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventHeartbeat = "heartbeat"
	// EventSync carries a single transport.Event.
	EventSync = "sync_packet"
	// EventSyncGroup carries a GroupPacket.
	EventSyncGroup = "sync_group_packet"

	heartbeatTopic = "phoenix"
	replyOK        = "ok"
)

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// GroupPacket batches several events for one topic.
type GroupPacket struct {
	Events []transport.Event `json:"events"`
}
