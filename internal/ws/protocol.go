package ws

import (
	"github.com/tombelieber/claude-view-sub001/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
	MsgResync   MessageType = "resync"
	MsgError    MessageType = "error"
)

// Message is one frame on a subscription stream, sent as a WebSocket text
// message or as one SSE event.
type Message struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq,omitempty"`
	Payload any         `json:"payload"`
}

// SnapshotPayload carries every visible live session. A resync snapshot
// also reports how many events the subscriber missed.
type SnapshotPayload struct {
	Sessions []*session.LiveSession `json:"sessions"`
	Missed   uint64                 `json:"missed,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Limit int    `json:"limit,omitempty"`
}

type TailPayload struct {
	SessionID string   `json:"sessionId"`
	Lines     []string `json:"lines"`
}

type HookResponse struct {
	SessionID string `json:"sessionId"`
	State     any    `json:"state"`
}
