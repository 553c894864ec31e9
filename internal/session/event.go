package session

import (
	"encoding/json"
	"time"
)

// EventKind classifies session lifecycle events.
type EventKind int

const (
	EventDiscovered EventKind = iota // first line of a session observed
	EventUpdated                     // new lines, hook push, or status change
	EventCompleted                   // session removed from the live set
	EventSummary                     // periodic counts
)

var eventKindNames = map[EventKind]string{
	EventDiscovered: "discovered",
	EventUpdated:    "updated",
	EventCompleted:  "completed",
	EventSummary:    "summary",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range eventKindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return nil
}

// Summary is a count of live sessions.
type Summary struct {
	Total    int `json:"total"`
	Working  int `json:"working"`
	Paused   int `json:"paused"`
	Done     int `json:"done"`
	NeedsYou int `json:"needsYou"`
}

// Event is a fact about a session transition. It is never modified after
// construction; Session points at a private copy.
type Event struct {
	Seq       uint64       `json:"seq"`
	Kind      EventKind    `json:"kind"`
	SessionID string       `json:"sessionId,omitempty"`
	Session   *LiveSession `json:"session,omitempty"`
	Summary   *Summary     `json:"summary,omitempty"`
	At        time.Time    `json:"at"`
}

func NewDiscovered(seq uint64, s *LiveSession, at time.Time) Event {
	return Event{Seq: seq, Kind: EventDiscovered, SessionID: s.ID, Session: s.Clone(), At: at}
}

func NewUpdated(seq uint64, s *LiveSession, at time.Time) Event {
	return Event{Seq: seq, Kind: EventUpdated, SessionID: s.ID, Session: s.Clone(), At: at}
}

func NewCompleted(seq uint64, id string, at time.Time) Event {
	return Event{Seq: seq, Kind: EventCompleted, SessionID: id, At: at}
}

func NewSummary(seq uint64, sum Summary, at time.Time) Event {
	return Event{Seq: seq, Kind: EventSummary, Summary: &sum, At: at}
}
