package monitor

import "sync/atomic"

// Stats is a point-in-time copy of the pipeline counters.
type Stats struct {
	LinesParsed     uint64 `json:"linesParsed"`
	LinesSkipped    uint64 `json:"linesSkipped"`
	BytesRead       uint64 `json:"bytesRead"`
	ReadErrors      uint64 `json:"readErrors"`
	Truncations     uint64 `json:"truncations"`
	EventsPublished uint64 `json:"eventsPublished"`
	HooksReceived   uint64 `json:"hooksReceived"`
	HooksRejected   uint64 `json:"hooksRejected"`
	LagEvents       uint64 `json:"lagEvents"`
	MissedEvents    uint64 `json:"missedEvents"`
	TrackedFiles    int64  `json:"trackedFiles"`
	LiveSessions    int    `json:"liveSessions"`
	// WatchedFiles counts logs under a direct watch for a scoped viewer.
	WatchedFiles int `json:"watchedFiles"`
}

// counters are written by the loop and read by status requests without
// locking.
type counters struct {
	linesParsed     atomic.Uint64
	linesSkipped    atomic.Uint64
	bytesRead       atomic.Uint64
	readErrors      atomic.Uint64
	truncations     atomic.Uint64
	eventsPublished atomic.Uint64
	hooksReceived   atomic.Uint64
	hooksRejected   atomic.Uint64
	lagEvents       atomic.Uint64
	missedEvents    atomic.Uint64
	trackedFiles    atomic.Int64
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	c := &m.stats
	return Stats{
		LinesParsed:     c.linesParsed.Load(),
		LinesSkipped:    c.linesSkipped.Load(),
		BytesRead:       c.bytesRead.Load(),
		ReadErrors:      c.readErrors.Load(),
		Truncations:     c.truncations.Load(),
		EventsPublished: c.eventsPublished.Load(),
		HooksReceived:   c.hooksReceived.Load(),
		HooksRejected:   c.hooksRejected.Load(),
		LagEvents:       c.lagEvents.Load(),
		MissedEvents:    c.missedEvents.Load(),
		TrackedFiles:    c.trackedFiles.Load(),
		LiveSessions:    m.store.Len(),
		WatchedFiles:    m.detector.WatchedFiles(),
	}
}

// RecordLag counts a subscriber that was overrun by missed events.
func (m *Monitor) RecordLag(missed uint64) {
	m.stats.lagEvents.Add(1)
	m.stats.missedEvents.Add(missed)
}
