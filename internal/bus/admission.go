package bus

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTooManySubscribers = errors.New("too many subscribers")
	ErrTooManyViewers     = errors.New("too many viewers for session")
)

// AdmissionError is returned when a cap would be exceeded. It unwraps to
// ErrTooManySubscribers or ErrTooManyViewers.
type AdmissionError struct {
	Err       error
	SessionID string
	Limit     int
}

func (e *AdmissionError) Error() string {
	if e.SessionID != "" && errors.Is(e.Err, ErrTooManyViewers) {
		return fmt.Sprintf("%v: session %s (limit %d)", e.Err, e.SessionID, e.Limit)
	}
	return fmt.Sprintf("%v (limit %d)", e.Err, e.Limit)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Counts is a point-in-time view of admitted subscribers.
type Counts struct {
	Total      int            `json:"total"`
	MaxTotal   int            `json:"maxTotal"`
	PerSession map[string]int `json:"perSession"`
}

// Admission caps concurrent subscribers globally and per session. A limit
// of zero means unlimited.
type Admission struct {
	maxTotal      int
	maxPerSession int

	mu         sync.Mutex
	total      int
	perSession map[string]int
	onFirst    func(sessionID string)
	onIdle     func(sessionID string)

	// cbMu keeps first/idle callbacks in the same order as the count
	// changes that caused them without holding mu while they run.
	cbMu sync.Mutex
}

func NewAdmission(maxTotal, maxPerSession int) *Admission {
	return &Admission{
		maxTotal:      maxTotal,
		maxPerSession: maxPerSession,
		perSession:    make(map[string]int),
	}
}

// OnFirstViewer registers fn to run when a session gains its first viewer.
func (a *Admission) OnFirstViewer(fn func(sessionID string)) {
	a.mu.Lock()
	a.onFirst = fn
	a.mu.Unlock()
}

// OnIdle registers fn to run when a session loses its last viewer.
func (a *Admission) OnIdle(fn func(sessionID string)) {
	a.mu.Lock()
	a.onIdle = fn
	a.mu.Unlock()
}

// Admit reserves a slot. An empty sessionID counts only against the global
// cap. The returned ticket must be released when the subscriber leaves.
func (a *Admission) Admit(sessionID string) (*Ticket, error) {
	a.mu.Lock()
	if a.maxTotal > 0 && a.total >= a.maxTotal {
		a.mu.Unlock()
		return nil, &AdmissionError{Err: ErrTooManySubscribers, Limit: a.maxTotal}
	}
	if sessionID != "" && a.maxPerSession > 0 && a.perSession[sessionID] >= a.maxPerSession {
		a.mu.Unlock()
		return nil, &AdmissionError{Err: ErrTooManyViewers, SessionID: sessionID, Limit: a.maxPerSession}
	}

	a.total++
	var cb func(string)
	if sessionID != "" {
		a.perSession[sessionID]++
		if a.perSession[sessionID] == 1 {
			cb = a.onFirst
		}
	}
	a.cbMu.Lock()
	a.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
	a.cbMu.Unlock()

	return &Ticket{a: a, sessionID: sessionID}, nil
}

func (a *Admission) release(sessionID string) {
	a.mu.Lock()
	a.total--
	var cb func(string)
	if sessionID != "" {
		a.perSession[sessionID]--
		if a.perSession[sessionID] <= 0 {
			delete(a.perSession, sessionID)
			cb = a.onIdle
		}
	}
	a.cbMu.Lock()
	a.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
	a.cbMu.Unlock()
}

// Counts returns the current totals.
func (a *Admission) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := Counts{Total: a.total, MaxTotal: a.maxTotal, PerSession: make(map[string]int, len(a.perSession))}
	for k, v := range a.perSession {
		c.PerSession[k] = v
	}
	return c
}

// Ticket is an admitted subscriber's reservation.
type Ticket struct {
	a         *Admission
	sessionID string
	once      sync.Once
}

// SessionID returns the session the ticket was admitted for, if any.
func (t *Ticket) SessionID() string { return t.sessionID }

// Release frees the reservation. Calling it more than once is harmless.
func (t *Ticket) Release() {
	t.once.Do(func() { t.a.release(t.sessionID) })
}
