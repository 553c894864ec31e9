package agentstate

import (
	"sync"
	"time"
)

// DefaultHookExpiry is how long a transient hook state outranks the log.
const DefaultHookExpiry = 60 * time.Second

type hookEntry struct {
	state State
	at    time.Time
}

// Resolver fuses hook-pushed and log-derived states. The two sources are
// kept in separate maps under separate locks so that a hook push never
// waits on a log update and the reverse.
type Resolver struct {
	expiry time.Duration

	hookMu sync.RWMutex
	hooks  map[string]hookEntry

	jsonlMu sync.RWMutex
	jsonl   map[string]State
}

// NewResolver returns a resolver whose transient hook states expire after
// expiry. A non-positive expiry uses DefaultHookExpiry.
func NewResolver(expiry time.Duration) *Resolver {
	if expiry <= 0 {
		expiry = DefaultHookExpiry
	}
	return &Resolver{
		expiry: expiry,
		hooks:  make(map[string]hookEntry),
		jsonl:  make(map[string]State),
	}
}

// UpdateFromHook records a state pushed by the agent at time at.
func (r *Resolver) UpdateFromHook(id string, s State, at time.Time) {
	s.Source = SourceHook
	r.hookMu.Lock()
	r.hooks[id] = hookEntry{state: s, at: at}
	r.hookMu.Unlock()
}

// UpdateFromJsonl records a state derived from the session log.
func (r *Resolver) UpdateFromJsonl(id string, s State) {
	r.jsonlMu.Lock()
	r.jsonl[id] = s
	r.jsonlMu.Unlock()
}

// Resolve returns the authoritative state for id as of now: an unexpired
// hook state, else the log-derived state, else Unknown.
func (r *Resolver) Resolve(id string, now time.Time) State {
	r.hookMu.RLock()
	h, ok := r.hooks[id]
	r.hookMu.RUnlock()
	if ok && !r.expired(h, r.expiry, now) {
		return h.state
	}

	r.jsonlMu.RLock()
	j, ok := r.jsonl[id]
	r.jsonlMu.RUnlock()
	if ok {
		return j
	}
	return Unknown()
}

// HookAt returns when the current hook state for id was received.
func (r *Resolver) HookAt(id string) (time.Time, bool) {
	r.hookMu.RLock()
	defer r.hookMu.RUnlock()
	h, ok := r.hooks[id]
	return h.at, ok
}

func (r *Resolver) expired(h hookEntry, maxAge time.Duration, now time.Time) bool {
	return CategoryOf(h.state.State) == Transient && now.Sub(h.at) > maxAge
}

// CleanupStale evicts transient hook states older than maxAge and returns
// how many were removed. Blocking and terminal states are kept.
func (r *Resolver) CleanupStale(maxAge time.Duration, now time.Time) int {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	n := 0
	for id, h := range r.hooks {
		if r.expired(h, maxAge, now) {
			delete(r.hooks, id)
			n++
		}
	}
	return n
}

// Remove forgets everything about id.
func (r *Resolver) Remove(id string) {
	r.hookMu.Lock()
	delete(r.hooks, id)
	r.hookMu.Unlock()

	r.jsonlMu.Lock()
	delete(r.jsonl, id)
	r.jsonlMu.Unlock()
}

// Len returns the number of hook and log-derived entries.
func (r *Resolver) Len() (hooks, jsonl int) {
	r.hookMu.RLock()
	hooks = len(r.hooks)
	r.hookMu.RUnlock()
	r.jsonlMu.RLock()
	jsonl = len(r.jsonl)
	r.jsonlMu.RUnlock()
	return hooks, jsonl
}
