package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tombelieber/claude-view-sub001/internal/bus"
	"github.com/tombelieber/claude-view-sub001/internal/logging"
	"github.com/tombelieber/claude-view-sub001/internal/session"
)

// FileWatcher adds and removes direct watches on single log files.
type FileWatcher interface {
	WatchFile(path string) error
	UnwatchFile(path string)
}

type viewerWatches struct {
	store *session.Store
	fw    FileWatcher

	mu      sync.Mutex
	watched map[string]string // session id -> log path
	pending map[string]bool   // viewed before the store knew about it
}

// WatchViewedSessions keeps a direct file watch on every session that has
// at least one scoped viewer, and drops it when the last viewer leaves.
// A viewer may arrive before the session is discovered; the watch is then
// added when the session's Discovered event goes by on events.
func WatchViewedSessions(ctx context.Context, adm *bus.Admission, store *session.Store, events *bus.Bus[session.Event], fw FileWatcher) {
	v := &viewerWatches{
		store:   store,
		fw:      fw,
		watched: make(map[string]string),
		pending: make(map[string]bool),
	}
	adm.OnFirstViewer(v.viewed)
	adm.OnIdle(v.idle)

	sub := events.Subscribe()
	go v.follow(ctx, sub)
}

func (v *viewerWatches) viewed(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.watchLocked(id) {
		v.pending[id] = true
	}
}

func (v *viewerWatches) idle(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.pending, id)
	if path, ok := v.watched[id]; ok {
		delete(v.watched, id)
		v.fw.UnwatchFile(path)
	}
}

// watchLocked reports whether the store knows a log path for id. A failed
// watch still counts as found; there is nothing to retry.
func (v *viewerWatches) watchLocked(id string) bool {
	ls, ok := v.store.Get(id)
	if !ok || ls.LogPath == "" {
		return false
	}
	if err := v.fw.WatchFile(ls.LogPath); err != nil {
		slog.Debug("could not watch viewed session", "session", id, "path", ls.LogPath, "error", err)
		return true
	}
	v.watched[id] = ls.LogPath
	return true
}

func (v *viewerWatches) follow(ctx context.Context, sub *bus.Subscriber[session.Event]) {
	defer logging.RecoverPanic("viewer-watches", nil)
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, bus.ErrLagged) {
			v.retry(func(string) bool { return true })
			continue
		}
		if err != nil {
			return
		}
		if ev.Kind == session.EventDiscovered {
			v.retry(func(id string) bool { return id == ev.SessionID })
		}
	}
}

func (v *viewerWatches) retry(match func(id string) bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id := range v.pending {
		if match(id) && v.watchLocked(id) {
			delete(v.pending, id)
		}
	}
}
