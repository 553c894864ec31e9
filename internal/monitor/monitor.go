// Package monitor runs the live ingestion loop: it tails session logs,
// folds their lines into per-session aggregates, fuses log-derived and
// hook-pushed agent states and publishes the resulting session views.
package monitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/tombelieber/claude-view-sub001/internal/agentstate"
	"github.com/tombelieber/claude-view-sub001/internal/bus"
	"github.com/tombelieber/claude-view-sub001/internal/config"
	"github.com/tombelieber/claude-view-sub001/internal/jsonl"
	"github.com/tombelieber/claude-view-sub001/internal/logging"
	"github.com/tombelieber/claude-view-sub001/internal/session"
	"github.com/tombelieber/claude-view-sub001/internal/tail"
	"github.com/tombelieber/claude-view-sub001/internal/watcher"
)

const refreshBuffer = 256

var errIngestPanic = errors.New("panic while ingesting")

// trackedFile is the loop's private state for one session log.
type trackedFile struct {
	id          string
	path        string
	projectPath string
	cursor      tail.Cursor
	agg         *session.Aggregate
	size        int64
	modTime     time.Time
	partial     bool

	// live is the view last written to the store, nil while the session
	// is not in the live set.
	live *session.LiveSession
	// removed is set once a Done session has left the live set. The file
	// stays tracked so its cursor survives; new lines bring it back.
	removed bool
}

type refreshRequest struct {
	id   string
	path string
}

type Monitor struct {
	cfg      config.MonitorConfig
	pricing  session.PricingTable
	window   func(model string) int
	store    *session.Store
	events   *bus.Bus[session.Event]
	detector *watcher.Detector
	resolver *agentstate.Resolver
	procs    ProcessLookup
	health   *fileHealth
	stats    counters
	refresh  chan refreshRequest
	now      func() time.Time

	// Owned by the loop goroutine.
	files          map[string]*trackedFile // keyed by path
	byID           map[string]*trackedFile
	pendingRemoval map[string]time.Time
}

// NoProcesses is a ProcessLookup that never finds a process.
type NoProcesses struct{}

func (NoProcesses) HasRunningProcess(string) (bool, int) { return false, 0 }

func NewMonitor(cfg *config.Config, store *session.Store, events *bus.Bus[session.Event], detector *watcher.Detector, procs ProcessLookup) *Monitor {
	if procs == nil {
		procs = NoProcesses{}
	}
	return &Monitor{
		cfg:            cfg.Monitor,
		pricing:        cfg.Pricing,
		window:         cfg.MaxContextTokens,
		store:          store,
		events:         events,
		detector:       detector,
		resolver:       agentstate.NewResolver(cfg.Monitor.HookExpiry),
		procs:          procs,
		health:         newFileHealth(cfg.Monitor.HealthWarningThreshold),
		refresh:        make(chan refreshRequest, refreshBuffer),
		now:            time.Now,
		files:          make(map[string]*trackedFile),
		byID:           make(map[string]*trackedFile),
		pendingRemoval: make(map[string]time.Time),
	}
}

// Run seeds the live set from recent files, then watches until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.seed()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.detector.Start(ctx) })
	g.Go(func() error { return m.loop(ctx) })
	return g.Wait()
}

func (m *Monitor) seed() {
	paths, err := m.detector.Scan(m.cfg.ScanWindow, m.now())
	if err != nil {
		slog.Warn("initial scan failed", "root", m.detector.Root(), "error", err)
	}
	for _, p := range paths {
		m.ingest(p)
	}
	slog.Info("monitor seeded", "root", m.detector.Root(), "files", len(paths), "sessions", m.store.Len())
}

func (m *Monitor) loop(ctx context.Context) error {
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()
	summary := time.NewTicker(m.cfg.SummaryInterval)
	defer summary.Stop()

	changes := m.detector.Events()
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor stopped")
			return nil
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			m.handleChange(c)
		case r := <-m.refresh:
			m.handleRefresh(r)
		case <-poll.C:
			m.poll()
		case <-summary.C:
			m.publishSummary()
		}
	}
}

func (m *Monitor) handleChange(c watcher.Change) {
	switch c.Op {
	case watcher.Removed:
		m.drop(c.Path)
	case watcher.Modified:
		m.ingest(c.Path)
	}
}

func (m *Monitor) handleRefresh(r refreshRequest) {
	if t, ok := m.byID[r.id]; ok {
		m.refreshSession(t, m.now())
		return
	}
	if r.path != "" && m.detector.Filter(r.path) {
		m.ingest(r.path)
	}
}

// ingest reads whatever was appended to path and republishes its session.
// A bad file never takes the loop down: read errors leave the cursor for a
// retry, and a panic is recorded against the file's health.
func (m *Monitor) ingest(path string) {
	now := m.now()
	defer logging.RecoverPanic("ingest", func() {
		m.health.recordFailure(path, errIngestPanic, now)
	})

	t, known := m.files[path]
	if !known {
		t = m.track(path)
	}

	var (
		res tail.Result
		err error
	)
	if !known && m.isLarge(path) {
		res, err = tail.SeedFromEnd(path, m.cfg.SeedTailLines)
		if err == nil {
			t.partial = true
			slog.Info("large session log, reading tail only", "session", t.id, "bytes", res.Size, "lines", len(res.Lines))
		}
	} else {
		res, err = tail.ReadNew(path, t.cursor)
	}

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			m.drop(path)
			return
		}
		m.stats.readErrors.Add(1)
		if m.health.recordFailure(path, err, now) {
			slog.Warn("session log keeps failing to read", "session", t.id, "path", path, "error", err)
		} else {
			slog.Debug("session log read failed, will retry", "session", t.id, "path", path, "error", err)
		}
		if !known {
			// Untracked again; the next scan or event starts over.
			m.untrack(t)
		}
		return
	}
	m.health.recordSuccess(path)

	if res.Truncated {
		m.stats.truncations.Add(1)
		slog.Info("session log truncated, re-reading from start", "session", t.id, "path", path)
		t.agg = session.NewAggregate()
		t.partial = false
	}
	t.cursor = res.Cursor
	t.size = res.Size
	t.modTime = res.ModTime
	m.stats.bytesRead.Add(uint64(res.Bytes))

	for _, raw := range res.Lines {
		line, err := jsonl.Parse([]byte(raw))
		if err != nil {
			if !errors.Is(err, jsonl.ErrBlank) {
				m.stats.linesSkipped.Add(1)
				slog.Debug("skipping malformed line", "session", t.id, "error", err)
			}
			continue
		}
		m.stats.linesParsed.Add(1)
		t.agg.ProcessLine(line, res.ModTime)
	}

	if len(res.Lines) > 0 && t.removed {
		t.removed = false
		slog.Info("session resumed", "session", t.id)
	}
	m.refreshSession(t, now)
}

func (m *Monitor) isLarge(path string) bool {
	if m.cfg.SeedMaxBytes <= 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > m.cfg.SeedMaxBytes
}

func (m *Monitor) track(path string) *trackedFile {
	t := &trackedFile{
		id:          SessionIDFromPath(path),
		path:        path,
		projectPath: DecodeProjectPath(filepath.Base(filepath.Dir(path))),
		agg:         session.NewAggregate(),
	}
	m.files[path] = t
	m.byID[t.id] = t
	m.stats.trackedFiles.Store(int64(len(m.files)))
	return t
}

func (m *Monitor) untrack(t *trackedFile) {
	delete(m.files, t.path)
	if m.byID[t.id] == t {
		delete(m.byID, t.id)
	}
	delete(m.pendingRemoval, t.id)
	m.stats.trackedFiles.Store(int64(len(m.files)))
}

// drop forgets a file that no longer exists. A live session is removed at
// once with a Completed event.
func (m *Monitor) drop(path string) {
	t, ok := m.files[path]
	if !ok {
		return
	}
	m.untrack(t)
	m.health.removeFile(path)
	m.resolver.Remove(t.id)
	if t.live != nil && m.store.Remove(t.id) {
		m.events.Publish(session.NewCompleted(m.nextSeq(), t.id, m.now()))
		m.stats.eventsPublished.Add(1)
		slog.Info("session log removed", "session", t.id, "path", path)
	}
}

// view derives the outward session from the aggregate and the fused state.
func (m *Monitor) view(t *trackedFile, now time.Time) *session.LiveSession {
	agg := t.agg
	projectPath := t.projectPath
	if agg.Cwd != "" {
		projectPath = agg.Cwd
	}
	running, pid := m.procs.HasRunningProcess(projectPath)
	since := now.Sub(t.modTime)
	if since < 0 {
		since = 0
	}

	m.resolver.UpdateFromJsonl(t.id, agentstate.Classify(agentstate.SignalContext{
		OpenTool:    agg.OpenTool,
		LastCommand: agg.LastCommand,
		StopReason:  agg.LastStopReason,
		HasProcess:  running,
		SinceWrite:  since,
		UserTurns:   agg.UserTurns,
		StaleAfter:  m.cfg.DoneAfter,
	}))

	ls := &session.LiveSession{
		ID:          t.id,
		ProjectPath: projectPath,
		ProjectName: nameFromPath(projectPath),
		LogPath:     t.path,
		GitBranch:   agg.GitBranch,
		Model:       agg.Model,
		PID:         pid,
		Status: DeriveStatus(StatusInput{
			LastLine:      agg.LastLine,
			SinceWrite:    since,
			HasProcess:    running,
			WorkingWindow: m.cfg.WorkingWindow,
			DoneAfter:     m.cfg.DoneAfter,
		}),
		AgentState:       m.resolver.Resolve(t.id, now),
		UserTurns:        agg.UserTurns,
		FirstUserMessage: agg.FirstUserMessage,
		LastUserMessage:  agg.LastUserMessage,
		LastTool:         agg.LastTool,
		StartedAt:        agg.FirstSeen,
		LastActivityAt:   t.modTime,
		Partial:          t.partial,
	}
	if ls.StartedAt.IsZero() {
		ls.StartedAt = t.modTime
	}
	ls.ApplySnapshot(agg.Finish(m.pricing, now))
	if m.window != nil && agg.Model != "" {
		ls.ContextWindow = m.window(agg.Model)
	}

	if ls.Status == session.Done {
		doneAt := now
		if t.live != nil && t.live.DoneAt != nil {
			doneAt = *t.live.DoneAt
		}
		ls.DoneAt = &doneAt
	}
	return ls
}

// refreshSession recomputes t's view and publishes it if anything changed.
func (m *Monitor) refreshSession(t *trackedFile, now time.Time) {
	if t.removed || t.agg.Lines == 0 {
		return
	}
	ls := m.view(t, now)

	var ev session.Event
	switch {
	case t.live == nil:
		ev = session.NewDiscovered(m.nextSeq(), ls, now)
		slog.Info("session discovered", "session", t.id, "project", ls.ProjectName, "status", ls.Status)
	case !reflect.DeepEqual(t.live, ls):
		ev = session.NewUpdated(m.nextSeq(), ls, now)
		if t.live.Status != ls.Status {
			slog.Debug("session status changed", "session", t.id, "from", t.live.Status, "to", ls.Status)
		}
	default:
		return
	}

	m.store.Upsert(ls)
	t.live = ls
	m.events.Publish(ev)
	m.stats.eventsPublished.Add(1)

	if ls.Status == session.Done {
		m.scheduleRemoval(t.id, *ls.DoneAt)
	} else {
		delete(m.pendingRemoval, t.id)
	}
}

// scheduleRemoval queues a Done session to leave the live set after the
// grace period. A negative grace period keeps it.
func (m *Monitor) scheduleRemoval(id string, doneAt time.Time) {
	if m.cfg.RemoveAfter < 0 {
		return
	}
	if _, ok := m.pendingRemoval[id]; ok {
		return
	}
	m.pendingRemoval[id] = doneAt.Add(m.cfg.RemoveAfter)
}

func (m *Monitor) flushRemovals(now time.Time) {
	for id, removeAt := range m.pendingRemoval {
		if now.Before(removeAt) {
			continue
		}
		delete(m.pendingRemoval, id)

		t, ok := m.byID[id]
		if !ok || t.live == nil || !t.live.IsDone() {
			continue
		}
		m.store.Remove(id)
		m.resolver.Remove(id)
		t.live = nil
		t.removed = true
		m.events.Publish(session.NewCompleted(m.nextSeq(), id, now))
		m.stats.eventsPublished.Add(1)
		slog.Info("removing finished session", "session", id, "grace", m.cfg.RemoveAfter)
	}
}

// poll re-checks every tracked file. It catches writes the watcher missed,
// retries failed reads and lets time-based status changes surface.
func (m *Monitor) poll() {
	now := m.now()

	for path, t := range m.files {
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			m.drop(path)
		case err != nil:
			m.stats.readErrors.Add(1)
			m.health.recordFailure(path, err, now)
		case info.Size() != t.size || !info.ModTime().Equal(t.modTime) || m.health.failing(path):
			m.ingest(path)
		case t.removed:
			if m.cfg.ScanWindow > 0 && now.Sub(t.modTime) > m.cfg.ScanWindow {
				m.untrack(t)
			}
		default:
			m.refreshSession(t, now)
		}
	}

	paths, err := m.detector.Scan(m.cfg.ScanWindow, now)
	if err != nil {
		slog.Debug("rescan failed", "error", err)
	}
	for _, p := range paths {
		if _, ok := m.files[p]; !ok {
			m.ingest(p)
		}
	}

	m.consumeSessionEndMarkers(now)
	if n := m.resolver.CleanupStale(m.cfg.HookExpiry, now); n > 0 {
		slog.Debug("expired hook states", "count", n)
	}
	m.flushRemovals(now)
}

func (m *Monitor) publishSummary() {
	m.events.Publish(session.NewSummary(m.nextSeq(), m.store.Summarize(), m.now()))
	m.stats.eventsPublished.Add(1)
}

// nextSeq is the sequence number the bus will assign to the next event.
// Only the loop publishes, so it is exact.
func (m *Monitor) nextSeq() uint64 {
	return m.events.Published() + 1
}

// HandleHook applies a pushed hook event. It is safe to call from any
// goroutine; the affected session is refreshed by the loop.
func (m *Monitor) HandleHook(ev agentstate.HookEvent) (agentstate.State, error) {
	state, err := agentstate.MapHook(ev)
	if err != nil {
		m.stats.hooksRejected.Add(1)
		return agentstate.State{}, err
	}
	at := ev.ReceivedAt
	if at.IsZero() {
		at = m.now()
	}

	// Sessions are keyed by log file name, which the transcript path
	// names exactly.
	id := ev.SessionID
	if ev.TranscriptPath != "" {
		id = SessionIDFromPath(ev.TranscriptPath)
	}
	m.resolver.UpdateFromHook(id, state, at)
	m.stats.hooksReceived.Add(1)

	select {
	case m.refresh <- refreshRequest{id: id, path: ev.TranscriptPath}:
	default:
		// The next poll refreshes every session anyway.
	}
	return state, nil
}

// consumeSessionEndMarkers applies marker files dropped by a session-end
// hook and deletes them.
func (m *Monitor) consumeSessionEndMarkers(now time.Time) {
	dir := m.cfg.SessionEndDir
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("session end dir read error", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("session end marker read error", "path", path, "error", err)
			continue
		}
		if err := m.applyMarker(data, now); err != nil {
			slog.Warn("ignoring session end marker", "path", path, "error", err)
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("session end marker cleanup error", "path", path, "error", err)
		}
	}
}

func (m *Monitor) applyMarker(data []byte, now time.Time) error {
	named := false
	for _, key := range []string{"hook_event_name", "event", "kind"} {
		if gjson.GetBytes(data, key).Exists() {
			named = true
			break
		}
	}
	if !named && gjson.ValidBytes(data) {
		var err error
		if data, err = sjson.SetBytes(data, "hook_event_name", "SessionEnd"); err != nil {
			return err
		}
	}
	ev, err := agentstate.DecodeHook(data, now)
	if err != nil {
		return err
	}
	_, err = m.HandleHook(ev)
	return err
}

// Snapshot returns every live session, sorted by id.
func (m *Monitor) Snapshot() []*session.LiveSession {
	return m.store.GetAll()
}

// Health reports files that keep failing to read.
func (m *Monitor) Health() Health {
	return m.health.snapshot()
}
