package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombelieber/claude-view-sub001/internal/agentstate"
	"github.com/tombelieber/claude-view-sub001/internal/bus"
	"github.com/tombelieber/claude-view-sub001/internal/config"
	"github.com/tombelieber/claude-view-sub001/internal/session"
	"github.com/tombelieber/claude-view-sub001/internal/watcher"
)

const (
	userLine      = `{"type":"user","uuid":"u1","cwd":"/w/app","gitBranch":"main","timestamp":"2026-03-01T12:00:00Z","message":{"role":"user","content":"fix the parser"}}`
	assistantLine = `{"type":"assistant","uuid":"a1","timestamp":"2026-03-01T12:00:05Z","message":{"id":"msg_1","model":"claude-sonnet-4-5","role":"assistant","content":[{"type":"text","text":"Done."}],"stop_reason":"end_turn","usage":{"input_tokens":100,"output_tokens":20}}}`
	toolUseLine   = `{"type":"assistant","uuid":"a2","timestamp":"2026-03-01T12:00:10Z","message":{"id":"msg_2","model":"claude-sonnet-4-5","role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"go test ./..."}}],"usage":{"input_tokens":50,"output_tokens":5}}}`
)

type fakeProcs struct {
	mu      sync.Mutex
	running map[string]int
}

func (f *fakeProcs) HasRunningProcess(dir string) (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.running[dir]
	return ok, pid
}

func (f *fakeProcs) set(dir string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running == nil {
		f.running = make(map[string]int)
	}
	f.running[dir] = pid
}

type testEnv struct {
	m     *Monitor
	root  string
	clock *fakeClock
	procs *fakeProcs
	sub   *bus.Subscriber[session.Event]
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Monitor.Root = root
	if mutate != nil {
		mutate(cfg)
	}

	events := bus.New[session.Event](256)
	procs := &fakeProcs{}
	m := NewMonitor(cfg, session.NewStore(), events, watcher.New(root), procs)
	clock := &fakeClock{t: time.Now()}
	m.now = clock.Now

	return &testEnv{m: m, root: root, clock: clock, procs: procs, sub: events.Subscribe()}
}

func (e *testEnv) logPath(id string) string {
	return filepath.Join(e.root, "-w-app", id+".jsonl")
}

func (e *testEnv) write(t *testing.T, id string, lines ...string) string {
	t.Helper()
	path := e.logPath(id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func (e *testEnv) append(t *testing.T, id string, lines ...string) string {
	t.Helper()
	path := e.logPath(id)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	// Keep the file's age in step with the fake clock.
	now := e.clock.Now()
	require.NoError(t, os.Chtimes(path, now, now))
	return path
}

func (e *testEnv) drain(t *testing.T) []session.Event {
	t.Helper()
	var out []session.Event
	for e.sub.Pending() > 0 {
		ev, err := e.sub.Next(context.Background())
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func kinds(events []session.Event) []session.EventKind {
	out := make([]session.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestSeedPublishesDiscovered(t *testing.T) {
	env := newTestEnv(t, nil)
	path := env.write(t, "s1", userLine, assistantLine)

	env.m.seed()

	events := env.drain(t)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, session.EventDiscovered, ev.Kind)
	require.Equal(t, uint64(1), ev.Seq)
	require.Equal(t, "s1", ev.SessionID)

	ls := ev.Session
	require.Equal(t, "/w/app", ls.ProjectPath)
	require.Equal(t, "app", ls.ProjectName)
	require.Equal(t, path, ls.LogPath)
	require.Equal(t, "main", ls.GitBranch)
	require.Equal(t, "claude-sonnet-4-5", ls.Model)
	require.Equal(t, session.Paused, ls.Status)
	require.Equal(t, 1, ls.UserTurns)
	require.Equal(t, int64(100), ls.Tokens.Input)
	require.Equal(t, int64(20), ls.Tokens.Output)
	require.Equal(t, config.DefaultContextWindow, ls.ContextWindow)
	require.False(t, ls.Partial)

	got, ok := env.m.store.Get("s1")
	require.True(t, ok)
	require.Equal(t, ls.Tokens, got.Tokens)

	stats := env.m.Stats()
	require.Equal(t, uint64(2), stats.LinesParsed)
	require.Equal(t, int64(1), stats.TrackedFiles)
	require.Equal(t, 1, stats.LiveSessions)
	require.Zero(t, stats.WatchedFiles)

	require.NoError(t, env.m.detector.WatchFile(path))
	require.Equal(t, 1, env.m.Stats().WatchedFiles)
	env.m.detector.UnwatchFile(path)
	require.Zero(t, env.m.Stats().WatchedFiles)
}

func TestAppendPublishesUpdated(t *testing.T) {
	env := newTestEnv(t, nil)
	path := env.write(t, "s1", userLine, assistantLine)
	env.m.seed()
	env.drain(t)

	env.append(t, "s1", toolUseLine)
	env.m.handleChange(watcher.Change{Op: watcher.Modified, Path: path})

	events := env.drain(t)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, session.EventUpdated, ev.Kind)
	require.Equal(t, uint64(2), ev.Seq)
	require.Equal(t, session.Working, ev.Session.Status)
	require.Equal(t, "Bash", ev.Session.LastTool)
	require.Equal(t, int64(150), ev.Session.Tokens.Input)
	require.Equal(t, int64(25), ev.Session.Tokens.Output)

	// Nothing new on disk: no event.
	env.m.handleChange(watcher.Change{Op: watcher.Modified, Path: path})
	require.Empty(t, env.drain(t))
}

func TestRemovedFilePublishesCompleted(t *testing.T) {
	env := newTestEnv(t, nil)
	path := env.write(t, "s1", userLine)
	env.m.seed()
	env.drain(t)

	require.NoError(t, os.Remove(path))
	env.m.handleChange(watcher.Change{Op: watcher.Removed, Path: path})

	require.Equal(t, []session.EventKind{session.EventCompleted}, kinds(env.drain(t)))
	require.Zero(t, env.m.store.Len())
	require.Zero(t, env.m.Stats().TrackedFiles)
}

func TestPollDropsVanishedFile(t *testing.T) {
	env := newTestEnv(t, nil)
	path := env.write(t, "s1", userLine)
	env.m.seed()
	env.drain(t)

	require.NoError(t, os.Remove(path))
	env.m.poll()

	events := env.drain(t)
	require.Len(t, events, 1)
	require.Equal(t, session.EventCompleted, events[0].Kind)
	require.Equal(t, "s1", events[0].SessionID)
}

func TestDoneSessionLeavesAndResumes(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Monitor.RemoveAfter = 0 })
	path := env.write(t, "s1", userLine, assistantLine)
	env.m.seed()
	env.drain(t)

	env.clock.Advance(301 * time.Second)
	env.m.poll()

	events := env.drain(t)
	require.Equal(t, []session.EventKind{session.EventUpdated, session.EventCompleted}, kinds(events))
	require.Equal(t, session.Done, events[0].Session.Status)
	require.NotNil(t, events[0].Session.DoneAt)
	require.Equal(t, agentstate.StateTaskComplete, events[0].Session.AgentState.State)
	require.Zero(t, env.m.store.Len())

	// The cursor survives removal: only the new line is read.
	before := env.m.Stats().LinesParsed
	env.append(t, "s1", toolUseLine)
	env.m.handleChange(watcher.Change{Op: watcher.Modified, Path: path})

	events = env.drain(t)
	require.Len(t, events, 1)
	require.Equal(t, session.EventDiscovered, events[0].Kind)
	require.Equal(t, session.Working, events[0].Session.Status)
	require.Nil(t, events[0].Session.DoneAt)
	require.Equal(t, before+1, env.m.Stats().LinesParsed)
}

func TestDoneWaitsForGracePeriod(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Monitor.RemoveAfter = time.Minute })
	env.write(t, "s1", userLine, assistantLine)
	env.m.seed()
	env.drain(t)

	env.clock.Advance(301 * time.Second)
	env.m.poll()
	require.Equal(t, []session.EventKind{session.EventUpdated}, kinds(env.drain(t)))
	require.Equal(t, 1, env.m.store.Len())

	env.clock.Advance(30 * time.Second)
	env.m.poll()
	require.Empty(t, env.drain(t))

	env.clock.Advance(31 * time.Second)
	env.m.poll()
	require.Equal(t, []session.EventKind{session.EventCompleted}, kinds(env.drain(t)))
}

func TestRunningProcessKeepsSessionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	env.procs.set("/w/app", 4242)
	env.write(t, "s1", userLine, assistantLine)
	env.m.seed()
	env.drain(t)

	env.clock.Advance(301 * time.Second)
	env.m.poll()

	ls, ok := env.m.store.Get("s1")
	require.True(t, ok)
	require.Equal(t, session.Paused, ls.Status)
	require.Equal(t, 4242, ls.PID)
	require.Nil(t, ls.DoneAt)
}

func TestHookStateOverridesLog(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "s1", userLine, toolUseLine)
	env.m.seed()
	env.drain(t)

	state, err := env.m.HandleHook(agentstate.HookEvent{
		SessionID:  "s1",
		Kind:       "PreToolUse",
		ToolName:   "Bash",
		ReceivedAt: env.clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, agentstate.StateActing, state.State)

	env.m.handleRefresh(<-env.m.refresh)
	events := env.drain(t)
	require.Len(t, events, 1)
	require.Equal(t, session.EventUpdated, events[0].Kind)
	require.Equal(t, agentstate.StateActing, events[0].Session.AgentState.State)
	require.Equal(t, agentstate.SourceHook, events[0].Session.AgentState.Source)

	// Once the hook expires the log-derived state is back.
	env.clock.Advance(61 * time.Second)
	env.m.poll()
	ls, _ := env.m.store.Get("s1")
	require.NotEqual(t, agentstate.SourceHook, ls.AgentState.Source)
	require.Equal(t, agentstate.StateThinking, ls.AgentState.State)
	require.Equal(t, uint64(1), env.m.Stats().HooksReceived)
}

func TestBlockingHookStateDoesNotExpire(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "s1", userLine, toolUseLine)
	env.m.seed()
	env.drain(t)

	_, err := env.m.HandleHook(agentstate.HookEvent{
		SessionID:  "s1",
		Kind:       "PermissionRequest",
		ToolName:   "Bash",
		ReceivedAt: env.clock.Now(),
	})
	require.NoError(t, err)
	env.m.handleRefresh(<-env.m.refresh)

	env.clock.Advance(61 * time.Second)
	env.m.poll()
	ls, _ := env.m.store.Get("s1")
	require.Equal(t, agentstate.SourceHook, ls.AgentState.Source)
	require.Equal(t, agentstate.StateNeedsPermission, ls.AgentState.State)
}

func TestHookKeyedByTranscriptPath(t *testing.T) {
	env := newTestEnv(t, nil)
	path := env.write(t, "s1", userLine, toolUseLine)
	env.m.seed()
	env.drain(t)

	_, err := env.m.HandleHook(agentstate.HookEvent{
		SessionID:      "parent-session",
		Kind:           "Stop",
		TranscriptPath: path,
		ReceivedAt:     env.clock.Now(),
	})
	require.NoError(t, err)
	r := <-env.m.refresh
	require.Equal(t, "s1", r.id)

	env.m.handleRefresh(r)
	ls, _ := env.m.store.Get("s1")
	require.Equal(t, agentstate.StateIdle, ls.AgentState.State)
}

func TestUnknownHookRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.m.HandleHook(agentstate.HookEvent{SessionID: "s1", Kind: "Bogus"})
	require.True(t, errors.Is(err, agentstate.ErrUnknownHookEvent))
	require.Equal(t, uint64(1), env.m.Stats().HooksRejected)
	require.Zero(t, env.m.Stats().HooksReceived)
}

func TestMalformedLinesAreCounted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "s1", `{"type":"user",`, "", userLine, "not json")
	env.m.seed()

	events := env.drain(t)
	require.Len(t, events, 1)
	require.Equal(t, 1, events[0].Session.UserTurns)

	stats := env.m.Stats()
	require.Equal(t, uint64(1), stats.LinesParsed)
	require.Equal(t, uint64(2), stats.LinesSkipped)
}

func TestTruncationResetsAggregate(t *testing.T) {
	env := newTestEnv(t, nil)
	path := env.write(t, "s1", userLine, assistantLine, userLine, assistantLine)
	env.m.seed()
	first := env.drain(t)
	require.Equal(t, 2, first[0].Session.UserTurns)

	require.NoError(t, os.WriteFile(path, []byte(userLine+"\n"), 0644))
	env.m.handleChange(watcher.Change{Op: watcher.Modified, Path: path})

	events := env.drain(t)
	require.Len(t, events, 1)
	require.Equal(t, 1, events[0].Session.UserTurns)
	require.Zero(t, events[0].Session.Tokens.Input)
	require.Equal(t, uint64(1), env.m.Stats().Truncations)
}

func TestLargeFileSeedsFromTail(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Monitor.SeedMaxBytes = 512
		c.Monitor.SeedTailLines = 2
	})
	lines := make([]string, 0, 10)
	for i := 0; i < 5; i++ {
		lines = append(lines, userLine, assistantLine)
	}
	env.write(t, "s1", lines...)
	env.m.seed()

	events := env.drain(t)
	require.Len(t, events, 1)
	ls := events[0].Session
	require.True(t, ls.Partial)
	require.Equal(t, 1, ls.UserTurns)
	require.Equal(t, uint64(2), env.m.Stats().LinesParsed)
}

func TestSessionEndMarkerConsumed(t *testing.T) {
	markers := t.TempDir()
	env := newTestEnv(t, func(c *config.Config) { c.Monitor.SessionEndDir = markers })
	env.write(t, "s1", userLine, toolUseLine)
	env.m.seed()
	env.drain(t)

	marker := filepath.Join(markers, "s1.json")
	require.NoError(t, os.WriteFile(marker, []byte(`{"session_id":"s1","reason":"exit"}`), 0644))
	env.m.poll()

	_, err := os.Stat(marker)
	require.True(t, os.IsNotExist(err), "marker should be deleted")

	env.m.handleRefresh(<-env.m.refresh)
	ls, _ := env.m.store.Get("s1")
	require.Equal(t, agentstate.StateSessionEnded, ls.AgentState.State)
	require.Equal(t, agentstate.GroupDelivered, ls.AgentState.Group)
}

func TestPublishSummary(t *testing.T) {
	env := newTestEnv(t, nil)
	env.write(t, "s1", userLine, toolUseLine)
	env.write(t, "s2", userLine, assistantLine)
	env.m.seed()
	env.drain(t)

	env.m.publishSummary()
	events := env.drain(t)
	require.Len(t, events, 1)
	require.Equal(t, session.EventSummary, events[0].Kind)
	require.Equal(t, session.Summary{Total: 2, Working: 1, Paused: 1}, *events[0].Summary)
}

func TestRunEndToEnd(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "-w-app"), 0755))
	cfg := config.Default()
	cfg.Monitor.Root = root
	cfg.Monitor.PollInterval = 50 * time.Millisecond

	events := bus.New[session.Event](64)
	sub := events.Subscribe()
	m := NewMonitor(cfg, session.NewStore(), events, watcher.New(root), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	path := filepath.Join(root, "-w-app", "live.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(userLine+"\n"), 0644))

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	ev, err := sub.Next(waitCtx)
	require.NoError(t, err)
	require.Equal(t, session.EventDiscovered, ev.Kind)
	require.Equal(t, "live", ev.SessionID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
