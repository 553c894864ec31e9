package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tombelieber/claude-view-sub001/internal/bus"
	"github.com/tombelieber/claude-view-sub001/internal/config"
	"github.com/tombelieber/claude-view-sub001/internal/session"
)

// wireMessage is Message with the payload left undecoded.
type wireMessage struct {
	Type    MessageType     `json:"type"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, ts *testServer, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForSubscribers(t *testing.T, adm *bus.Admission, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return adm.Counts().Total == n }, 3*time.Second, 10*time.Millisecond)
}

func TestWebSocketSnapshotThenEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.Upsert(liveSession("s1", "/w/app"))

	conn := dialWS(t, ts, "")
	snap := readWS(t, conn)
	require.Equal(t, MsgSnapshot, snap.Type)
	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Payload, &payload))
	require.Len(t, payload.Sessions, 1)
	require.Equal(t, "s1", payload.Sessions[0].ID)

	ls := liveSession("s2", "/w/other")
	ts.events.Publish(session.NewDiscovered(1, ls, time.Now()))

	msg := readWS(t, conn)
	require.Equal(t, MsgEvent, msg.Type)
	require.Equal(t, uint64(1), msg.Seq)
	var ev session.Event
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	require.Equal(t, session.EventDiscovered, ev.Kind)
	require.Equal(t, "s2", ev.SessionID)

	require.Equal(t, 1, ts.admission.Counts().Total)
	conn.Close()
	waitForSubscribers(t, ts.admission, 0)
}

func TestWebSocketSessionScope(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.Upsert(liveSession("s1", "/w/app"))
	ts.store.Upsert(liveSession("s2", "/w/other"))

	conn := dialWS(t, ts, "?session=s2")
	snap := readWS(t, conn)
	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Payload, &payload))
	require.Len(t, payload.Sessions, 1)
	require.Equal(t, "s2", payload.Sessions[0].ID)
	require.Equal(t, map[string]int{"s2": 1}, ts.admission.Counts().PerSession)

	now := time.Now()
	ts.events.Publish(session.NewUpdated(1, liveSession("s1", "/w/app"), now))
	ts.events.Publish(session.NewUpdated(2, liveSession("s2", "/w/other"), now))
	ts.events.Publish(session.NewSummary(3, session.Summary{Total: 2}, now))

	first := readWS(t, conn)
	require.Equal(t, uint64(2), first.Seq)
	second := readWS(t, conn)
	require.Equal(t, uint64(3), second.Seq)
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts, "")
	readWS(t, conn)
	waitForSubscribers(t, ts.admission, 1)

	ts.events.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	waitForSubscribers(t, ts.admission, 0)
}

func TestAdmissionRejectsOverCap(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Server.MaxConnections = 2
		c.Server.MaxViewersPerSession = 1
	})

	dialWS(t, ts, "?session=s1")
	waitForSubscribers(t, ts.admission, 1)

	// Second viewer of the same session.
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?session=s1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body ErrorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Contains(t, body.Error, "too many viewers")
	require.Equal(t, 1, body.Limit)

	dialWS(t, ts, "")
	waitForSubscribers(t, ts.admission, 2)

	// Global cap.
	resp = ts.get(t, "/api/events")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, 2, decode[ErrorPayload](t, resp).Limit)
}

func TestFeedResyncsAfterLag(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.srv.events = bus.New[session.Event](4)
	ts.store.Upsert(liveSession("s1", "/w/app"))

	f, err := ts.srv.openFeed("")
	require.NoError(t, err)
	defer f.close()

	now := time.Now()
	for i := 1; i <= 10; i++ {
		ts.srv.events.Publish(session.NewUpdated(uint64(i), liveSession("s1", "/w/app"), now))
	}

	ctx := context.Background()
	msg, err := f.next(ctx)
	require.NoError(t, err)
	require.Equal(t, MsgResync, msg.Type)
	require.Equal(t, uint64(10), msg.Seq)
	payload := msg.Payload.(SnapshotPayload)
	require.Equal(t, uint64(10), payload.Missed)
	require.Len(t, payload.Sessions, 1)

	lags, missed := ts.pipeline.lagged()
	require.Equal(t, 1, lags)
	require.Equal(t, uint64(10), missed)

	// Caught up: the next event arrives normally.
	ts.srv.events.Publish(session.NewCompleted(11, "s1", now))
	msg, err = f.next(ctx)
	require.NoError(t, err)
	require.Equal(t, MsgEvent, msg.Type)
	require.Equal(t, uint64(11), msg.Seq)
}

func TestFeedDropsBlockedSessions(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Privacy.BlockedPaths = []string{"/secret"}
		c.Privacy.MaskSessionIDs = true
	})
	f, err := ts.srv.openFeed("")
	require.NoError(t, err)
	defer f.close()

	now := time.Now()
	ts.events.Publish(session.NewUpdated(1, liveSession("hidden", "/secret/repo"), now))
	ts.events.Publish(session.NewUpdated(2, liveSession("shown", "/w/app"), now))

	msg, err := f.next(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), msg.Seq)
	ev := msg.Payload.(session.Event)
	require.NotEqual(t, "shown", ev.SessionID)
	require.Len(t, ev.SessionID, 12)
	require.Equal(t, ev.SessionID, ev.Session.ID)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.Upsert(liveSession("s1", "/w/app"))

	resp := ts.get(t, "/api/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		var kind string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- kind
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case k := <-events:
			return k
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
			return ""
		}
	}

	require.Equal(t, string(MsgSnapshot), next())
	ts.events.Publish(session.NewCompleted(1, "s1", time.Now()))
	require.Equal(t, string(MsgEvent), next())

	ts.events.Close()
	require.Equal(t, string(MsgError), next())
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched map[string]int
	fail    bool
}

func (w *fakeWatcher) WatchFile(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("watch failed")
	}
	w.watched[path]++
	return nil
}

func (w *fakeWatcher) UnwatchFile(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[path]--
	if w.watched[path] == 0 {
		delete(w.watched, path)
	}
}

func (w *fakeWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

func TestWatchViewedSessions(t *testing.T) {
	store := session.NewStore()
	ls := liveSession("s1", "/w/app")
	ls.LogPath = "/logs/s1.jsonl"
	store.Upsert(ls)

	adm := bus.NewAdmission(0, 0)
	events := bus.New[session.Event](16)
	defer events.Close()
	fw := &fakeWatcher{watched: make(map[string]int)}
	WatchViewedSessions(context.Background(), adm, store, events, fw)

	a, err := adm.Admit("s1")
	require.NoError(t, err)
	b, err := adm.Admit("s1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"/logs/s1.jsonl": 1}, fw.watched)

	// Unknown sessions and unscoped subscribers watch nothing.
	c, err := adm.Admit("nope")
	require.NoError(t, err)
	d, err := adm.Admit("")
	require.NoError(t, err)
	require.Equal(t, 1, fw.count())

	a.Release()
	require.Equal(t, 1, fw.count())
	b.Release()
	require.Zero(t, fw.count())
	c.Release()
	d.Release()
	require.Zero(t, fw.count())
}

func TestWatchViewedSessionDiscoveredLate(t *testing.T) {
	store := session.NewStore()
	adm := bus.NewAdmission(0, 0)
	events := bus.New[session.Event](16)
	defer events.Close()
	fw := &fakeWatcher{watched: make(map[string]int)}
	WatchViewedSessions(context.Background(), adm, store, events, fw)

	ticket, err := adm.Admit("late")
	require.NoError(t, err)
	require.Zero(t, fw.count())

	ls := liveSession("late", "/w/app")
	ls.LogPath = "/logs/late.jsonl"
	store.Upsert(ls)
	events.Publish(session.NewDiscovered(1, ls, time.Now()))
	require.Eventually(t, func() bool { return fw.count() == 1 }, time.Second, 5*time.Millisecond)

	// Rediscovery must not stack a second watch.
	events.Publish(session.NewDiscovered(2, ls, time.Now()))
	ticket.Release()
	require.Eventually(t, func() bool { return fw.count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatchViewedSessionLeftBeforeDiscovery(t *testing.T) {
	store := session.NewStore()
	adm := bus.NewAdmission(0, 0)
	events := bus.New[session.Event](16)
	defer events.Close()
	fw := &fakeWatcher{watched: make(map[string]int)}
	WatchViewedSessions(context.Background(), adm, store, events, fw)

	ticket, err := adm.Admit("gone")
	require.NoError(t, err)
	ticket.Release()

	ls := liveSession("gone", "/w/app")
	ls.LogPath = "/logs/gone.jsonl"
	store.Upsert(ls)
	events.Publish(session.NewDiscovered(1, ls, time.Now()))
	require.Never(t, func() bool { return fw.count() != 0 }, 100*time.Millisecond, 5*time.Millisecond)
}
