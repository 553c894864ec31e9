package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tombelieber/claude-view-sub001/internal/bus"
	"github.com/tombelieber/claude-view-sub001/internal/logging"
	"github.com/tombelieber/claude-view-sub001/internal/session"
)

const writeWait = 10 * time.Second

// feed is one admitted subscriber: a bus cursor plus the admission ticket
// that must be released when it leaves.
type feed struct {
	id      string
	session string
	srv     *Server
	ticket  *bus.Ticket
	sub     *bus.Subscriber[session.Event]
}

// openFeed admits a subscriber, optionally scoped to one session. The bus
// cursor is taken before the snapshot is built, so no event can fall
// between the two; replaying one already in the snapshot is harmless.
func (s *Server) openFeed(sessionID string) (*feed, error) {
	ticket, err := s.admission.Admit(sessionID)
	if err != nil {
		return nil, err
	}
	return &feed{
		id:      uuid.NewString(),
		session: sessionID,
		srv:     s,
		ticket:  ticket,
		sub:     s.events.Subscribe(),
	}, nil
}

func (f *feed) close() {
	f.ticket.Release()
}

func (f *feed) snapshot(typ MessageType, missed uint64) Message {
	var sessions []*session.LiveSession
	if f.session != "" {
		if ls, ok := f.srv.store.Get(f.session); ok {
			sessions = []*session.LiveSession{ls}
		}
	} else {
		sessions = f.srv.store.GetAll()
	}
	return Message{
		Type:    typ,
		Seq:     f.srv.events.Published(),
		Payload: SnapshotPayload{Sessions: f.srv.privacy.FilterSlice(sessions), Missed: missed},
	}
}

// next blocks for the subscriber's next message. An overrun subscriber
// gets a resync snapshot in place of the events it missed.
func (f *feed) next(ctx context.Context) (Message, error) {
	for {
		ev, err := f.sub.Next(ctx)
		var lag *bus.LagError
		if errors.As(err, &lag) {
			f.srv.pipeline.RecordLag(lag.Missed)
			slog.Warn("subscriber lagged, sending snapshot", "subscriber", f.id, "missed", lag.Missed)
			return f.snapshot(MsgResync, lag.Missed), nil
		}
		if err != nil {
			return Message{}, err
		}

		if f.session != "" && ev.Kind != session.EventSummary && ev.SessionID != f.session {
			continue
		}
		ev, ok := f.srv.privacy.ApplyEvent(ev)
		if !ok {
			continue
		}
		return Message{Type: MsgEvent, Seq: ev.Seq, Payload: ev}, nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	f, err := s.openFeed(r.URL.Query().Get("session"))
	if err != nil {
		s.admissionError(w, r, err)
		return
	}
	defer f.close()

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	slog.Info("websocket subscriber connected", "subscriber", f.id, "session", f.session, "remote", r.RemoteAddr)
	defer slog.Info("websocket subscriber disconnected", "subscriber", f.id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Clients never send anything we act on; reading only notices closes.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer logging.RecoverPanic("ws-writer", cancel)
	s.writePump(ctx, conn, f)
}

func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, f *feed) {
	send := func(msg Message) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	if err := send(f.snapshot(MsgSnapshot, 0)); err != nil {
		return
	}
	for {
		msg, err := f.next(ctx)
		if errors.Is(err, bus.ErrClosed) {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
		if err != nil {
			return
		}
		if err := send(msg); err != nil {
			slog.Debug("websocket write failed", "subscriber", f.id, "error", err)
			return
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	f, err := s.openFeed(r.URL.Query().Get("session"))
	if err != nil {
		s.admissionError(w, r, err)
		return
	}
	defer f.close()
	defer logging.RecoverPanic("sse-writer", nil)

	flusher := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	slog.Info("event stream subscriber connected", "subscriber", f.id, "session", f.session, "remote", r.RemoteAddr)
	defer slog.Info("event stream subscriber disconnected", "subscriber", f.id)

	msg := f.snapshot(MsgSnapshot, 0)
	for {
		if err := writeSSE(w, msg); err != nil {
			slog.Debug("event stream write failed", "subscriber", f.id, "error", err)
			return
		}
		if err := flusher.Flush(); err != nil {
			return
		}

		msg, err = f.next(r.Context())
		if errors.Is(err, bus.ErrClosed) {
			// SSE has no close frame; tell the client why the stream ends.
			if writeSSE(w, Message{Type: MsgError, Payload: ErrorPayload{Error: "server shutting down"}}) == nil {
				flusher.Flush()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if msg.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", msg.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
	return err
}
