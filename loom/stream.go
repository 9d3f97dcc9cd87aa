package loom

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams run status events over a websocket: the full backlog
// first, then live updates as the engine persists transitions.
func (s *Loom) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")
	l.Info("received new connection")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	var cursor int64

	// complete backfill first before going to live data
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

// streamEvents pages through the event log from the cursor, writing
// every event and advancing the cursor past what was sent.
func (s *Loom) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		events, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.ID
		}
	}
}
