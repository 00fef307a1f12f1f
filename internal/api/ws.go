package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"go-redteam/internal/storage"
	"go-redteam/pkg/events"
	"go-redteam/pkg/logger"
	"go-redteam/pkg/messages"
	"go-redteam/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	statusWait = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamEvents forwards the events of one task as JSON websocket messages
// until the task ends or the client goes away. A task that already ended
// gets a single loop_done event built from its status.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if s.opts.Bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event stream is disabled")
		return
	}
	l := hlog.FromRequest(r).With().Str(logger.TaskField, id.String()).Logger()

	pid, running := s.requests.get(id)
	var stored *models.TaskStatus
	if !running {
		st, err := s.lookupSession(r, id.String())
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			l.Error().Err(err).Msg("unable to read session")
			writeError(w, r, http.StatusInternalServerError, "unable to read session")
			return
		}
		stored = &st
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if stored != nil {
		writeFinal(conn, l, *stored)
		return
	}

	// Subscribe before asking for the status so a loop_done published in
	// between is not lost.
	ch := s.opts.Bus.SubscribeTask(id.String(), 64)
	defer s.opts.Bus.Unsubscribe(ch)

	// A task busy in a long step does not answer in time; it is still
	// running, so streaming continues.
	res, err := s.ac.RequestFuture(pid, messages.GetStatus{}, min(s.opts.AskTimeout, statusWait)).Result()
	if err != nil {
		l.Debug().Err(err).Msg("task busy, streaming events")
	} else if st, ok := res.(models.TaskStatus); ok && st.State == models.Done {
		writeFinal(conn, l, st)
		return
	}

	// Reads only detect the client closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				l.Debug().Err(err).Msg("websocket write failed")
				return
			}
			if e.Kind == events.KindLoopDone {
				closeWith(conn, websocket.CloseNormalClosure, "task done")
				return
			}
		}
	}
}

func (s *Server) lookupSession(r *http.Request, id string) (models.TaskStatus, error) {
	if s.opts.Sessions == nil {
		return models.TaskStatus{}, storage.ErrNotFound
	}
	return s.opts.Sessions.Get(r.Context(), id)
}

// writeFinal sends the loop_done event of a finished task and closes.
func writeFinal(conn *websocket.Conn, l zerolog.Logger, st models.TaskStatus) {
	data := map[string]any{
		"status":     string(st.Status),
		"steps":      st.Steps,
		"iterations": st.Iterations,
	}
	if st.Answer != "" {
		data["answer"] = st.Answer
	}
	if st.Error != "" {
		data["error"] = st.Error
	}
	ts := st.StartedAt
	if st.EndedAt != nil {
		ts = *st.EndedAt
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(events.Event{Timestamp: ts, Task: st.ID, Step: st.Iterations, Kind: events.KindLoopDone, Data: data}); err != nil {
		l.Debug().Err(err).Msg("websocket write failed")
		return
	}
	closeWith(conn, websocket.CloseNormalClosure, "task already finished")
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
