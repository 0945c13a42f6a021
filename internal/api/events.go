package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/thefrisbee/frisbee/internal/job"
)

const writeTimeout = 10 * time.Second

// Event is one WebSocket frame of GET /api/jobs/{id}/events.
type Event struct {
	JobID      job.ID       `json:"job_id"`
	Progress   job.Snapshot `json:"progress"`
	Transition bool         `json:"transition"`
	Result     *job.Result  `json:"result,omitempty"`
}

// JobEvents streams the progress of a job until it is terminal. Frames sent
// by the client are ignored; closing the connection unsubscribes.
func (h *Handlers) JobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	sub, err := h.jobs.Subscribe(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.WarnContext(r.Context(), "websocket accept", "job_id", id, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	for u, err := range sub.All(ctx) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.WarnContext(ctx, "job events", "job_id", id, "error", err)
			}
			conn.Close(websocket.StatusGoingAway, "subscription ended")
			return
		}
		if err := write(ctx, conn, Event{
			JobID:      id,
			Progress:   u.Snapshot,
			Transition: u.Transition,
			Result:     u.Result,
		}); err != nil {
			slog.DebugContext(ctx, "writing job event", "job_id", id, "error", err)
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "job finished")
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
