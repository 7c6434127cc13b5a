package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"p2pmarket/core/types"
	"p2pmarket/services/marketd/journal"
)

const wsWriteTimeout = 10 * time.Second

type journalEventView struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "unavailable", "event journal disabled")
		return
	}
	after, err := queryUint(r, "after", 0)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	limit, err := queryUint(r, "limit", 100)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	records, err := s.journal.List(r.Context(), journal.Filter{
		Type:     strings.TrimSpace(r.URL.Query().Get("type")),
		OrderID:  strings.TrimSpace(r.URL.Query().Get("orderId")),
		AfterSeq: after,
		Limit:    int(min(limit, 1000)),
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	views := make([]journalEventView, 0, len(records))
	for _, record := range records {
		evt, err := record.Event()
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		views = append(views, journalEventView{
			ID:         record.ID,
			Seq:        record.Seq,
			Type:       evt.Type,
			Attributes: evt.Attributes,
			CreatedAt:  record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

// handleEventStream pushes committed events to a websocket client. The
// optional type query parameter filters by event type prefix.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, prefix); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, prefix string) error {
	updates, cancel := s.broadcaster.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if prefix != "" && !strings.HasPrefix(evt.Type, prefix) {
				continue
			}
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
