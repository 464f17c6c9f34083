package main

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/immuni-app/immuni-backend-analytics/pkg/httpx"
	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
	"github.com/immuni-app/immuni-backend-analytics/pkg/stream"
)

type poisonedResponse struct {
	Count int                  `json:"count"`
	Items []model.PoisonedItem `json:"items"`
}

// listPoisoned aggregates the poison stores of every platform queue.
func (s *Server) listPoisoned(w http.ResponseWriter, r *http.Request) {
	items := []model.PoisonedItem{}
	for _, q := range s.Queues {
		got, err := q.Poisoned(r.Context())
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "poison store unavailable")
			return
		}
		items = append(items, got...)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].PoisonedAt.Before(items[j].PoisonedAt)
	})
	httpx.WriteJSON(w, http.StatusOK, poisonedResponse{Count: len(items), Items: items})
}

func (s *Server) discardPoisoned(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "submission_id"))
	if id == "" {
		httpx.Error(w, http.StatusBadRequest, "submission id required")
		return
	}
	for _, q := range s.Queues {
		found, err := q.DiscardPoisoned(r.Context(), id)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "poison store unavailable")
			return
		}
		if found {
			httpx.NoContent(w)
			return
		}
	}
	httpx.Error(w, http.StatusNotFound, "not found")
}

// streamEvents pushes terminal pipeline events over a websocket. Events
// carry submission ids and decisions only.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
