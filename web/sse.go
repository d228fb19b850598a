package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/jyothri/mailmirror/notification"
)

const sseKeepAlive = 15 * time.Second

func (s *Server) sse(r *mux.Router) {
	sse := r.PathPrefix("/sse").Subrouter()
	sse.HandleFunc("/events", s.sseHandler)
}

// sseHandler streams sync progress for one client key, or for every account
// when none is given.
func (s *Server) sseHandler(w http.ResponseWriter, r *http.Request) {
	clientKey := r.URL.Query().Get("client_key")
	if clientKey == "" {
		clientKey = notification.NOTIFICATION_ALL
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, unsubscribe := s.hub.Subscribe(clientKey)
	defer unsubscribe()

	rc := http.NewResponseController(w)
	lastEventID := r.Header.Get("Last-Event-Id")
	start := time.Now()
	slog.Info("Client connected", "client_key", clientKey, "last_event_id", lastEventID)

	send := func(event, data string) bool {
		id := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
		if _, err := fmt.Fprintf(w, "event:%s\nretry: 10000\nid:%s\ndata:%s\n\n", event, id, data); err != nil {
			slog.Warn("Unable to write event", "client_key", clientKey, "error", err)
			return false
		}
		_ = rc.SetWriteDeadline(time.Time{})
		if err := rc.Flush(); err != nil {
			slog.Warn("Unable to flush event", "client_key", clientKey, "error", err)
			return false
		}
		return true
	}

	if !send("hello", clientKey) {
		return
	}
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Info("Client disconnected", "client_key", clientKey, "duration", time.Since(start))
			return
		case <-s.ctx.Done():
			send("close", "server shutting down")
			return
		case <-ticker.C:
			if !send("timer", time.Now().Format(time.RFC850)) {
				return
			}
		case p, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(p)
			if err != nil {
				slog.Error("Failed to marshal progress", "error", err)
				continue
			}
			if !send("progress", string(data)) {
				return
			}
		}
	}
}
