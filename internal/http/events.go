package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/al4/orlo/internal/ws"
)

func eventTopic(req *http.Request) string {
	if id := strings.TrimSpace(req.URL.Query().Get("release_id")); id != "" {
		return id
	}
	return ws.AllTopic
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	topic := eventTopic(req)
	client := ws.NewSSEClient(w, flusher, "lifecycle", r.logger)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case now := <-ticker.C:
			if now.Sub(client.LastActivity()) < r.heartbeat/2 {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	topic := eventTopic(req)
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	client.Wait()
	r.hub.Unregister(topic, client)
	client.Close()
}
