package presence

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sseConn adapts one server-sent-events response stream into a Conn.
// Events that cannot be written promptly are dropped, never queued.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func (c *sseConn) Send(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		c.closed = true
		return
	}
	c.flusher.Flush()
}

func (c *sseConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Handler serves the live event stream. GET /v1/live/{userID} holds an SSE
// stream open and registers it with the registry; POST .../ack accepts
// client mark-read acknowledgments.
type Handler struct {
	Registry *Registry
	Logger   zerolog.Logger

	// AckFunc, when set, receives notification:mark-read acks.
	AckFunc func(userID, notificationID string)
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/live/{userID}", h.stream)
	r.Post("/v1/live/{userID}/ack", h.ack)
	return r
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "userID path param required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := &sseConn{w: w, flusher: flusher}
	connID := uuid.NewString()
	h.Registry.Connect(userID, connID, r.URL.Query().Get("tenant"), conn)
	defer func() {
		h.Registry.Disconnect(connID)
		conn.close()
	}()

	conn.Send(Event{Name: EventPing})
	<-r.Context().Done()
}

func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var body struct {
		NotificationID string `json:"notificationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NotificationID == "" {
		http.Error(w, "notificationId required", http.StatusBadRequest)
		return
	}
	if h.AckFunc != nil {
		h.AckFunc(userID, body.NotificationID)
	}
	w.WriteHeader(http.StatusNoContent)
}
