package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/livesum/internal/live"
)

const (
	keepaliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// Pipeline is the capture loop as seen by the HTTP layer.
type Pipeline interface {
	Start() bool
	State() live.PipelineState
}

// EventStream is the subset of *live.EventBus the stream endpoints use.
type EventStream interface {
	Subscribe() *live.Subscriber
	Unsubscribe(id string)
	Send(sub *live.Subscriber, e live.Event)
	ReplaySince(lastEventID string) []live.Event
	SubscriberCount() int
}

// EventsHandler serves the live transcript and summary stream.
type EventsHandler struct {
	pipeline Pipeline
	bus      EventStream
	upgrader websocket.Upgrader
}

func NewEventsHandler(pipeline Pipeline, bus EventStream, origins []string) *EventsHandler {
	h := &EventsHandler{pipeline: pipeline, bus: bus}
	h.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin(origins)}
	return h
}

// checkOrigin mirrors CORSWithOrigins for websocket handshakes.
func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// subscribe starts the pipeline, registers a subscriber and greets it with
// the current status. The greeting goes to this subscriber only.
func (h *EventsHandler) subscribe() *live.Subscriber {
	h.pipeline.Start()
	sub := h.bus.Subscribe()
	h.bus.Send(sub, live.NewEvent(live.KindStatus, h.pipeline.State().StatusPayload()))
	return sub
}

// frameWriter writes one event to a client.
type frameWriter func(e live.Event) error

// stream pumps events to the client until ctx ends, gone is closed, the bus
// drops the subscriber or a write fails. Replayed events are written right
// after the greeting and are not repeated if they also arrive live.
func (h *EventsHandler) stream(ctx context.Context, gone <-chan struct{}, sub *live.Subscriber, lastEventID string, write frameWriter, keepalive func() error) error {
	var replay []live.Event
	if lastEventID != "" {
		replay = h.bus.ReplaySince(lastEventID)
	}
	seen := make(map[string]bool, len(replay))
	greeted := false

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gone:
			return nil
		case <-sub.Done():
			return nil
		case <-ticker.C:
			if err := keepalive(); err != nil {
				return err
			}
		case e := <-sub.Events():
			if e.ID != "" && seen[e.ID] {
				continue
			}
			if err := write(e); err != nil {
				return err
			}
			if !greeted && e.ID == "" && e.Kind == live.KindStatus {
				greeted = true
				for _, old := range replay {
					if err := write(old); err != nil {
						return err
					}
					seen[old.ID] = true
				}
			}
		}
	}
}

// StreamSSE opens a Server-Sent Events stream of live events.
func (h *EventsHandler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("streaming not supported")
		return
	}

	sub := h.subscribe()
	defer h.bus.Unsubscribe(sub.ID)

	log := hlog.FromRequest(r).With().Str("subscriber", sub.ID).Logger()
	log.Info().Int("subscribers", h.bus.SubscriberCount()).Msg("SSE client connected")

	write := func(e live.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if e.ID != "" {
			fmt.Fprintf(w, "id: %s\n", e.ID)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}
	keepalive := func() error {
		if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
			return err
		}
		return rc.Flush()
	}

	err := h.stream(r.Context(), nil, sub, r.Header.Get("Last-Event-ID"), write, keepalive)
	logDisconnect(log, err, "SSE client disconnected")
}

// StreamWS serves the same stream over a websocket, one JSON text frame per
// event. Client messages are read and discarded.
func (h *EventsHandler) StreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		hlog.FromRequest(r).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.subscribe()
	defer h.bus.Unsubscribe(sub.ID)

	log := hlog.FromRequest(r).With().Str("subscriber", sub.ID).Logger()
	log.Info().Int("subscribers", h.bus.SubscriberCount()).Msg("websocket client connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(e live.Event) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(e)
	}
	keepalive := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
	}

	err = h.stream(r.Context(), closed, sub, r.URL.Query().Get("last_event_id"), write, keepalive)
	logDisconnect(log, err, "websocket client disconnected")

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func logDisconnect(log zerolog.Logger, err error, msg string) {
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Info().Err(err).Msg(msg)
		return
	}
	log.Info().Msg(msg)
}

// StatusResponse is the body of GET /api/live/status.
type StatusResponse struct {
	Listening bool `json:"listening"`
}

// Status reports whether the capture loop is listening.
func (h *EventsHandler) Status(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, StatusResponse{Listening: h.pipeline.State().Ready})
}

// StartResponse is the body of POST /api/live/start.
type StartResponse struct {
	Started bool `json:"started"`
	live.PipelineState
}

// Start launches the capture loop. Calling it while running is a no-op.
func (h *EventsHandler) Start(w http.ResponseWriter, r *http.Request) {
	started := h.pipeline.Start()
	if started {
		hlog.FromRequest(r).Info().Msg("capture loop started by request")
	}
	WriteJSON(w, http.StatusOK, StartResponse{Started: started, PipelineState: h.pipeline.State()})
}

// Routes registers the public live routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/stream", h.StreamSSE)
	r.Get("/ws", h.StreamWS)
	r.Get("/status", h.Status)
}
