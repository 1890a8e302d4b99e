package api

import (
	"net/http"
	"time"

	"github.com/snarg/livesum/internal/live"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Subscribers   int               `json:"subscribers"`
	Summaries     *SummaryHealth    `json:"summaries,omitempty"`
}

// SummaryHealth reports the summarizer queue counters.
type SummaryHealth struct {
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
	live.SummaryQueueStats
}

// SummaryQueue is the summarizer worker as seen by the health check.
type SummaryQueue interface {
	Stats() live.SummaryQueueStats
}

// BrokerStatus reports the MQTT connection.
type BrokerStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	pipeline  Pipeline
	bus       EventStream
	summaries SummaryQueue
	backend   string
	model     string
	queueCap  int
	mqtt      BrokerStatus
	version   string
	startTime time.Time
}

// HealthDeps collects what the health check inspects. Summaries and MQTT
// may be nil when those features are not configured.
type HealthDeps struct {
	Pipeline  Pipeline
	Bus       EventStream
	Summaries SummaryQueue
	Backend   string
	Model     string
	QueueSize int
	MQTT      BrokerStatus
}

func NewHealthHandler(deps HealthDeps, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		pipeline:  deps.Pipeline,
		bus:       deps.Bus,
		summaries: deps.Summaries,
		backend:   deps.Backend,
		model:     deps.Model,
		queueCap:  deps.QueueSize,
		mqtt:      deps.MQTT,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Capture check. A running loop that is not ready is between sessions.
	state := h.pipeline.State()
	switch {
	case state.Ready:
		checks["capture"] = live.StatusListening
	case state.Running:
		checks["capture"] = live.StatusInitialising
		degrade()
	default:
		checks["capture"] = live.StatusStopped
	}

	// Summarizer queue check
	var summaries *SummaryHealth
	if h.summaries != nil {
		stats := h.summaries.Stats()
		summaries = &SummaryHealth{Backend: h.backend, Model: h.model, SummaryQueueStats: stats}
		if h.queueCap > 0 && stats.Pending >= h.queueCap {
			checks["summarizer"] = "backlogged"
			degrade()
		} else {
			checks["summarizer"] = "ok"
		}
	} else {
		checks["summarizer"] = "not_configured"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	WriteJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		Subscribers:   h.bus.SubscriberCount(),
		Summaries:     summaries,
	})
}
