package mqttclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/live"
)

// EventSource is the subscription side of the event bus.
type EventSource interface {
	Subscribe() *live.Subscriber
	Unsubscribe(id string)
}

// MessagePublisher sends one MQTT message.
type MessagePublisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// Mirror republishes every bus event to MQTT as JSON under
// <topic>/<kind>. Status events are retained so new MQTT clients learn
// whether capture is listening.
type Mirror struct {
	source EventSource
	pub    MessagePublisher
	topic  string
	resub  time.Duration
	log    zerolog.Logger
}

// NewMirror creates a mirror publishing below topic.
func NewMirror(source EventSource, pub MessagePublisher, topic string, log zerolog.Logger) *Mirror {
	return &Mirror{
		source: source,
		pub:    pub,
		topic:  topic,
		resub:  time.Second,
		log:    log,
	}
}

// Run mirrors events until ctx is cancelled or the bus shuts down. If the bus
// drops the mirror for falling behind, it subscribes again; events missed in
// between are not republished.
func (m *Mirror) Run(ctx context.Context) {
	for {
		sub := m.source.Subscribe()
		if !sub.Alive() {
			m.log.Debug().Msg("event bus closed, mirror exiting")
			return
		}
		m.log.Info().Str("topic", m.topic).Msg("mirroring events to mqtt")

		if !m.pump(ctx, sub) {
			m.source.Unsubscribe(sub.ID)
			return
		}
		m.log.Warn().Msg("mqtt mirror fell behind and was dropped, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.resub):
		}
	}
}

// pump forwards events from one subscription. It reports whether the
// subscription ended while ctx was still live.
func (m *Mirror) pump(ctx context.Context, sub *live.Subscriber) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case evt := <-sub.Events():
			m.forward(evt)
		case <-sub.Done():
			// Drain what was buffered before the drop.
			for {
				select {
				case evt := <-sub.Events():
					m.forward(evt)
				default:
					return true
				}
			}
		}
	}
}

func (m *Mirror) forward(evt live.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal event")
		return
	}
	topic := JoinTopic(m.topic, string(evt.Kind))
	if err := m.pub.Publish(topic, evt.Kind == live.KindStatus, payload); err != nil {
		m.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}
