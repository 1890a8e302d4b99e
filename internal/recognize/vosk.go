package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/live"
)

// VoskEngine opens recognizers on a vosk-server websocket endpoint. Each
// recognizer owns one connection, so restarting the capture session also
// resets the decoder.
type VoskEngine struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer
	log     zerolog.Logger
}

// NewVoskEngine creates an engine for the given ws:// or wss:// URL. timeout
// bounds the dial and every request/reply exchange.
func NewVoskEngine(url string, timeout time.Duration, log zerolog.Logger) *VoskEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &VoskEngine{
		url:     url,
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		log:     log,
	}
}

// Name returns the backend name for logs.
func (e *VoskEngine) Name() string { return "vosk" }

type voskConfig struct {
	Config struct {
		SampleRate int `json:"sample_rate"`
	} `json:"config"`
}

// NewRecognizer dials the server and configures the sample rate.
func (e *VoskEngine) NewRecognizer(sampleRate int) (live.Recognizer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	conn, _, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", e.url, err)
	}

	var cfg voskConfig
	cfg.Config.SampleRate = sampleRate
	conn.SetWriteDeadline(time.Now().Add(e.timeout))
	if err := conn.WriteJSON(cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send config: %w", err)
	}

	e.log.Debug().Str("url", e.url).Int("sample_rate", sampleRate).Msg("recognizer connected")
	return &VoskRecognizer{conn: conn, timeout: e.timeout, log: e.log}, nil
}

// VoskRecognizer speaks the vosk-server protocol: every binary audio frame is
// answered with one JSON message, either {"partial": ...} or a final result
// carrying "text".
type VoskRecognizer struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     zerolog.Logger

	result  string
	partial string
}

// AcceptWaveform sends one frame and waits for the server's reply.
func (r *VoskRecognizer) AcceptWaveform(frame []byte) (bool, error) {
	r.conn.SetWriteDeadline(time.Now().Add(r.timeout))
	if err := r.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return false, fmt.Errorf("send audio: %w", err)
	}
	raw, err := r.readReply()
	if err != nil {
		return false, err
	}
	if isFinal(raw) {
		r.result = raw
		r.partial = ""
		return true, nil
	}
	r.partial = raw
	return false, nil
}

func (r *VoskRecognizer) Result() string        { return r.result }
func (r *VoskRecognizer) PartialResult() string { return r.partial }

// Close flushes the decoder with an eof message and closes the connection.
// The flushed result is discarded.
func (r *VoskRecognizer) Close() error {
	deadline := time.Now().Add(r.timeout)
	r.conn.SetWriteDeadline(deadline)
	if err := r.conn.WriteMessage(websocket.TextMessage, []byte(`{"eof" : 1}`)); err == nil {
		if raw, err := r.readReply(); err == nil {
			if text := live.ExtractText(raw); text != "" {
				r.log.Debug().Str("text", text).Msg("discarding result flushed at close")
			}
		}
		r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	return r.conn.Close()
}

func (r *VoskRecognizer) readReply() (string, error) {
	r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	mt, data, err := r.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}
	if mt != websocket.TextMessage {
		return "", fmt.Errorf("read result: unexpected message type %d", mt)
	}
	return string(data), nil
}

// isFinal reports whether a reply is a completed utterance. vosk-server sends
// a "text" key only for final results.
func isFinal(raw string) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return false
	}
	_, ok := obj["text"]
	return ok
}
