package recognize

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/live"
)

// fakeVosk answers binary frames like vosk-server: a frame containing "." ends
// an utterance, anything else extends the partial hypothesis.
type fakeVosk struct {
	mu         sync.Mutex
	sampleRate int
	gotEOF     bool
	silent     bool // never reply to audio
}

func (f *fakeVosk) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var words []string
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage {
				var msg struct {
					Config *struct {
						SampleRate int `json:"sample_rate"`
					} `json:"config"`
					EOF int `json:"eof"`
				}
				json.Unmarshal(data, &msg)
				f.mu.Lock()
				if msg.Config != nil {
					f.sampleRate = msg.Config.SampleRate
				}
				if msg.EOF == 1 {
					f.gotEOF = true
				}
				f.mu.Unlock()
				if msg.EOF == 1 {
					conn.WriteMessage(websocket.TextMessage, []byte(`{"text" : "`+strings.Join(words, " ")+`"}`))
				}
				continue
			}
			if f.silent {
				continue
			}
			s := string(data)
			if s == "." {
				reply, _ := json.Marshal(map[string]any{
					"result": []any{},
					"text":   strings.Join(words, " "),
				})
				words = nil
				conn.WriteMessage(websocket.TextMessage, reply)
				continue
			}
			words = append(words, s)
			conn.WriteMessage(websocket.TextMessage, []byte(`{"partial" : "`+strings.Join(words, " ")+`"}`))
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestVoskRecognizer(t *testing.T) {
	fake := &fakeVosk{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	eng := NewVoskEngine(wsURL(srv), 2*time.Second, zerolog.Nop())
	rec, err := eng.NewRecognizer(16000)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}

	steps := []struct {
		frame   string
		final   bool
		partial string
		text    string
	}{
		{"bonjour", false, "bonjour", ""},
		{"à", false, "bonjour à", ""},
		{"tous", false, "bonjour à tous", ""},
		{".", true, "", "bonjour à tous"},
		{"encore", false, "encore", ""},
	}
	for _, st := range steps {
		final, err := rec.AcceptWaveform([]byte(st.frame))
		if err != nil {
			t.Fatalf("AcceptWaveform(%q): %v", st.frame, err)
		}
		if final != st.final {
			t.Errorf("AcceptWaveform(%q) final = %v, want %v", st.frame, final, st.final)
		}
		if final {
			if got := live.ExtractText(rec.Result()); got != st.text {
				t.Errorf("Result text = %q, want %q", got, st.text)
			}
			continue
		}
		if got := live.ExtractPartial(rec.PartialResult()); got != st.partial {
			t.Errorf("partial after %q = %q, want %q", st.frame, got, st.partial)
		}
	}

	if err := rec.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.sampleRate != 16000 {
		t.Errorf("server saw sample_rate %d, want 16000", fake.sampleRate)
	}
	if !fake.gotEOF {
		t.Error("Close should send eof to flush the decoder")
	}
}

func TestVoskEngineErrors(t *testing.T) {
	t.Run("dial_failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := wsURL(srv)
		srv.Close()

		eng := NewVoskEngine(url, time.Second, zerolog.Nop())
		if _, err := eng.NewRecognizer(16000); err == nil {
			t.Error("expected error dialing a closed server")
		}
	})

	t.Run("not_a_websocket", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		eng := NewVoskEngine(wsURL(srv), time.Second, zerolog.Nop())
		if _, err := eng.NewRecognizer(16000); err == nil {
			t.Error("expected handshake error")
		}
	})

	t.Run("reply_timeout", func(t *testing.T) {
		fake := &fakeVosk{silent: true}
		srv := httptest.NewServer(fake.handler(t))
		defer srv.Close()

		eng := NewVoskEngine(wsURL(srv), 100*time.Millisecond, zerolog.Nop())
		rec, err := eng.NewRecognizer(16000)
		if err != nil {
			t.Fatalf("NewRecognizer: %v", err)
		}
		defer rec.Close()
		if _, err := rec.AcceptWaveform([]byte("hello")); err == nil {
			t.Error("expected timeout waiting for the server reply")
		}
	})

	t.Run("server_hangs_up", func(t *testing.T) {
		upgrader := websocket.Upgrader{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.ReadMessage() // config
			conn.Close()
		}))
		defer srv.Close()

		eng := NewVoskEngine(wsURL(srv), time.Second, zerolog.Nop())
		rec, err := eng.NewRecognizer(16000)
		if err != nil {
			t.Fatalf("NewRecognizer: %v", err)
		}
		defer rec.Close()

		var lastErr error
		for i := 0; i < 5 && lastErr == nil; i++ {
			_, lastErr = rec.AcceptWaveform([]byte("hello"))
		}
		if lastErr == nil {
			t.Error("expected error after the server closed the connection")
		}
	})
}

func TestIsFinal(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"partial" : "bon"}`, false},
		{`{"text" : ""}`, true},
		{`{"result": [], "text" : "bonjour"}`, true},
		{`not json`, false},
		{``, false},
	}
	for _, tt := range tests {
		if got := isFinal(tt.raw); got != tt.want {
			t.Errorf("isFinal(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
