package live

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ── Event recording ──────────────────────────────────────────────────

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// waitFor polls until cond holds for the recorded events.
func (l *eventLog) waitFor(t *testing.T, what string, cond func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		evs := l.snapshot()
		if cond(evs) {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; events: %v", what, kinds(l.snapshot()))
	return nil
}

func countKind(evs []Event, k Kind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func indexOf(evs []Event, k Kind, payload string) int {
	for i, e := range evs {
		if e.Kind == k && e.Payload == payload {
			return i
		}
	}
	return -1
}

func kinds(evs []Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = string(e.Kind) + "(" + e.Payload + ")"
	}
	return out
}

// ── Sinks ────────────────────────────────────────────────────────────

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   atomic.Bool
}

func (s *recordingSink) Send(e Event) error {
	if s.fail.Load() {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// ── Audio ────────────────────────────────────────────────────────────

// fakeDevice hands out scripted streams. Frames are strings interpreted by
// fakeRecognizer: "final:<text>", "partial:<text>", "boom", or "" for a
// zero-byte read.
type fakeDevice struct {
	mu       sync.Mutex
	openErrs []error    // per session; nil entries succeed
	scripts  [][]string // per session frames
	endErr   error      // returned once a script is exhausted; nil idles
	opens    int
	streams  []*fakeStream
}

func (d *fakeDevice) Open(format AudioFormat, frameSize int) (AudioStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.opens
	d.opens++
	if i < len(d.openErrs) && d.openErrs[i] != nil {
		return nil, d.openErrs[i]
	}
	var frames []string
	if i < len(d.scripts) {
		frames = d.scripts[i]
	}
	s := &fakeStream{frames: frames, endErr: d.endErr}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *fakeDevice) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

type fakeStream struct {
	mu     sync.Mutex
	frames []string
	endErr error
	closed atomic.Bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		if s.endErr != nil {
			return 0, s.endErr
		}
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	s.mu.Unlock()
	return copy(p, f), nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// ── Recognizer ───────────────────────────────────────────────────────

type fakeEngine struct {
	mu      sync.Mutex
	newErrs []error
	created int
	recs    []*fakeRecognizer
}

func (e *fakeEngine) NewRecognizer(sampleRate int) (Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.created
	e.created++
	if i < len(e.newErrs) && e.newErrs[i] != nil {
		return nil, e.newErrs[i]
	}
	r := &fakeRecognizer{sampleRate: sampleRate}
	e.recs = append(e.recs, r)
	return r, nil
}

type fakeRecognizer struct {
	sampleRate int
	result     string
	partial    string
	closed     atomic.Bool
}

func (r *fakeRecognizer) AcceptWaveform(frame []byte) (bool, error) {
	s := string(frame)
	switch {
	case s == "boom":
		return false, errors.New("decoder crashed")
	case strings.HasPrefix(s, "final:"):
		r.result = `{"text": "` + strings.TrimPrefix(s, "final:") + `"}`
		r.partial = `{"partial": ""}`
		return true, nil
	case strings.HasPrefix(s, "partial:"):
		r.partial = `{"partial": "` + strings.TrimPrefix(s, "partial:") + `"}`
		return false, nil
	default:
		r.partial = `{"partial": ""}`
		return false, nil
	}
}

func (r *fakeRecognizer) Result() string        { return r.result }
func (r *fakeRecognizer) PartialResult() string { return r.partial }
func (r *fakeRecognizer) Close() error {
	r.closed.Store(true)
	return nil
}

// ── Clock ────────────────────────────────────────────────────────────

type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *fakeClock) waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

// ── Summarizer ───────────────────────────────────────────────────────

type stubSummarizer struct {
	fn func(ctx context.Context, prompt string, onChunk func(string)) (string, error)

	mu          sync.Mutex
	prompts     []string
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *stubSummarizer) Summarize(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.fn(ctx, prompt, onChunk)
}

func (s *stubSummarizer) prompt(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.prompts) {
		return ""
	}
	return s.prompts[i]
}

func fixedSummary(text string) *stubSummarizer {
	return &stubSummarizer{fn: func(context.Context, string, func(string)) (string, error) {
		return text, nil
	}}
}
