package live

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestWorker(t *testing.T, sum Summarizer, pub Publisher, queueSize int) *SummaryWorker {
	t.Helper()
	w, err := NewSummaryWorker(SummaryWorkerOptions{
		Summarizer:   sum,
		Publisher:    pub,
		ContextChars: 200,
		QueueSize:    queueSize,
		Timeout:      time.Second,
		Log:          zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSummaryWorker: %v", err)
	}
	return w
}

func summaryEvents(evs []Event) []string {
	var out []string
	for _, e := range evs {
		switch e.Kind {
		case KindSummaryStart, KindSummaryToken, KindSummaryEnd, KindError:
			out = append(out, string(e.Kind)+"("+e.Payload+")")
		}
	}
	return out
}

func TestSummaryWorker_FixedSummary(t *testing.T) {
	log := &eventLog{}
	w := newTestWorker(t, fixedSummary("Greeting."), log, 4)
	w.Start()
	defer w.Stop()

	if !w.Enqueue("hello there") {
		t.Fatal("Enqueue returned false")
	}

	evs := log.waitFor(t, "summary-end", func(evs []Event) bool {
		return countKind(evs, KindSummaryEnd) == 1
	})
	want := []string{"summary-start(hello there)", "summary-token(Greeting.)", "summary-end(hello there)"}
	if got := summaryEvents(evs); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSummaryWorker_Serialized(t *testing.T) {
	log := &eventLog{}
	sum := &stubSummarizer{fn: func(_ context.Context, prompt string, _ func(string)) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "sum", nil
	}}
	w := newTestWorker(t, sum, log, 4)
	w.Start()
	defer w.Stop()

	w.Enqueue("first")
	w.Enqueue("second")

	evs := log.waitFor(t, "two summary-end", func(evs []Event) bool {
		return countKind(evs, KindSummaryEnd) == 2
	})
	want := []string{
		"summary-start(first)", "summary-token(sum)", "summary-end(first)",
		"summary-start(second)", "summary-token(sum)", "summary-end(second)",
	}
	if got := summaryEvents(evs); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if m := sum.maxInFlight.Load(); m != 1 {
		t.Errorf("max concurrent summarizer calls = %d, want 1", m)
	}
}

func TestSummaryWorker_ErrorYieldsErrorEvent(t *testing.T) {
	log := &eventLog{}
	sum := &stubSummarizer{fn: func(context.Context, string, func(string)) (string, error) {
		return "", fmt.Errorf("%w: connection refused", ErrSummarizerUnavailable)
	}}
	w := newTestWorker(t, sum, log, 4)
	w.Start()
	defer w.Stop()

	w.Enqueue("a")
	w.Enqueue("b")

	evs := log.waitFor(t, "two summary-end", func(evs []Event) bool {
		return countKind(evs, KindSummaryEnd) == 2
	})
	got := summaryEvents(evs)
	if len(got) != 6 {
		t.Fatalf("got %d summary events, want 6: %v", len(got), got)
	}
	for i, sentence := range []string{"a", "b"} {
		if got[i*3] != "summary-start("+sentence+")" {
			t.Errorf("event %d = %q, want summary-start(%s)", i*3, got[i*3], sentence)
		}
		if !strings.HasPrefix(got[i*3+1], "error(summarizer unavailable") {
			t.Errorf("event %d = %q, want error", i*3+1, got[i*3+1])
		}
		if got[i*3+2] != "summary-end("+sentence+")" {
			t.Errorf("event %d = %q, want summary-end(%s)", i*3+2, got[i*3+2], sentence)
		}
	}
	if countKind(evs, KindSummaryToken) != 0 {
		t.Error("no summary-token expected on failure")
	}
	if s := w.Stats(); s.Failed != 2 {
		t.Errorf("Failed = %d, want 2", s.Failed)
	}
}

func TestSummaryWorker_Sentinel(t *testing.T) {
	for _, answer := range []string{"NONE", "none.", "  NONE\n", ""} {
		t.Run(fmt.Sprintf("%q", answer), func(t *testing.T) {
			log := &eventLog{}
			w := newTestWorker(t, fixedSummary(answer), log, 4)
			w.Start()
			w.Enqueue("euh")
			log.waitFor(t, "summary-end", func(evs []Event) bool {
				return countKind(evs, KindSummaryEnd) == 1
			})
			w.Stop()

			evs := log.snapshot()
			if n := countKind(evs, KindSummaryToken); n != 0 {
				t.Errorf("got %d summary-token events, want 0", n)
			}
			if n := countKind(evs, KindError); n != 0 {
				t.Errorf("got %d error events, want 0", n)
			}
			if w.history.Len() != 0 {
				t.Errorf("context length = %d, want 0", w.history.Len())
			}
		})
	}
}

func TestSummaryWorker_Streaming(t *testing.T) {
	t.Run("chunks_emitted_as_tokens", func(t *testing.T) {
		log := &eventLog{}
		sum := &stubSummarizer{fn: func(_ context.Context, _ string, onChunk func(string)) (string, error) {
			for _, c := range []string{"Weather", " is\n", " sunny"} {
				onChunk(c)
			}
			return "Weather is\n sunny", nil
		}}
		w := newTestWorker(t, sum, log, 4)
		w.Start()
		w.Enqueue("il fait beau")
		log.waitFor(t, "summary-end", func(evs []Event) bool {
			return countKind(evs, KindSummaryEnd) == 1
		})
		w.Stop()

		want := []string{
			"summary-start(il fait beau)",
			"summary-token(Weather)",
			"summary-token( is )",
			"summary-token( sunny)",
			"summary-end(il fait beau)",
		}
		if got := summaryEvents(log.snapshot()); !reflect.DeepEqual(got, want) {
			t.Errorf("events = %v, want %v", got, want)
		}
		if got := w.history.Entries(); len(got) != 1 || got[0] != "Weather is  sunny" {
			t.Errorf("context = %q, want [Weather is  sunny]", got)
		}
	})

	t.Run("streamed_sentinel_is_suppressed", func(t *testing.T) {
		log := &eventLog{}
		sum := &stubSummarizer{fn: func(_ context.Context, _ string, onChunk func(string)) (string, error) {
			onChunk("NO")
			onChunk("NE")
			return "NONE", nil
		}}
		w := newTestWorker(t, sum, log, 4)
		w.Start()
		w.Enqueue("hmm")
		log.waitFor(t, "summary-end", func(evs []Event) bool {
			return countKind(evs, KindSummaryEnd) == 1
		})
		w.Stop()

		if n := countKind(log.snapshot(), KindSummaryToken); n != 0 {
			t.Errorf("got %d summary-token events, want 0", n)
		}
	})

	t.Run("sentinel_prefix_then_real_text", func(t *testing.T) {
		log := &eventLog{}
		sum := &stubSummarizer{fn: func(_ context.Context, _ string, onChunk func(string)) (string, error) {
			onChunk("NO")
			onChunk(" rain today")
			return "NO rain today", nil
		}}
		w := newTestWorker(t, sum, log, 4)
		w.Start()
		w.Enqueue("pas de pluie")
		log.waitFor(t, "summary-end", func(evs []Event) bool {
			return countKind(evs, KindSummaryEnd) == 1
		})
		w.Stop()

		evs := log.snapshot()
		if i := indexOf(evs, KindSummaryToken, "NO rain today"); i < 0 {
			t.Errorf("expected held text to be released as one token, got %v", summaryEvents(evs))
		}
	})
}

func TestSummaryWorker_ContextInPrompt(t *testing.T) {
	log := &eventLog{}
	answers := []string{"Meeting moved to Monday.", "Room 4 booked."}
	i := 0
	sum := &stubSummarizer{fn: func(context.Context, string, func(string)) (string, error) {
		a := answers[i]
		i++
		return a, nil
	}}
	w := newTestWorker(t, sum, log, 4)
	w.Start()
	w.Enqueue("the meeting is moved to monday")
	w.Enqueue("I booked room four")
	log.waitFor(t, "two summary-end", func(evs []Event) bool {
		return countKind(evs, KindSummaryEnd) == 2
	})
	w.Stop()

	first, second := sum.prompt(0), sum.prompt(1)
	if strings.Contains(first, "Context:") {
		t.Errorf("first prompt should have no context:\n%s", first)
	}
	if !strings.Contains(first, "Current sentence: the meeting is moved to monday") {
		t.Errorf("first prompt missing sentence:\n%s", first)
	}
	if !strings.Contains(second, "Context: Meeting moved to Monday.") {
		t.Errorf("second prompt missing context:\n%s", second)
	}
	if !strings.Contains(second, NoSummarySentinel) {
		t.Errorf("prompt should name the sentinel:\n%s", second)
	}
}

func TestSummaryWorker_Enqueue(t *testing.T) {
	t.Run("full_queue_drops", func(t *testing.T) {
		w := newTestWorker(t, fixedSummary("x"), &eventLog{}, 2) // not started: nobody draining
		if !w.Enqueue("a") || !w.Enqueue("b") {
			t.Fatal("Enqueue should succeed while the queue has space")
		}
		if w.Enqueue("c") {
			t.Error("Enqueue should return false when queue is full")
		}
		s := w.Stats()
		if s.Pending != 2 || s.Dropped != 1 {
			t.Errorf("Stats = %+v, want Pending=2 Dropped=1", s)
		}
	})

	t.Run("after_stop", func(t *testing.T) {
		w := newTestWorker(t, fixedSummary("x"), &eventLog{}, 2)
		w.Start()
		w.Stop()
		if w.Enqueue("a") {
			t.Error("Enqueue should return false after Stop()")
		}
		w.Stop() // second Stop is harmless
	})

	t.Run("stop_lets_in_flight_finish", func(t *testing.T) {
		log := &eventLog{}
		release := make(chan struct{})
		sum := &stubSummarizer{fn: func(context.Context, string, func(string)) (string, error) {
			<-release
			return "done", nil
		}}
		w := newTestWorker(t, sum, log, 4)
		w.Start()
		w.Enqueue("one")
		w.Enqueue("two")
		log.waitFor(t, "summary-start", func(evs []Event) bool {
			return countKind(evs, KindSummaryStart) == 1
		})

		stopped := make(chan struct{})
		go func() {
			w.Stop()
			close(stopped)
		}()
		time.Sleep(20 * time.Millisecond)
		close(release)

		select {
		case <-stopped:
		case <-time.After(3 * time.Second):
			t.Fatal("Stop() did not return")
		}
		evs := log.snapshot()
		if indexOf(evs, KindSummaryEnd, "one") < 0 {
			t.Error("in-flight summary should complete")
		}
		if indexOf(evs, KindSummaryStart, "two") >= 0 {
			t.Error("queued sentence should be dropped on stop")
		}
	})
}

func TestSummaryWorker_Timeout(t *testing.T) {
	log := &eventLog{}
	sum := &stubSummarizer{fn: func(ctx context.Context, _ string, _ func(string)) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("%w: %v", ErrSummarizerUnavailable, ctx.Err())
	}}
	w, err := NewSummaryWorker(SummaryWorkerOptions{
		Summarizer: sum,
		Publisher:  log,
		QueueSize:  1,
		Timeout:    30 * time.Millisecond,
		Log:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()
	w.Enqueue("slow")

	evs := log.waitFor(t, "summary-end", func(evs []Event) bool {
		return countKind(evs, KindSummaryEnd) == 1
	})
	i := indexOf(evs, KindError, "summarizer unavailable: context deadline exceeded")
	if i < 0 {
		t.Errorf("expected timeout error event, got %v", kinds(evs))
	}
}

func TestNewSummaryWorker_BadTemplate(t *testing.T) {
	_, err := NewSummaryWorker(SummaryWorkerOptions{
		PromptTemplate: "{{.Sentence",
		Log:            zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected template parse error")
	}
}
