package live

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/metrics"
)

// NoSummarySentinel is the answer the model is told to give when a sentence
// has nothing worth summarizing.
const NoSummarySentinel = "NONE"

// DefaultPromptTemplate renders the summarization prompt. It receives
// .Sentence, .Context and .Sentinel.
const DefaultPromptTemplate = `Summarize only the current sentence, very briefly, keeping the key facts and without definitions.
Use the context only to disambiguate the sentence; never summarize the context itself.
Answer with the summary only, no preamble.
If there is nothing to summarize, answer exactly {{.Sentinel}}.
{{if .Context}}
Context: {{.Context}}
{{end}}
Current sentence: {{.Sentence}}`

// Summarizer turns a prompt into a short summary. Implementations that
// stream call onChunk with each increment as it arrives; onChunk may be nil.
// The returned string is the complete summary.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, onChunk func(string)) (string, error)
}

// SummaryQueueStats reports the state of the summary queue.
type SummaryQueueStats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// SummaryWorkerOptions configures the summary worker.
type SummaryWorkerOptions struct {
	Summarizer     Summarizer
	Publisher      Publisher
	PromptTemplate string
	ContextChars   int
	QueueSize      int
	Timeout        time.Duration
	Log            zerolog.Logger
}

// SummaryWorker summarizes finalized sentences one at a time, off the
// capture loop. It owns its SummaryContext.
type SummaryWorker struct {
	jobs    chan string
	sum     Summarizer
	pub     Publisher
	prompt  *template.Template
	history *SummaryContext
	opts    SummaryWorkerOptions
	log     zerolog.Logger
	wg      sync.WaitGroup

	mu       sync.RWMutex
	stopped  bool
	stopping atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewSummaryWorker creates a summary worker. The prompt template is parsed
// here so a broken template fails at startup.
func NewSummaryWorker(opts SummaryWorkerOptions) (*SummaryWorker, error) {
	text := opts.PromptTemplate
	if text == "" {
		text = DefaultPromptTemplate
	}
	tmpl, err := template.New("prompt").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &SummaryWorker{
		jobs:    make(chan string, opts.QueueSize),
		sum:     opts.Summarizer,
		pub:     opts.Publisher,
		prompt:  tmpl,
		history: NewSummaryContext(opts.ContextChars),
		opts:    opts,
		log:     opts.Log,
	}, nil
}

// Start launches the worker goroutine.
func (w *SummaryWorker) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info().
		Int("queue_size", cap(w.jobs)).
		Int("context_chars", w.history.Budget()).
		Dur("timeout", w.opts.Timeout).
		Msg("summary worker started")
}

// Stop rejects new sentences, lets an in-flight summarization finish or
// time out, drops whatever is still queued and waits for the worker to exit.
func (w *SummaryWorker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.stopping.Store(true)
	close(w.jobs)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info().
		Int64("completed", w.completed.Load()).
		Int64("failed", w.failed.Load()).
		Int64("dropped", w.dropped.Load()).
		Msg("summary worker stopped")
}

// Enqueue schedules a sentence for summarization without blocking. It
// returns false if the queue is full or the worker is stopped; the sentence
// is then dropped.
func (w *SummaryWorker) Enqueue(sentence string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return false
	}
	select {
	case w.jobs <- sentence:
		return true
	default:
		w.dropped.Add(1)
		metrics.SummariesTotal.WithLabelValues("dropped").Inc()
		w.log.Warn().Int("queue_size", cap(w.jobs)).Msg("summary queue full, sentence dropped")
		return false
	}
}

// Stats returns current queue statistics.
func (w *SummaryWorker) Stats() SummaryQueueStats {
	return SummaryQueueStats{
		Pending:   len(w.jobs),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

func (w *SummaryWorker) run() {
	defer w.wg.Done()
	for sentence := range w.jobs {
		if w.stopping.Load() {
			w.dropped.Add(1)
			continue
		}
		if err := w.summarize(sentence); err != nil {
			w.failed.Add(1)
			w.log.Warn().Err(err).Str("sentence", sentence).Msg("summarization failed")
		} else {
			w.completed.Add(1)
		}
	}
}

func (w *SummaryWorker) summarize(sentence string) (err error) {
	w.pub.Publish(NewEvent(KindSummaryStart, sentence))
	defer func() {
		if err != nil {
			w.pub.Publish(NewEvent(KindError, err.Error()))
			metrics.SummariesTotal.WithLabelValues("error_" + failureReason(err)).Inc()
		}
		w.pub.Publish(NewEvent(KindSummaryEnd, sentence))
	}()

	prompt, err := w.renderPrompt(sentence)
	if err != nil {
		return err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.Timeout)
	defer cancel()

	tokens := newTokenStream(func(tok string) {
		w.pub.Publish(NewEvent(KindSummaryToken, tok))
	})
	summary, err := w.sum.Summarize(ctx, prompt, tokens.Write)
	metrics.SummaryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	summary = cleanSummary(summary)
	if summary == "" || isSentinel(summary) {
		metrics.SummariesTotal.WithLabelValues("empty").Inc()
		w.log.Debug().Str("sentence", sentence).Msg("nothing to summarize")
		return nil
	}
	if !tokens.Released() {
		w.pub.Publish(NewEvent(KindSummaryToken, summary))
	}
	w.history.Append(summary)
	metrics.SummariesTotal.WithLabelValues("ok").Inc()
	w.log.Debug().
		Str("sentence", sentence).
		Str("summary", summary).
		Int("context_len", w.history.Len()).
		Msg("summary complete")
	return nil
}

func (w *SummaryWorker) renderPrompt(sentence string) (string, error) {
	var buf bytes.Buffer
	err := w.prompt.Execute(&buf, struct {
		Sentence string
		Context  string
		Sentinel string
	}{
		Sentence: sentence,
		Context:  w.history.Render(),
		Sentinel: NoSummarySentinel,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

var newlineReplacer = strings.NewReplacer(`\n`, " ", "\r\n", " ", "\n", " ", "\r", " ")

func cleanChunk(s string) string {
	return newlineReplacer.Replace(s)
}

func cleanSummary(s string) string {
	return strings.TrimSpace(newlineReplacer.Replace(s))
}

func normalizeSentinel(s string) string {
	return strings.ToUpper(strings.Trim(strings.TrimSpace(s), ` ."'!`))
}

func isSentinel(s string) bool {
	return normalizeSentinel(s) == NoSummarySentinel
}

// tokenStream forwards streamed chunks, holding them back while the text
// so far could still turn out to be the sentinel.
type tokenStream struct {
	emit     func(string)
	pending  strings.Builder
	released bool
}

func newTokenStream(emit func(string)) *tokenStream {
	return &tokenStream{emit: emit}
}

func (t *tokenStream) Write(chunk string) {
	chunk = cleanChunk(chunk)
	if chunk == "" {
		return
	}
	if t.released {
		t.emit(chunk)
		return
	}
	t.pending.WriteString(chunk)
	held := normalizeSentinel(t.pending.String())
	if held == "" || strings.HasPrefix(NoSummarySentinel, held) {
		return
	}
	t.released = true
	t.emit(strings.TrimLeft(t.pending.String(), " "))
	t.pending.Reset()
}

// Released reports whether any text was emitted.
func (t *tokenStream) Released() bool { return t.released }
