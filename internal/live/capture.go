package live

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/metrics"
)

// AudioFormat describes raw PCM. The capture loop always asks for signed
// 16-bit little-endian mono.
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%d Hz, %d ch, s%dle", f.SampleRate, f.Channels, f.BitsPerSample)
}

// BytesPerSecond returns the data rate of the format.
func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// AudioDevice opens capture streams.
type AudioDevice interface {
	Open(format AudioFormat, frameSize int) (AudioStream, error)
}

// AudioStream is an open capture stream. Read blocks until some audio is
// available and may return zero bytes.
type AudioStream interface {
	Read(p []byte) (int, error)
	Close() error
}

// RecognizerEngine creates recognizers bound to a sample rate.
type RecognizerEngine interface {
	NewRecognizer(sampleRate int) (Recognizer, error)
}

// Recognizer is a stateful speech recognizer fed one frame at a time.
// AcceptWaveform reports true when the frame completed an utterance; Result
// then returns it. Otherwise PartialResult returns the current hypothesis.
// Both return the engine's raw JSON.
type Recognizer interface {
	AcceptWaveform(frame []byte) (bool, error)
	Result() string
	PartialResult() string
	Close() error
}

// SentenceQueue receives finalized sentences. Enqueue must not block.
type SentenceQueue interface {
	Enqueue(sentence string) bool
}

// CapturePipelineOptions configures the capture loop.
type CapturePipelineOptions struct {
	Device       AudioDevice
	Engine       RecognizerEngine
	Publisher    Publisher
	Sentences    SentenceQueue // optional
	SampleRate   int
	FrameSize    int
	RestartDelay time.Duration
	// After waits between sessions; defaults to time.After.
	After func(time.Duration) <-chan time.Time
	Log   zerolog.Logger
}

// CapturePipeline runs the supervised capture→recognize loop. It alternates
// between two states: a running session, and a backoff before the next
// session. It only leaves that cycle when Stop is called.
type CapturePipeline struct {
	opts   CapturePipelineOptions
	format AudioFormat
	log    zerolog.Logger

	started  atomic.Bool
	running  atomic.Bool
	ready    atomic.Bool
	stopReq  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	sessions atomic.Int64
}

// NewCapturePipeline creates a capture loop. Nothing runs until Start.
func NewCapturePipeline(opts CapturePipelineOptions) *CapturePipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = 4096
	}
	if opts.After == nil {
		opts.After = time.After
	}
	return &CapturePipeline{
		opts:   opts,
		format: AudioFormat{SampleRate: opts.SampleRate, Channels: 1, BitsPerSample: 16},
		log:    opts.Log,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the loop. Only the first call has an effect; it reports
// whether this call started the loop.
func (p *CapturePipeline) Start() bool {
	if !p.started.CompareAndSwap(false, true) {
		return false
	}
	p.running.Store(true)
	go p.run()
	return true
}

// Stop asks the loop to exit. The current frame read is allowed to return,
// then the device and recognizer are released. A pipeline stopped before it
// started never runs.
func (p *CapturePipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopReq.Store(true)
		close(p.stopCh)
		if p.started.CompareAndSwap(false, true) {
			close(p.done)
		}
	})
}

// Wait blocks until the loop has exited. Call Stop first.
func (p *CapturePipeline) Wait() {
	<-p.done
}

// Done is closed when the loop has exited.
func (p *CapturePipeline) Done() <-chan struct{} { return p.done }

// State returns the current pipeline state.
func (p *CapturePipeline) State() PipelineState {
	return PipelineState{Running: p.running.Load(), Ready: p.ready.Load()}
}

// Ready reports whether a session is open and listening.
func (p *CapturePipeline) Ready() bool { return p.ready.Load() }

// Sessions returns the number of sessions attempted so far.
func (p *CapturePipeline) Sessions() int64 { return p.sessions.Load() }

func (p *CapturePipeline) run() {
	defer close(p.done)
	defer p.running.Store(false)

	p.log.Info().
		Str("format", p.format.String()).
		Int("frame_size", p.opts.FrameSize).
		Dur("restart_delay", p.opts.RestartDelay).
		Msg("capture loop started")

	for !p.stopReq.Load() {
		s := &session{id: p.sessions.Add(1)}
		log := p.log.With().Int64("session", s.id).Logger()
		metrics.CaptureSessionsTotal.Inc()

		err := p.runSession(log, s)

		p.ready.Store(false)
		p.emit(KindStatus, StatusStopped)
		if err != nil {
			metrics.CaptureFailuresTotal.WithLabelValues(failureReason(err)).Inc()
			log.Error().Err(err).Msg("capture session failed")
			p.emit(KindError, err.Error())
		}
		s.release(log)

		if err == nil || p.stopReq.Load() {
			break
		}

		log.Info().Dur("delay", p.opts.RestartDelay).Msg("restarting capture after backoff")
		select {
		case <-p.opts.After(p.opts.RestartDelay):
		case <-p.stopCh:
		}
	}
	p.log.Info().Int64("sessions", p.sessions.Load()).Msg("capture loop stopped")
}

// session holds the handles owned by one run of the loop.
type session struct {
	id     int64
	stream AudioStream
	rec    Recognizer
}

func (s *session) release(log zerolog.Logger) {
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			log.Debug().Err(err).Msg("recognizer close failed")
		}
		s.rec = nil
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			log.Debug().Err(err).Msg("audio stream close failed")
		}
		s.stream = nil
	}
}

// runSession returns nil only when a stop was requested.
func (p *CapturePipeline) runSession(log zerolog.Logger, s *session) error {
	stream, err := p.opts.Device.Open(p.format, p.opts.FrameSize)
	if err != nil {
		return wrapAs(ErrDeviceUnavailable, "open audio device", err)
	}
	s.stream = stream

	rec, err := p.opts.Engine.NewRecognizer(p.format.SampleRate)
	if err != nil {
		return wrapAs(ErrEngine, "open recognizer", err)
	}
	s.rec = rec

	p.ready.Store(true)
	p.emit(KindStatus, StatusListening)
	log.Info().Msg("microphone ready, listening")

	buf := make([]byte, p.opts.FrameSize)
	for !p.stopReq.Load() {
		n, err := stream.Read(buf)
		if n > 0 {
			if ferr := p.handleFrame(rec, buf[:n]); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return wrapAs(ErrDeviceUnavailable, "read audio", err)
		}
	}
	return nil
}

func (p *CapturePipeline) handleFrame(rec Recognizer, frame []byte) error {
	final, err := rec.AcceptWaveform(frame)
	if err != nil {
		return wrapAs(ErrEngine, "accept waveform", err)
	}

	if final {
		sentence := ExtractText(rec.Result())
		if sentence == "" {
			return nil
		}
		metrics.TranscriptsTotal.WithLabelValues("final").Inc()
		p.emit(KindTranscriptFinal, sentence)
		if p.opts.Sentences != nil && !p.opts.Sentences.Enqueue(sentence) {
			p.log.Warn().Str("sentence", sentence).Msg("sentence not queued for summary")
		}
		return nil
	}

	if partial := ExtractPartial(rec.PartialResult()); partial != "" {
		metrics.TranscriptsTotal.WithLabelValues("partial").Inc()
		p.emit(KindTranscriptPartial, partial)
	}
	return nil
}

func (p *CapturePipeline) emit(kind Kind, payload string) {
	p.opts.Publisher.Publish(NewEvent(kind, payload))
}

func wrapAs(kind error, op string, err error) error {
	if errors.Is(err, kind) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", kind, op, err)
}
