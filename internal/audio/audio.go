package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/live"
)

// ErrUnsupportedFormat is returned when a source cannot deliver the requested
// PCM format.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("audio stream closed")

// idleRead bounds how long Read waits for data before returning zero bytes.
const idleRead = 100 * time.Millisecond

// DeviceInfo describes a capture device.
type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

// New returns the audio source selected by configuration: "device" for a
// capture device (empty name means the system default) or "file" to replay a
// WAV or FLAC recording.
func New(source, device, file string, log zerolog.Logger) (live.AudioDevice, error) {
	switch strings.ToLower(source) {
	case "", "device":
		return &Microphone{Name: device, log: log}, nil
	case "file":
		return &FileDevice{Path: file, Realtime: true, log: log}, nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", source)
	}
}

func checkFormat(format live.AudioFormat) error {
	if format.Channels != 1 || format.BitsPerSample != 16 || format.SampleRate <= 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	return nil
}

// matchDevice picks the device whose ID or name equals want, falling back to
// a case-insensitive substring match on the name.
func matchDevice(devices []DeviceInfo, want string) (*DeviceInfo, error) {
	for i := range devices {
		if devices[i].ID == want || devices[i].Name == want {
			return &devices[i], nil
		}
	}
	lower := strings.ToLower(want)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), lower) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matches %q", want)
}

// callbackStream turns push-style driver callbacks into a pull-style
// live.AudioStream. Chunks that arrive while the buffer is full are dropped.
type callbackStream struct {
	chunks  chan []byte
	pending []byte

	mu      sync.Mutex
	err     error
	closed  chan struct{}
	once    sync.Once
	dropped int
	onClose func()
}

func newCallbackStream(depth int) *callbackStream {
	return &callbackStream{
		chunks: make(chan []byte, depth),
		closed: make(chan struct{}),
	}
}

// push copies data into the stream. It never blocks the driver thread.
func (s *callbackStream) push(data []byte) {
	if len(data) == 0 {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case s.chunks <- chunk:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// fail records a driver error; the next Read returns it.
func (s *callbackStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *callbackStream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns the number of chunks lost to a full buffer.
func (s *callbackStream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *callbackStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		if err := s.failure(); err != nil {
			return 0, err
		}
		timer := time.NewTimer(idleRead)
		defer timer.Stop()
		select {
		case chunk := <-s.chunks:
			s.pending = chunk
		case <-s.closed:
			return 0, ErrClosed
		case <-timer.C:
			return 0, nil
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	// Top up from chunks that are already waiting.
	for n < len(p) {
		select {
		case chunk := <-s.chunks:
			m := copy(p[n:], chunk)
			n += m
			s.pending = chunk[m:]
		default:
			return n, nil
		}
	}
	return n, nil
}

func (s *callbackStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
