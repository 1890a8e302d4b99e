package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mewkiz/flac"
	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/live"
)

// trailingSilence is appended after the recording so the recognizer can
// finalize the last utterance.
const trailingSilence = time.Second

// FileDevice replays a WAV or FLAC recording as if it were a microphone.
// Once the recording and a second of silence have been delivered the stream
// idles until closed.
type FileDevice struct {
	Path     string
	Realtime bool // pace reads at the recording's data rate
	log      zerolog.Logger
}

// Open decodes the whole file and returns a stream over it. The file must be
// PCM at the requested sample rate; multichannel audio is downmixed to mono.
func (d *FileDevice) Open(format live.AudioFormat, frameSize int) (live.AudioStream, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	pcm, rate, err := DecodeFile(d.Path)
	if err != nil {
		return nil, err
	}
	if rate != format.SampleRate {
		return nil, fmt.Errorf("%w: %s is %d Hz, want %d Hz", ErrUnsupportedFormat, filepath.Base(d.Path), rate, format.SampleRate)
	}

	silence := format.BytesPerSecond() * int(trailingSilence/time.Millisecond) / 1000
	d.log.Info().
		Str("file", d.Path).
		Dur("duration", time.Duration(len(pcm))*time.Second/time.Duration(format.BytesPerSecond())).
		Msg("replaying audio file")

	return &fileStream{
		data:     append(pcm, make([]byte, silence)...),
		bps:      format.BytesPerSecond(),
		realtime: d.Realtime,
		closed:   make(chan struct{}),
	}, nil
}

type fileStream struct {
	data     []byte
	pos      int
	bps      int
	realtime bool
	start    time.Time

	closed chan struct{}
	once   sync.Once
}

func (s *fileStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrClosed
	default:
	}
	if s.pos >= len(s.data) {
		select {
		case <-s.closed:
			return 0, ErrClosed
		case <-time.After(idleRead):
			return 0, nil
		}
	}
	if s.start.IsZero() {
		s.start = time.Now()
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	if s.realtime {
		due := s.start.Add(time.Duration(s.pos) * time.Second / time.Duration(s.bps))
		select {
		case <-s.closed:
			return n, nil
		case <-time.After(time.Until(due)):
		}
	}
	return n, nil
}

func (s *fileStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// DecodeFile reads a WAV or FLAC file into 16-bit little-endian mono PCM and
// returns it with the file's sample rate.
func DecodeFile(path string) ([]byte, int, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac":
		return decodeFLAC(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, err
		}
		return DecodeWAV(data)
	}
}

// DecodeWAV parses a RIFF/WAVE container holding 16-bit integer PCM.
func DecodeWAV(data []byte) ([]byte, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("wav: not a RIFF/WAVE file")
	}

	var (
		haveFmt  bool
		channels int
		rate     int
		bits     int
	)
	r := bytes.NewReader(data[12:])
	for {
		var hdr struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, errors.New("wav: no data chunk")
			}
			return nil, 0, fmt.Errorf("wav: %w", err)
		}
		size := int64(hdr.Size)
		if size > int64(r.Len()) {
			// Streams written live often leave the data size unset.
			if string(hdr.ID[:]) != "data" {
				return nil, 0, fmt.Errorf("wav: truncated %q chunk", hdr.ID[:])
			}
			size = int64(r.Len())
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, 0, fmt.Errorf("wav: %w", err)
		}
		if hdr.Size%2 == 1 {
			_, _ = r.ReadByte()
		}

		switch string(hdr.ID[:]) {
		case "fmt ":
			if len(body) < 16 {
				return nil, 0, errors.New("wav: short fmt chunk")
			}
			tag := binary.LittleEndian.Uint16(body[0:2])
			channels = int(binary.LittleEndian.Uint16(body[2:4]))
			rate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			// 1 = PCM, 0xFFFE = WAVE_FORMAT_EXTENSIBLE
			if tag != 1 && tag != 0xFFFE {
				return nil, 0, fmt.Errorf("%w: wav format tag %#x", ErrUnsupportedFormat, tag)
			}
			if bits != 16 || channels < 1 {
				return nil, 0, fmt.Errorf("%w: wav %d-bit %d ch", ErrUnsupportedFormat, bits, channels)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, errors.New("wav: data chunk before fmt chunk")
			}
			return downmix16(body, channels), rate, nil
		}
	}
}

// downmix16 averages interleaved 16-bit frames into one channel.
func downmix16(pcm []byte, channels int) []byte {
	if channels == 1 {
		return pcm[:len(pcm)/2*2]
	}
	frame := channels * 2
	out := make([]byte, len(pcm)/frame*2)
	for i := 0; i+frame <= len(pcm); i += frame {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[i+c*2:])))
		}
		binary.LittleEndian.PutUint16(out[i/channels:], uint16(int16(sum/channels)))
	}
	return out
}

func decodeFLAC(path string) ([]byte, int, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("flac: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	shift := int(info.BitsPerSample) - 16
	var out bytes.Buffer
	for {
		f, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, fmt.Errorf("flac: %w", err)
		}
		channels := len(f.Subframes)
		for i := 0; i < int(f.BlockSize); i++ {
			var sum int64
			for _, sub := range f.Subframes {
				sum += int64(sub.Samples[i])
			}
			s := sum / int64(channels)
			if shift > 0 {
				s >>= shift
			} else if shift < 0 {
				s <<= -shift
			}
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(int16(s)))
			out.Write(b[:])
		}
	}
	return out.Bytes(), int(info.SampleRate), nil
}
