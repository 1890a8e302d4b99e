//go:build linux

package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/jfreymuth/pulse"
	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/live"
)

// Microphone captures from a PulseAudio (or PipeWire-pulse) source.
type Microphone struct {
	Name string // source ID or name; empty uses the default source
	log  zerolog.Logger
}

// ListDevices returns the available PulseAudio sources.
func ListDevices() ([]DeviceInfo, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("livesum"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	defer c.Close()

	sources, err := c.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	return devices, nil
}

// Open starts a record stream in the requested format.
func (m *Microphone) Open(format live.AudioFormat, frameSize int) (live.AudioStream, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName("livesum"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}

	stream := newCallbackStream(64)
	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		stream.push(data)
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordLatency(float64(frameSize/2) / float64(format.SampleRate)),
	}
	source := "default"
	if m.Name != "" {
		src, err := m.lookup(client)
		if err != nil {
			client.Close()
			return nil, err
		}
		opts = append(opts, pulse.RecordSource(src))
		source = src.Name()
	}

	rec, err := client.NewRecord(writer, opts...)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pulse record: %w", err)
	}
	stream.onClose = func() {
		rec.Stop()
		rec.Close()
		client.Close()
	}
	rec.Start()

	m.log.Info().Str("source", source).Str("format", format.String()).Msg("pulse record stream started")
	return &pulseStream{callbackStream: stream, rec: rec}, nil
}

func (m *Microphone) lookup(client *pulse.Client) (*pulse.Source, error) {
	if src, err := client.SourceByID(m.Name); err == nil && src != nil {
		return src, nil
	}
	sources, err := client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, len(sources))
	for i, s := range sources {
		devices[i] = DeviceInfo{ID: s.ID(), Name: s.Name()}
	}
	d, err := matchDevice(devices, m.Name)
	if err != nil {
		return nil, err
	}
	return client.SourceByID(d.ID)
}

// pulseStream surfaces record stream failures through Read.
type pulseStream struct {
	*callbackStream
	rec *pulse.RecordStream
}

func (s *pulseStream) Read(p []byte) (int, error) {
	if err := s.rec.Error(); err != nil {
		s.fail(fmt.Errorf("pulse record: %w", err))
	}
	return s.callbackStream.Read(p)
}
