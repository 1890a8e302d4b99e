//go:build !linux

package audio

import (
	"encoding/hex"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/snarg/livesum/internal/live"
)

// Microphone captures through miniaudio.
type Microphone struct {
	Name string // device ID (hex) or name; empty uses the default device
	log  zerolog.Logger
}

func initContext() (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", err)
	}
	return ctx, nil
}

func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

func captureDevices(ctx *malgo.AllocatedContext) ([]DeviceInfo, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, d := range infos {
		devices = append(devices, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return devices, nil
}

// ListDevices returns the available capture devices.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := initContext()
	if err != nil {
		return nil, err
	}
	defer freeContext(ctx)
	return captureDevices(ctx)
}

// Open initializes and starts a capture device in the requested format.
func (m *Microphone) Open(format live.AudioFormat, frameSize int) (live.AudioStream, error) {
	if err := checkFormat(format); err != nil {
		return nil, err
	}
	ctx, err := initContext()
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInFrames = uint32(frameSize / 2)

	name := "default"
	if m.Name != "" {
		devices, err := captureDevices(ctx)
		if err != nil {
			freeContext(ctx)
			return nil, err
		}
		d, err := matchDevice(devices, m.Name)
		if err != nil {
			freeContext(ctx)
			return nil, err
		}
		idBytes, err := hex.DecodeString(d.ID)
		if err != nil {
			freeContext(ctx)
			return nil, fmt.Errorf("invalid device ID: %w", err)
		}
		var id malgo.DeviceID
		copy(id[:], idBytes)
		cfg.Capture.DeviceID = id.Pointer()
		name = d.Name
	}

	stream := newCallbackStream(64)
	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			stream.push(in)
		},
		Stop: func() {
			stream.fail(fmt.Errorf("malgo: capture device stopped"))
		},
	})
	if err != nil {
		freeContext(ctx)
		return nil, fmt.Errorf("malgo init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		freeContext(ctx)
		return nil, fmt.Errorf("malgo start: %w", err)
	}
	stream.onClose = func() {
		_ = dev.Stop()
		dev.Uninit()
		freeContext(ctx)
	}

	m.log.Info().Str("device", name).Str("format", format.String()).Msg("capture device started")
	return stream, nil
}
