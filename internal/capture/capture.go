// Package capture provides a miniaudio-backed microphone source for running
// the core end-to-end without an external capture process. Production
// integrations usually own capture themselves and feed the controller via
// ProcessAudio; this package exists for the CLI and for development.
package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// FrameFunc receives interleaved float32 device PCM and the capture time of
// its first sample. It is called from the audio thread and must not block.
type FrameFunc func(pcm []float32, ts time.Time)

// Capture is one open microphone stream.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	sampleRate int
	channels   int

	mu      sync.Mutex
	stopped bool
}

// Start opens the default capture device at the requested rate and channel
// count and begins delivering frames to fn.
func Start(sampleRate, channels int, fn FrameFunc) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	c := &Capture{ctx: ctx, sampleRate: sampleRate, channels: channels}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			if frameCount == 0 {
				return
			}
			samples := bytesToFloat32(input, int(frameCount)*channels)
			fn(samples, time.Now())
		},
	}
	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("capture: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("capture: start device: %w", err)
	}

	c.device = device
	slog.Info("capture started", "sample_rate", sampleRate, "channels", channels)
	return c, nil
}

// SampleRate returns the device sample rate.
func (c *Capture) SampleRate() int { return c.sampleRate }

// Channels returns the device channel count.
func (c *Capture) Channels() int { return c.channels }

// Stop halts the device and releases miniaudio resources. Safe to call more
// than once.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.device != nil {
		c.device.Uninit()
	}
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
	}
}

// bytesToFloat32 reinterprets little-endian float32 PCM bytes.
func bytesToFloat32(raw []byte, n int) []float32 {
	if n*4 > len(raw) {
		n = len(raw) / 4
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
