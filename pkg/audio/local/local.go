// Package local provides an [audio.Platform] for the machine's own
// microphone and speaker, backed by miniaudio through gen2brain/malgo.
//
// The connection exposes a single input stream keyed [Participant] and plays
// frames written to its output stream on the default playback device.
package local

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hoa/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Participant is the input stream key of the local microphone.
const Participant = "local"

const inputChannelBuffer = 64

var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
)

// DeviceInfo describes a capture device.
type DeviceInfo struct {
	ID   string // hex-encoded miniaudio device ID
	Name string
}

// Option configures a [Platform].
type Option func(*Platform)

// WithCaptureFormat sets the microphone format. Defaults to 16 kHz mono.
func WithCaptureFormat(f audio.Format) Option {
	return func(p *Platform) { p.capture = f }
}

// WithPlaybackFormat sets the speaker format. Defaults to 24 kHz mono.
func WithPlaybackFormat(f audio.Format) Option {
	return func(p *Platform) { p.playback = f }
}

// WithoutPlayback opens the microphone only; output frames are discarded.
func WithoutPlayback() Option {
	return func(p *Platform) { p.noPlayback = true }
}

// Platform opens the local sound card.
type Platform struct {
	capture    audio.Format
	playback   audio.Format
	noPlayback bool
}

// New returns a local audio platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		capture:  audio.Format{SampleRate: 16000, Channels: 1},
		playback: audio.Format{SampleRate: 24000, Channels: 1},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Devices lists the available capture devices.
func (p *Platform) Devices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("local: init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	devices, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("local: list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{ID: hex.EncodeToString(d.ID[:]), Name: d.Name()})
	}
	return out, nil
}

// Connect opens the capture device deviceID ("" for the system default) and
// the default playback device.
func (p *Platform) Connect(ctx context.Context, deviceID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var devID *malgo.DeviceID
	if deviceID != "" {
		id, err := parseDeviceID(deviceID)
		if err != nil {
			return nil, err
		}
		devID = &id
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("local: miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("local: init audio context: %w", err)
	}

	c := &Connection{
		mctx:    mctx,
		format:  p.capture,
		input:   make(chan audio.AudioFrame, inputChannelBuffer),
		output:  make(chan audio.AudioFrame, inputChannelBuffer),
		pending: newPCMBuffer(p.playback.SampleRate * p.playback.Channels * 2 * 30),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	if err := c.openCapture(devID); err != nil {
		c.teardown()
		return nil, err
	}
	if !p.noPlayback {
		if err := c.openPlayback(p.playback); err != nil {
			c.teardown()
			return nil, err
		}
	}
	go c.outputLoop(p.playback, p.noPlayback)
	return c, nil
}

// Connection is an open local audio session.
type Connection struct {
	mctx     *malgo.AllocatedContext
	capture  *malgo.Device
	speaker  *malgo.Device
	format   audio.Format
	started  time.Time

	mu     sync.Mutex
	input  chan audio.AudioFrame
	closed bool

	output  chan audio.AudioFrame
	pending *pcmBuffer

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Connection) openCapture(devID *malgo.DeviceID) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(c.format.Channels)
	cfg.SampleRate = uint32(c.format.SampleRate)
	if devID != nil {
		cfg.Capture.DeviceID = devID.Pointer()
	}

	dev, err := malgo.InitDevice(c.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { c.onCapture(in) },
	})
	if err != nil {
		return fmt.Errorf("local: init capture device: %w", err)
	}
	c.capture = dev
	if err := dev.Start(); err != nil {
		return fmt.Errorf("local: start capture device: %w", err)
	}
	return nil
}

func (c *Connection) openPlayback(f audio.Format) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)

	dev, err := malgo.InitDevice(c.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { c.pending.fill(out) },
	})
	if err != nil {
		return fmt.Errorf("local: init playback device: %w", err)
	}
	c.speaker = dev
	if err := dev.Start(); err != nil {
		return fmt.Errorf("local: start playback device: %w", err)
	}
	return nil
}

// onCapture runs on the miniaudio thread. It must not block.
func (c *Connection) onCapture(in []byte) {
	frame := audio.AudioFrame{
		Data:       append([]byte(nil), in...),
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Timestamp:  time.Since(c.started),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.input <- frame:
	default:
	}
}

func (c *Connection) outputLoop(f audio.Format, discard bool) {
	conv := audio.FormatConverter{Target: f}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.output:
			if discard {
				continue
			}
			if data := conv.Convert(frame).Data; len(data) > 0 {
				c.pending.write(data)
			}
		}
	}
}

// InputStreams returns the microphone stream keyed [Participant].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return map[string]<-chan audio.AudioFrame{}
	}
	return map[string]<-chan audio.AudioFrame{Participant: c.input}
}

// OutputStream returns the speaker stream.
func (c *Connection) OutputStream() chan<- audio.AudioFrame { return c.output }

// OnParticipantChange is a no-op: the local microphone never joins or leaves.
func (c *Connection) OnParticipantChange(func(audio.Event)) {}

// Disconnect stops both devices and closes the input stream.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.teardown()
	})
	return nil
}

func (c *Connection) teardown() {
	for _, dev := range []*malgo.Device{c.capture, c.speaker} {
		if dev != nil {
			_ = dev.Stop()
			dev.Uninit()
		}
	}
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.input)
	}
	c.mu.Unlock()
	if c.mctx != nil {
		_ = c.mctx.Uninit()
		c.mctx.Free()
		c.mctx = nil
	}
}

func parseDeviceID(s string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("local: invalid device ID %q: %w", s, err)
	}
	if len(b) > len(id) {
		return id, errors.New("local: device ID too long")
	}
	copy(id[:], b)
	return id, nil
}
