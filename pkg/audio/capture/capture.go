// Package capture owns the microphone stream for one dictation at a time.
//
// A [Session] opens the default input device through a [Device], accumulates
// samples in a mutex-protected buffer from the device callback, publishes
// RMS level samples for visualisation and finally hands back a
// [audio.SampleBuffer] in engine format (mono, 16 kHz). The device callback
// never blocks: level samples are dropped when nobody reads them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxscribe/pkg/audio"
)

// Capture errors. Device implementations wrap the platform error with one of
// these so callers can tell the user what to fix.
var (
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
	ErrPermissionDenied  = errors.New("capture: microphone permission denied")
)

const levelBuffer = 32

// Config describes the requested capture format.
type Config struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int

	// Channels requested from the device. Defaults to 1.
	Channels int

	// MaxDuration caps the captured audio. Frames past the cap are dropped and
	// the resulting buffer is marked truncated. Zero means no cap.
	MaxDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = audio.Channels
	}
	return c
}

// DataFunc receives interleaved float32 samples from the device. The slice is
// only valid for the duration of the call.
type DataFunc func(samples []float32)

// Stream is an opened input device.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Device opens input streams. Implementations must wrap open failures with
// [ErrDeviceUnavailable] or [ErrPermissionDenied].
type Device interface {
	Open(cfg Config, onData DataFunc) (Stream, error)
}

// Session records audio from a [Device]. It can be started again after Stop
// or Cancel. All methods are safe for concurrent use.
type Session struct {
	dev Device
	cfg Config

	levels chan float64

	mu         sync.Mutex
	stream     Stream
	running    bool
	samples    []float32
	maxSamples int
	truncated  bool
	startedAt  time.Time
	stopCtx    func() bool
	// gen counts Starts so a context callback from an earlier capture can
	// tell it no longer owns the session.
	gen uint64
}

// NewSession creates an idle session over dev.
func NewSession(dev Device, cfg Config) *Session {
	return &Session{
		dev:    dev,
		cfg:    cfg.withDefaults(),
		levels: make(chan float64, levelBuffer),
	}
}

// Start opens the device and begins buffering. Calling Start while the
// session is already running is a no-op that returns nil, so rapid repeated
// triggers cannot open a second stream. When ctx is canceled the session is
// canceled as if [Session.Cancel] had been called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.samples = s.samples[:0]
	s.truncated = false
	s.maxSamples = 0
	if s.cfg.MaxDuration > 0 {
		s.maxSamples = int(s.cfg.MaxDuration.Seconds()*float64(s.cfg.SampleRate)) * s.cfg.Channels
	}

	stream, err := s.dev.Open(s.cfg, s.onData)
	if err != nil {
		return fmt.Errorf("capture: open: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("capture: start: %w: %w", ErrDeviceUnavailable, err)
	}
	s.stream = stream
	s.running = true
	s.startedAt = time.Now()
	s.gen++
	gen := s.gen
	s.stopCtx = context.AfterFunc(ctx, func() { s.cancelGen(gen) })

	slog.Debug("capture started",
		"sampleRate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"maxDuration", s.cfg.MaxDuration,
	)
	return nil
}

// Running reports whether the session is capturing.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Levels returns the channel of RMS level samples in [0, 1]. The channel is
// never closed; samples are dropped when the reader falls behind.
func (s *Session) Levels() <-chan float64 { return s.levels }

// onData runs on the device's audio thread.
func (s *Session) onData(in []float32) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	chunk := in
	if s.maxSamples > 0 {
		room := s.maxSamples - len(s.samples)
		if room <= 0 {
			s.truncated = true
			chunk = nil
		} else if len(chunk) > room {
			chunk = chunk[:room]
			s.truncated = true
		}
	}
	s.samples = append(s.samples, chunk...)
	s.mu.Unlock()

	select {
	case s.levels <- audio.RMS(in):
	default:
	}
}

// Stop closes the device and returns the captured audio in engine format. It
// is always safe to call: a session that is not running returns an empty
// buffer and no error.
func (s *Session) Stop() (audio.SampleBuffer, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return audio.SampleBuffer{SampleRate: audio.SampleRate, Channels: audio.Channels}, nil
	}
	stream := s.teardownLocked()
	raw := audio.SampleBuffer{
		Samples:    append([]float32(nil), s.samples...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Truncated:  s.truncated,
	}
	took := time.Since(s.startedAt)
	s.samples = s.samples[:0]
	s.mu.Unlock()

	err := closeStream(stream)
	buf := audio.Normalize(raw)
	slog.Debug("capture stopped",
		"wall", took,
		"audio", buf.Duration(),
		"truncated", buf.Truncated,
	)
	return buf, err
}

// Cancel closes the device and discards everything captured so far.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelLocked()
}

// cancelGen cancels the capture only if it is still the one started as gen.
func (s *Session) cancelGen(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
}

// cancelLocked is entered with s.mu held and releases it.
func (s *Session) cancelLocked() {
	if !s.running {
		s.mu.Unlock()
		return
	}
	stream := s.teardownLocked()
	s.samples = s.samples[:0]
	s.mu.Unlock()

	if err := closeStream(stream); err != nil {
		slog.Warn("capture: closing canceled stream", "err", err)
	}
	slog.Debug("capture canceled")
}

// teardownLocked marks the session stopped and returns the stream to close.
// It must be called with s.mu held.
func (s *Session) teardownLocked() Stream {
	stream := s.stream
	s.stream = nil
	s.running = false
	if s.stopCtx != nil {
		s.stopCtx()
		s.stopCtx = nil
	}
	return stream
}

func closeStream(st Stream) error {
	if st == nil {
		return nil
	}
	return errors.Join(st.Stop(), st.Close())
}
