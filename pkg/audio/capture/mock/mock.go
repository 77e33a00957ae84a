// Package mock provides an in-memory [capture.Device] for tests.
//
// The device records every Open call and hands out [Stream] values whose
// Emit method pushes samples through the registered callback, as the audio
// thread of a real device would.
//
//	dev := &mock.Device{}
//	sess := capture.NewSession(dev, capture.Config{})
//	_ = sess.Start(ctx)
//	dev.LastStream().Emit(samples)
//	buf, _ := sess.Stop()
package mock

import (
	"sync"

	"github.com/MrWong99/voxscribe/pkg/audio/capture"
)

// Device is a mock implementation of [capture.Device].
type Device struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// StartErr is returned by the opened stream's Start.
	StartErr error

	// OpenCalls records the config of every Open call.
	OpenCalls []capture.Config

	streams []*Stream
}

var _ capture.Device = (*Device)(nil)

// Open implements [capture.Device].
func (d *Device) Open(cfg capture.Config, onData capture.DataFunc) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &Stream{onData: onData, startErr: d.StartErr}
	d.streams = append(d.streams, s)
	return s, nil
}

// OpenCount returns how many times Open was called.
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// LastStream returns the most recently opened stream, or nil.
func (d *Device) LastStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Stream is a mock implementation of [capture.Stream].
type Stream struct {
	mu       sync.Mutex
	onData   capture.DataFunc
	startErr error

	Started bool
	Stopped bool
	Closed  bool
}

// Start implements [capture.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.Started = true
	return nil
}

// Stop implements [capture.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stopped = true
	return nil
}

// Close implements [capture.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// Emit delivers samples to the session callback. Samples emitted before Start
// or after Close are dropped, like a real device.
func (s *Stream) Emit(samples []float32) {
	s.mu.Lock()
	live := s.Started && !s.Closed
	fn := s.onData
	s.mu.Unlock()
	if live {
		fn(samples)
	}
}
