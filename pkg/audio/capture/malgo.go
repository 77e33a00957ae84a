package capture

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoDevice captures from the system default input device through
// miniaudio. Samples are requested as 32-bit float; miniaudio converts from
// the hardware format and rate to the requested ones.
type MalgoDevice struct{}

var _ Device = MalgoDevice{}

// Open implements [Device].
func (MalgoDevice) Open(cfg Config, onData DataFunc) (Stream, error) {
	cfg = cfg.withDefaults()

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, classify(err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)

	st := &malgoStream{ctx: ctx}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			st.deliver(data, int(frameCount)*cfg.Channels, onData)
		},
	}

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, classify(err)
	}
	st.dev = dev
	return st, nil
}

type malgoStream struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	// scratch is only touched from the audio callback.
	scratch []float32

	closeOnce sync.Once
}

func (s *malgoStream) deliver(data []byte, n int, onData DataFunc) {
	if n*4 > len(data) {
		n = len(data) / 4
	}
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	out := s.scratch[:n]
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	onData(out)
}

func (s *malgoStream) Start() error { return s.dev.Start() }

func (s *malgoStream) Stop() error { return s.dev.Stop() }

func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		s.dev.Uninit()
		s.ctx.Uninit()
		s.ctx.Free()
	})
	return nil
}

// classify maps a miniaudio error to the capture taxonomy. miniaudio reports
// missing microphone permission as an access or permission failure.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}
