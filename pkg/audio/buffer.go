// Package audio defines the sample buffer exchanged between microphone
// capture and the transcription engines, plus the format helpers that bring
// device audio into the engine input format.
//
// Every transcription engine consumes [SampleBuffer] values that are mono,
// 16 kHz, 32-bit float PCM. Capture is responsible for converting device audio
// with [Normalize] before handing the buffer over; engines never resample.
package audio

import (
	"math"
	"time"
)

const (
	// SampleRate is the sample rate expected by every transcription engine.
	SampleRate = 16000

	// Channels is the channel count expected by every transcription engine.
	Channels = 1
)

// SampleBuffer holds interleaved float32 PCM samples in the range [-1, 1].
type SampleBuffer struct {
	// Samples are interleaved when Channels > 1.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Truncated is set when capture hit its maximum duration and dropped
	// trailing frames.
	Truncated bool
}

// Frames returns the number of sample frames (samples per channel).
func (b SampleBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b SampleBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Empty reports whether the buffer holds no samples.
func (b SampleBuffer) Empty() bool { return len(b.Samples) == 0 }

// IsEngineFormat reports whether b is mono 16 kHz and can be handed to a
// transcription engine unchanged.
func (b SampleBuffer) IsEngineFormat() bool {
	return b.SampleRate == SampleRate && b.Channels == Channels
}

// RMS returns the root-mean-square level of samples, in [0, 1] for
// well-formed input. An empty slice has level 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ToInt16 converts float32 samples to signed 16-bit PCM, clamping values
// outside [-1, 1].
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		out[i] = int16(s * math.MaxInt16)
	}
	return out
}
