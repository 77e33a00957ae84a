package audio

import (
	"fmt"
	"log/slog"
)

// Normalize converts b to the engine format (mono, 16 kHz). Conversion order
// is downmix first, then resample, so multi-channel input is only resampled
// once. A buffer already in engine format is returned unchanged.
func Normalize(b SampleBuffer) SampleBuffer {
	if b.IsEngineFormat() {
		return b
	}
	if b.SampleRate <= 0 || b.Channels <= 0 {
		slog.Warn("audio: cannot normalize buffer with invalid format",
			"sampleRate", b.SampleRate,
			"channels", b.Channels,
		)
		return SampleBuffer{SampleRate: SampleRate, Channels: Channels, Truncated: b.Truncated}
	}

	slog.Debug("audio: converting capture buffer",
		"from", formatString(b.SampleRate, b.Channels),
		"to", formatString(SampleRate, Channels),
	)

	samples := b.Samples
	if b.Channels != Channels {
		samples = Downmix(samples, b.Channels)
	}
	if b.SampleRate != SampleRate {
		samples = Resample(samples, b.SampleRate, SampleRate)
	}
	return SampleBuffer{
		Samples:    samples,
		SampleRate: SampleRate,
		Channels:   Channels,
		Truncated:  b.Truncated,
	}
}

// Downmix averages interleaved frames of the given channel count into mono.
// A trailing partial frame is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
