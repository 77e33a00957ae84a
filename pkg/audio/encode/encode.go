// Package encode serialises engine-format sample buffers for upload to
// transcription backends: FLAC for cloud endpoints, where upload size
// matters, and 16-bit WAV for local inference servers.
package encode

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
	"github.com/orcaman/writerseeker"

	"github.com/MrWong99/voxscribe/pkg/audio"
)

const (
	// BlockSize is the number of samples per FLAC frame.
	BlockSize = 4096

	// BitsPerSample of both output formats.
	BitsPerSample = 16
)

// ErrFormat is returned when the buffer is not mono.
var ErrFormat = errors.New("encode: only mono buffers are supported")

// FLAC encodes buf as a FLAC stream with verbatim subframes.
func FLAC(buf audio.SampleBuffer) ([]byte, error) {
	if buf.Channels != 1 {
		return nil, ErrFormat
	}
	var out bytes.Buffer
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    uint32(buf.SampleRate),
		NChannels:     1,
		BitsPerSample: BitsPerSample,
		NSamples:      uint64(len(buf.Samples)),
	}
	enc, err := flac.NewEncoder(&out, info)
	if err != nil {
		return nil, fmt.Errorf("encode: creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)

	pcm := audio.ToInt16(buf.Samples)
	for i := 0; i < len(pcm); i += BlockSize {
		block := pcm[i:min(i+BlockSize, len(pcm))]
		samples := make([]int32, len(block))
		for j, s := range block {
			samples[j] = int32(s)
		}
		f := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(len(block)),
				SampleRate:    uint32(buf.SampleRate),
				Channels:      frame.ChannelsMono,
				BitsPerSample: BitsPerSample,
			},
			Subframes: []*frame.Subframe{{
				SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
				Samples:   samples,
				NSamples:  len(block),
			}},
		}
		if err := enc.WriteFrame(f); err != nil {
			return nil, fmt.Errorf("encode: writing flac frame: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode: closing flac encoder: %w", err)
	}
	return out.Bytes(), nil
}

// WAV encodes buf as a RIFF/WAVE file with 16-bit PCM samples.
func WAV(buf audio.SampleBuffer) ([]byte, error) {
	if buf.Channels != 1 {
		return nil, ErrFormat
	}
	ws := &writerseeker.WriterSeeker{}
	enc := wav.NewEncoder(ws, buf.SampleRate, BitsPerSample, 1, 1)

	pcm := audio.ToInt16(buf.Samples)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: buf.SampleRate},
		Data:           data,
		SourceBitDepth: BitsPerSample,
	}
	if err := enc.Write(ib); err != nil {
		return nil, fmt.Errorf("encode: writing wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode: closing wav encoder: %w", err)
	}
	out, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, fmt.Errorf("encode: reading wav into memory: %w", err)
	}
	return out, nil
}
