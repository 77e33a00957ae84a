// Package asr defines the Engine interface for batch speech recognition.
//
// An Engine is bound to exactly one [catalog.Descriptor] for its whole life.
// Switching models means constructing a new Engine and unloading the old one;
// engines are never re-targeted. The set of engine variants is closed, one
// sub-package per [catalog.Family]:
//
//   - legacy: in-process whisper.cpp (ondevice-v1)
//   - neural: local inference server with vocabulary biasing (ondevice-v2)
//   - cloud:  hosted OpenAI-compatible transcription endpoint
//
// Engines consume engine-format audio only (mono, 16 kHz, float32). They never
// resample; the caller converts with [audio.Normalize] first.
//
// Model artifacts and loaded model handles are owned by the model store.
// Prepare delegates to the store and Transcribe looks the loaded handle up on
// every call, so an engine holds no model state of its own.
package asr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
)

var (
	// ErrNotPrepared is returned by Transcribe when the engine's model is not
	// loaded. Call Prepare first.
	ErrNotPrepared = errors.New("asr: engine not prepared")

	// ErrBackendFailure wraps every failure reported by a backend.
	ErrBackendFailure = errors.New("asr: backend failure")

	// ErrUnsupportedFormat is wrapped in ErrBackendFailure when the input is
	// not engine format.
	ErrUnsupportedFormat = errors.New("asr: unsupported audio format")
)

// VocabularyTerm is a word or phrase recognition should be biased toward.
type VocabularyTerm struct {
	// Text is the canonical spelling.
	Text string `yaml:"text" json:"text"`

	// Aliases are known mis-hearings that should be rewritten to Text.
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`

	// Weight is the relative bias strength. Higher weights are kept first when
	// a backend limits the hint size.
	Weight float64 `yaml:"weight" json:"weight,omitempty"`
}

// Hints are per-call recognition hints. Backends that cannot use a hint
// ignore it silently.
type Hints struct {
	// Vocabulary, ordered by descending weight.
	Vocabulary []VocabularyTerm

	// Language is a BCP-47 primary language code. Empty lets the backend
	// detect the language.
	Language string
}

// Segment is a timed piece of the transcript.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Result is the outcome of one transcription.
type Result struct {
	Text string `json:"text"`

	// Language is the language the backend recognised, when it reports one.
	Language string `json:"language,omitempty"`

	// Confidence in [0, 1]. Zero when the backend does not report one.
	Confidence float64 `json:"confidence,omitempty"`

	Segments []Segment `json:"segments,omitempty"`

	// Duration is the length of the transcribed audio.
	Duration time.Duration `json:"duration"`
}

// Engine is a speech recognition backend bound to one descriptor.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// Descriptor returns the model this engine was constructed for.
	Descriptor() catalog.Descriptor

	// Prepare makes the model ready, downloading and loading it through the
	// model store when needed. It must succeed before Transcribe.
	Prepare(ctx context.Context) error

	// Transcribe recognises speech in buf. It has no side effects beyond the
	// backend call. buf must be engine format.
	Transcribe(ctx context.Context, buf audio.SampleBuffer, hints Hints) (Result, error)

	// Unload releases in-memory model resources. It is safe to call on an
	// engine that was never prepared.
	Unload() error
}

// ModelStore is the part of [modelstore.Store] engines depend on.
type ModelStore interface {
	EnsureReady(ctx context.Context, desc catalog.Descriptor) error
	Handle(desc catalog.Descriptor) (modelstore.Handle, bool)
	Unload(desc catalog.Descriptor) error
}

var _ ModelStore = (*modelstore.Store)(nil)

// ValidateInput checks that buf is engine format.
func ValidateInput(buf audio.SampleBuffer) error {
	if buf.IsEngineFormat() {
		return nil
	}
	return fmt.Errorf("%w: %w: got %d Hz, %d channel(s), want %d Hz mono",
		ErrBackendFailure, ErrUnsupportedFormat, buf.SampleRate, buf.Channels, audio.SampleRate)
}

// Model implements the Prepare/Unload half of [Engine] on top of a
// [ModelStore]. Variants embed it.
type Model struct {
	Store ModelStore
	Desc  catalog.Descriptor
}

// Descriptor implements [Engine].
func (m Model) Descriptor() catalog.Descriptor { return m.Desc }

// Prepare implements [Engine].
func (m Model) Prepare(ctx context.Context) error {
	if err := m.Store.EnsureReady(ctx, m.Desc); err != nil {
		return fmt.Errorf("asr: prepare %q: %w", m.Desc.ID, err)
	}
	return nil
}

// Unload implements [Engine].
func (m Model) Unload() error { return m.Store.Unload(m.Desc) }

// Loaded returns the loaded handle, or [ErrNotPrepared].
func (m Model) Loaded() (modelstore.Handle, error) {
	h, ok := m.Store.Handle(m.Desc)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPrepared, m.Desc.ID)
	}
	return h, nil
}

// Begin runs the checks shared by every Transcribe implementation. It
// returns the loaded handle and reports whether the backend should be
// called at all: empty input short-circuits to an empty result.
func (m Model) Begin(buf audio.SampleBuffer) (modelstore.Handle, bool, error) {
	if err := ValidateInput(buf); err != nil {
		return nil, false, err
	}
	h, err := m.Loaded()
	if err != nil {
		return nil, false, err
	}
	return h, !buf.Empty(), nil
}

// Language returns the hint language, or "" when the model cannot recognise
// it and detection should be left to the backend.
func (m Model) Language(h Hints) string {
	if h.Language == "" || h.Language == "auto" || !m.Desc.SupportsLanguage(h.Language) {
		return ""
	}
	return h.Language
}

// GlossaryPrompt renders vocabulary terms as a comma-separated glossary of at
// most maxChars characters, highest weight first. Biasing backends pass it as
// the initial decoder prompt.
func GlossaryPrompt(terms []VocabularyTerm, maxChars int) string {
	sorted := slices.Clone(terms)
	slices.SortStableFunc(sorted, func(a, b VocabularyTerm) int {
		switch {
		case a.Weight > b.Weight:
			return -1
		case a.Weight < b.Weight:
			return 1
		}
		return 0
	})
	var sb strings.Builder
	for _, t := range sorted {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		sep := ""
		if sb.Len() > 0 {
			sep = ", "
		}
		if maxChars > 0 && sb.Len()+len(sep)+len(text) > maxChars {
			break
		}
		sb.WriteString(sep)
		sb.WriteString(text)
	}
	return sb.String()
}
