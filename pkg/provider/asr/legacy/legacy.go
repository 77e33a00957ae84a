// Package legacy runs ggml whisper models in-process through the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// The [Loader] loads the model file into memory once; every Transcribe call
// creates a fresh whisper context from the shared model, so concurrent calls
// do not interfere.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
)

// Compile-time interface assertions.
var (
	_ asr.Engine        = (*Engine)(nil)
	_ modelstore.Loader = Loader{}
	_ modelstore.Handle = (*Handle)(nil)
)

// Loader loads ggml model files with whisper.cpp.
type Loader struct{}

// Load implements [modelstore.Loader]. The first artifact is the model file.
func (Loader) Load(_ context.Context, desc catalog.Descriptor, dir string) (modelstore.Handle, error) {
	if len(desc.Artifacts) == 0 {
		return nil, fmt.Errorf("legacy: descriptor %q has no model file", desc.ID)
	}
	path := filepath.Join(dir, desc.Artifacts[0].Name)
	model, err := whisperlib.New(path)
	if err != nil {
		return nil, fmt.Errorf("legacy: load model %q: %w", path, err)
	}
	return &Handle{model: model, path: path}, nil
}

// Handle is a loaded whisper model. Inference holds a read lock so that
// Close waits for running transcriptions instead of freeing the model under
// them.
type Handle struct {
	mu     sync.RWMutex
	model  whisperlib.Model
	path   string
	closed bool
}

// Close implements [modelstore.Handle].
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.model.Close()
}

// Engine transcribes with an in-process whisper model.
type Engine struct {
	asr.Model
}

// New creates an engine for desc. desc must belong to the ondevice-v1 family.
func New(store asr.ModelStore, desc catalog.Descriptor) (*Engine, error) {
	if desc.Family != catalog.FamilyOnDeviceV1 {
		return nil, fmt.Errorf("legacy: descriptor %q has family %q", desc.ID, desc.Family)
	}
	return &Engine{Model: asr.Model{Store: store, Desc: desc}}, nil
}

// Transcribe implements [asr.Engine]. Vocabulary hints are ignored. The
// whisper.cpp call itself cannot be interrupted; when ctx is canceled
// Transcribe returns immediately and the result is discarded.
func (e *Engine) Transcribe(ctx context.Context, buf audio.SampleBuffer, hints asr.Hints) (asr.Result, error) {
	h, call, err := e.Begin(buf)
	if err != nil || !call {
		return asr.Result{Duration: buf.Duration()}, err
	}
	handle, ok := h.(*Handle)
	if !ok {
		return asr.Result{}, fmt.Errorf("%w: legacy: unexpected model handle %T", asr.ErrBackendFailure, h)
	}

	type outcome struct {
		res asr.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handle.infer(buf.Samples, e.Language(hints))
		done <- outcome{res, err}
	}()

	select {
	case <-ctx.Done():
		return asr.Result{}, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return asr.Result{}, fmt.Errorf("%w: %w", asr.ErrBackendFailure, o.err)
		}
		o.res.Duration = buf.Duration()
		return o.res, nil
	}
}

func (h *Handle) infer(samples []float32, lang string) (asr.Result, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return asr.Result{}, asr.ErrNotPrepared
	}

	wctx, err := h.model.NewContext()
	if err != nil {
		return asr.Result{}, fmt.Errorf("legacy: create context: %w", err)
	}
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("legacy: failed to set language, using model default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return asr.Result{}, fmt.Errorf("legacy: process audio: %w", err)
	}

	var (
		res   asr.Result
		parts []string
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return asr.Result{}, fmt.Errorf("legacy: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		res.Segments = append(res.Segments, asr.Segment{
			Start: segment.Start,
			End:   segment.End,
			Text:  text,
		})
	}
	res.Text = strings.Join(parts, " ")
	if lang != "auto" {
		res.Language = lang
	}
	return res, nil
}
