// Package neural drives a local whisper-server compatible inference server
// that owns the hardware accelerator.
//
// The server hosts one model at a time. The [Loader] asks it to load a model
// from the cache directory with POST /load; transcription posts a 16-bit WAV
// to POST /inference and requests verbose JSON so that segment timing and
// token confidence come back with the text. Vocabulary hints are passed as
// the decoder's initial prompt.
//
// Usage:
//
//	loader := neural.NewLoader("http://127.0.0.1:8178")
//	store, _ := modelstore.New(root, cat, modelstore.WithLoader(catalog.FamilyOnDeviceV2, loader))
//	e, _ := neural.New(store, desc, "http://127.0.0.1:8178")
//	_ = e.Prepare(ctx)
//	res, _ := e.Transcribe(ctx, buf, asr.Hints{Vocabulary: terms})
package neural

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/audio/encode"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
)

const (
	// maxPromptChars keeps the glossary within whisper's 224-token prompt
	// window for typical vocabulary.
	maxPromptChars = 800

	defaultTimeout = 120 * time.Second
)

// Compile-time interface assertions.
var (
	_ asr.Engine        = (*Engine)(nil)
	_ modelstore.Loader    = (*Loader)(nil)
	_ modelstore.Exclusive = (*Loader)(nil)
)

// Option is a functional option shared by [Loader] and [Engine].
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient sets the HTTP client used to reach the inference server.
// Defaults to a client with a 120 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func buildOptions(opts []Option) options {
	o := options{httpClient: &http.Client{Timeout: defaultTimeout}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Loader asks the inference server to load models from the cache.
type Loader struct {
	serverURL  string
	httpClient *http.Client
}

// NewLoader creates a loader for the server at serverURL.
func NewLoader(serverURL string, opts ...Option) *Loader {
	o := buildOptions(opts)
	return &Loader{serverURL: strings.TrimRight(serverURL, "/"), httpClient: o.httpClient}
}

// Exclusive implements [modelstore.Exclusive]: the server holds one model.
func (*Loader) Exclusive() bool { return true }

// Load implements [modelstore.Loader].
func (l *Loader) Load(ctx context.Context, desc catalog.Descriptor, dir string) (modelstore.Handle, error) {
	if len(desc.Artifacts) == 0 {
		return nil, fmt.Errorf("neural: descriptor %q has no model file", desc.ID)
	}
	path := filepath.Join(dir, desc.Artifacts[0].Name)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", path); err != nil {
		return nil, fmt.Errorf("neural: write model field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("neural: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.serverURL+"/load", &body)
	if err != nil {
		return nil, fmt.Errorf("neural: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("neural: load request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("neural: server returned HTTP %d loading %q: %s",
			resp.StatusCode, path, strings.TrimSpace(string(excerpt)))
	}
	return &serverModel{path: path}, nil
}

// serverModel marks the model as loaded by the server. The server frees the
// previous model itself when another one is loaded; the store learns about
// that through [Loader.Exclusive].
type serverModel struct{ path string }

func (*serverModel) Close() error { return nil }

// Engine transcribes through the inference server.
type Engine struct {
	asr.Model
	serverURL  string
	httpClient *http.Client
}

// New creates an engine for desc. desc must belong to the ondevice-v2 family.
func New(store asr.ModelStore, desc catalog.Descriptor, serverURL string, opts ...Option) (*Engine, error) {
	if desc.Family != catalog.FamilyOnDeviceV2 {
		return nil, fmt.Errorf("neural: descriptor %q has family %q", desc.ID, desc.Family)
	}
	if serverURL == "" {
		return nil, errors.New("neural: serverURL must not be empty")
	}
	o := buildOptions(opts)
	return &Engine{
		Model:      asr.Model{Store: store, Desc: desc},
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: o.httpClient,
	}, nil
}

// verboseResponse is the verbose_json body returned by /inference.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64  `json:"start"`
		End        float64  `json:"end"`
		Text       string   `json:"text"`
		AvgLogprob *float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe implements [asr.Engine].
func (e *Engine) Transcribe(ctx context.Context, buf audio.SampleBuffer, hints asr.Hints) (asr.Result, error) {
	_, call, err := e.Begin(buf)
	if errors.Is(err, asr.ErrNotPrepared) {
		// Another model of this family took the server since Prepare.
		if err = e.Prepare(ctx); err == nil {
			_, call, err = e.Begin(buf)
		}
	}
	if err != nil || !call {
		return asr.Result{Duration: buf.Duration()}, err
	}

	wav, err := encode.WAV(buf)
	if err != nil {
		return asr.Result{}, fmt.Errorf("%w: %w", asr.ErrBackendFailure, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return asr.Result{}, fmt.Errorf("neural: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return asr.Result{}, fmt.Errorf("neural: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0.0",
	}
	if lang := e.Language(hints); lang != "" {
		fields["language"] = lang
	}
	if e.Desc.Capabilities.Has(catalog.SupportsBiasing) {
		if prompt := asr.GlossaryPrompt(hints.Vocabulary, maxPromptChars); prompt != "" {
			fields["prompt"] = prompt
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return asr.Result{}, fmt.Errorf("neural: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return asr.Result{}, fmt.Errorf("neural: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("neural: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return asr.Result{}, ctx.Err()
		}
		return asr.Result{}, fmt.Errorf("%w: neural: http request: %w", asr.ErrBackendFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return asr.Result{}, fmt.Errorf("%w: neural: read response body: %w", asr.ErrBackendFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return asr.Result{}, fmt.Errorf("%w: neural: server returned HTTP %d", asr.ErrBackendFailure, resp.StatusCode)
	}

	var vr verboseResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return asr.Result{}, fmt.Errorf("%w: neural: parse JSON response: %w", asr.ErrBackendFailure, err)
	}
	return toResult(vr, buf.Duration()), nil
}

func toResult(vr verboseResponse, dur time.Duration) asr.Result {
	res := asr.Result{
		Text:     strings.TrimSpace(vr.Text),
		Language: vr.Language,
		Duration: dur,
	}
	var (
		probSum float64
		probN   int
	)
	for _, s := range vr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, asr.Segment{
			Start: seconds(s.Start),
			End:   seconds(s.End),
			Text:  text,
		})
		if s.AvgLogprob != nil {
			probSum += math.Exp(*s.AvgLogprob)
			probN++
		}
	}
	if probN > 0 {
		res.Confidence = probSum / float64(probN)
	}
	return res
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
