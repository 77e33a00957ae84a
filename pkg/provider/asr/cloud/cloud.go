// Package cloud transcribes through a hosted OpenAI-compatible
// /audio/transcriptions endpoint.
//
// Audio is uploaded as FLAC to keep request bodies small. The API credential
// is resolved on every call, so a key rotated in the settings takes effect on
// the next utterance without rebuilding the engine. Cloud descriptors have no
// artifacts; [Loader] returns a no-op handle so the model store can still
// track Ready/Unloaded state uniformly across families.
package cloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/audio/encode"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
)

// maxPromptChars bounds the vocabulary prompt. The endpoint accepts roughly
// 224 tokens of prompt.
const maxPromptChars = 800

// Compile-time interface assertions.
var (
	_ asr.Engine        = (*Engine)(nil)
	_ modelstore.Loader = Loader{}
)

// CredentialFunc resolves the API key at call time. An empty key with a nil
// error sends the request without an Authorization header.
type CredentialFunc func(ctx context.Context) (string, error)

// Loader is the [modelstore.Loader] for the cloud family. There is nothing to
// load.
type Loader struct{}

// Load implements [modelstore.Loader].
func (Loader) Load(context.Context, catalog.Descriptor, string) (modelstore.Handle, error) {
	return modelstore.NopHandle{}, nil
}

type config struct {
	baseURL    string
	credential CredentialFunc
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithCredential sets the credential resolver.
func WithCredential(fn CredentialFunc) Option {
	return func(c *config) { c.credential = fn }
}

// WithAPIKey uses a fixed API key.
func WithAPIKey(key string) Option {
	return func(c *config) {
		c.credential = func(context.Context) (string, error) { return key, nil }
	}
}

// WithTimeout sets a per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient sets the HTTP client. It takes precedence over WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// Engine transcribes with a hosted model.
type Engine struct {
	asr.Model
	client     oai.Client
	credential CredentialFunc
}

// New creates an engine for desc. desc must belong to the cloud family.
func New(store asr.ModelStore, desc catalog.Descriptor, opts ...Option) (*Engine, error) {
	if desc.Family != catalog.FamilyCloud {
		return nil, fmt.Errorf("cloud: descriptor %q has family %q", desc.ID, desc.Family)
	}
	if desc.RemoteModel == "" {
		return nil, fmt.Errorf("cloud: descriptor %q has no remote model", desc.ID)
	}
	cfg := &config{timeout: 60 * time.Second}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.credential == nil {
		return nil, errors.New("cloud: a credential resolver is required")
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Engine{
		Model:      asr.Model{Store: store, Desc: desc},
		client:     oai.NewClient(reqOpts...),
		credential: cfg.credential,
	}, nil
}

// Transcribe implements [asr.Engine].
func (e *Engine) Transcribe(ctx context.Context, buf audio.SampleBuffer, hints asr.Hints) (asr.Result, error) {
	_, call, err := e.Begin(buf)
	if err != nil || !call {
		return asr.Result{Duration: buf.Duration()}, err
	}

	key, err := e.credential(ctx)
	if err != nil {
		return asr.Result{}, fmt.Errorf("%w: cloud: resolve credential: %w", asr.ErrBackendFailure, err)
	}

	data, err := encode.FLAC(buf)
	if err != nil {
		return asr.Result{}, fmt.Errorf("%w: %w", asr.ErrBackendFailure, err)
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(data), "audio.flac", "audio/flac"),
		Model: oai.AudioModel(e.Desc.RemoteModel),
	}
	if lang := e.Language(hints); lang != "" {
		params.Language = param.NewOpt(lang)
	}
	if e.Desc.Capabilities.Has(catalog.SupportsBiasing) {
		if prompt := asr.GlossaryPrompt(hints.Vocabulary, maxPromptChars); prompt != "" {
			params.Prompt = param.NewOpt(prompt)
		}
	}

	var reqOpts []option.RequestOption
	if key != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(key))
	}
	resp, err := e.client.Audio.Transcriptions.New(ctx, params, reqOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return asr.Result{}, ctx.Err()
		}
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return asr.Result{}, fmt.Errorf("%w: cloud: HTTP %d: %s",
				asr.ErrBackendFailure, apiErr.StatusCode, apiErr.Message)
		}
		return asr.Result{}, fmt.Errorf("%w: cloud: %w", asr.ErrBackendFailure, err)
	}

	res := asr.Result{
		Text:     strings.TrimSpace(resp.Text),
		Duration: buf.Duration(),
	}
	if lang := e.Language(hints); lang != "" {
		res.Language = lang
	}
	return res, nil
}
