// Package refine sends a corrected transcript to an OpenAI-compatible
// chat-completions endpoint and returns the rewritten text.
//
// A [Processor] is stateless apart from its per-provider circuit breakers:
// the provider, prompt and credential are passed with every [Request], so a
// settings change between two dictations takes effect on the next call
// without rebuilding anything. Each call builds a short-lived SDK client
// whose middleware pins the request to the computed endpoint, strips the
// Authorization header for local endpoints and keeps an excerpt of any error
// body for [HTTPStatusError].
//
// The SDK's automatic retries are disabled. A failed refinement is surfaced
// to the caller, which falls back to the unrefined transcript.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxscribe/internal/observe"
	"github.com/MrWong99/voxscribe/internal/resilience"
)

// Default timeouts.
const (
	DefaultTimeout        = 60 * time.Second
	ConnectionTestTimeout = 12 * time.Second
)

// DefaultMaxTokens bounds the completion when a provider sets no limit.
const DefaultMaxTokens = 2048

// basePrompt is prepended to every prompt body and is not user-editable.
const basePrompt = `You post-process dictated text. The user message contains a raw speech-to-text transcript, optionally preceded by text the user had selected when dictating. Apply the instructions below to the transcript. Reply with the resulting text only: no preamble, no quotes, no explanations.`

// Sentinel errors. Every error returned by [Processor.Refine],
// [Processor.Stream] and [Processor.TestConnection] wraps one of these,
// is an [*HTTPStatusError], or wraps the caller's context error.
var (
	// ErrTimeout is returned when the per-request timeout elapses.
	ErrTimeout = errors.New("refine: request timed out")

	// ErrMalformedResponse is returned when a 2xx response cannot be decoded
	// or carries no completion text.
	ErrMalformedResponse = errors.New("refine: malformed response")

	// ErrNetworkUnreachable is returned when no HTTP response was received,
	// or when the provider's circuit breaker is open.
	ErrNetworkUnreachable = errors.New("refine: network unreachable")

	// ErrMissingCredential is returned when a non-local endpoint has no
	// credential configured.
	ErrMissingCredential = errors.New("refine: credential required for non-local endpoint")

	// ErrInvalidProvider is returned for incomplete provider configuration.
	ErrInvalidProvider = errors.New("refine: invalid provider")
)

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	// Code is the HTTP status code.
	Code int

	// Excerpt is the error.message field of a JSON error body when present,
	// otherwise the first 200 bytes of the body.
	Excerpt string
}

func (e *HTTPStatusError) Error() string {
	if e.Excerpt == "" {
		return fmt.Sprintf("refine: HTTP %d", e.Code)
	}
	return fmt.Sprintf("refine: HTTP %d: %s", e.Code, e.Excerpt)
}

// ReasoningConfig injects one extra top-level request field. It is applied
// whenever Enabled is set, independent of model classification.
type ReasoningConfig struct {
	// ParameterName is the request field, e.g. "reasoning_effort". Dotted
	// names address nested fields ("reasoning.effort").
	ParameterName string

	// ParameterValue is sent as a string, except for the enable_thinking
	// field which is sent as a boolean.
	ParameterValue string

	Enabled bool
}

// ProviderConfig describes one chat-completions endpoint.
type ProviderConfig struct {
	// ID keys the circuit breaker and metrics.
	ID string

	// BaseURL is the API base (".../v1") or a full completion endpoint.
	BaseURL string

	// CredentialRef is resolved through the processor's credential
	// resolver at call time. It is never logged.
	CredentialRef string

	Model string

	Reasoning *ReasoningConfig

	// Headers are added to every request.
	Headers map[string]string

	// MaxTokens overrides [DefaultMaxTokens] when positive.
	MaxTokens int

	// Temperature is sent to non-reasoning models only. Zero omits it.
	Temperature float64
}

// LogValue implements [slog.LogValuer]. The credential reference is
// reported only as present or absent.
func (p ProviderConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("base_url", p.BaseURL),
		slog.String("model", p.Model),
		slog.Bool("credential", p.CredentialRef != ""),
	)
}

// Validate reports missing required fields.
func (p ProviderConfig) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if p.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if p.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if r := p.Reasoning; r != nil && r.Enabled && r.ParameterName == "" {
		errs = append(errs, errors.New("reasoning.parameter_name is required when reasoning is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidProvider, p.ID, errors.Join(errs...))
	}
	return nil
}

// PromptSpec is a user-selectable prompt profile.
type PromptSpec struct {
	ID   string
	Name string
	Body string
}

// Request is one refinement.
type Request struct {
	RawText string

	// Selection is text the user had selected when triggering dictation.
	// Optional.
	Selection string

	Prompt   PromptSpec
	Provider ProviderConfig
}

// Result is a finished refinement.
type Result struct {
	Text     string
	Provider string
	Model    string
	Duration time.Duration

	PromptTokens     int64
	CompletionTokens int64
}

// Chunk is one element of a streamed refinement. Exactly one chunk per
// stream has Done or Err set, and it is the last one.
type Chunk struct {
	// Text is the incremental text.
	Text string

	// Done marks successful completion; Full then holds the whole text.
	Done bool
	Full string

	// Err terminates the stream.
	Err error
}

// CredentialResolver turns a credential reference into a secret.
type CredentialResolver func(ctx context.Context, ref string) (string, error)

// Option is a functional option for [New].
type Option func(*Processor)

// WithHTTPClient sets the HTTP client used for all requests. Timeouts are
// applied through the request context, so the client should not set one.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Processor) { p.httpClient = c }
}

// WithCredentialResolver sets how ProviderConfig.CredentialRef is resolved.
// The default uses the reference itself as the secret.
func WithCredentialResolver(fn CredentialResolver) Option {
	return func(p *Processor) { p.resolve = fn }
}

// WithTimeout sets the per-request timeout for Refine and Stream.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClassifier replaces the reasoning-model classifier.
func WithClassifier(c *ReasoningClassifier) Option {
	return func(p *Processor) { p.classifier = c }
}

// WithLocalHosts adds hosts treated as local. Entries are host names,
// ".suffix" patterns or CIDR prefixes.
func WithLocalHosts(hosts ...string) Option {
	return func(p *Processor) { p.local = newLocalMatcher(hosts) }
}

// WithBreakerConfig configures the per-provider circuit breakers. The
// failure filter is always set by the processor.
func WithBreakerConfig(cfg resilience.Config) Option {
	return func(p *Processor) { p.breakerCfg = cfg }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// Processor performs refinements. It is safe for concurrent use.
type Processor struct {
	httpClient *http.Client
	resolve    CredentialResolver
	timeout    time.Duration
	classifier *ReasoningClassifier
	local      localMatcher
	breakerCfg resilience.Config
	breakers   *resilience.Set
	metrics    *observe.Metrics
}

// New creates a Processor.
func New(opts ...Option) *Processor {
	p := &Processor{
		httpClient: &http.Client{},
		resolve:    func(_ context.Context, ref string) (string, error) { return ref, nil },
		timeout:    DefaultTimeout,
		classifier: NewReasoningClassifier(nil),
		local:      newLocalMatcher(nil),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	cfg := p.breakerCfg
	cfg.Trips = countsAgainstBreaker
	cfg.OnChange = func(provider string, _, to resilience.State) {
		p.metrics.RecordBreakerTransition(context.Background(), provider, to.String())
	}
	p.breakers = resilience.NewSet(cfg)
	return p
}

// Breakers exposes the per-provider circuit breakers.
func (p *Processor) Breakers() *resilience.Set { return p.breakers }

// IsReasoningModel reports how the processor classifies model.
func (p *Processor) IsReasoningModel(model string) bool {
	return p.classifier.IsReasoning(model)
}

// Refine sends req and returns the refined text.
func (p *Processor) Refine(ctx context.Context, req Request) (Result, error) {
	return p.complete(ctx, req, p.timeout)
}

// TestConnection sends a minimal request to provider with a short timeout.
// It bypasses the circuit breaker so a user can probe a provider that is
// currently failing fast.
func (p *Processor) TestConnection(ctx context.Context, provider ProviderConfig) error {
	start := time.Now()
	call, err := p.prepare(ctx, Request{
		RawText:  "ping",
		Prompt:   PromptSpec{ID: "connection-test", Body: "Reply with the word ok."},
		Provider: provider,
	}, ConnectionTestTimeout)
	if err != nil {
		return err
	}
	defer call.cancel()
	_, err = call.do()
	p.record(ctx, provider.ID, "test", start, err)
	return err
}

func (p *Processor) complete(ctx context.Context, req Request, timeout time.Duration) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "refine.complete")
	defer span.End()
	start := time.Now()

	call, err := p.prepare(ctx, req, timeout)
	if err != nil {
		return Result{}, err
	}
	defer call.cancel()

	var res Result
	err = p.guard(ctx, req.Provider.ID, func() error {
		var err error
		res, err = call.do()
		return err
	})
	p.record(ctx, req.Provider.ID, "refine", start, err)
	if err != nil {
		observe.Logger(ctx).Warn("refine failed", "provider", req.Provider, "err", err)
		return Result{}, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// guard runs fn through the provider's breaker.
func (p *Processor) guard(ctx context.Context, id string, fn func() error) error {
	err := p.breakers.Get(id).Do(ctx, func(context.Context) error { return fn() })
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	}
	return err
}

func (p *Processor) record(ctx context.Context, provider, kind string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = errorKind(err)
		p.metrics.RecordProviderError(ctx, provider, kind)
	}
	p.metrics.RecordProviderRequest(ctx, provider, kind, status)
	if kind == "refine" {
		p.metrics.RecordStage(ctx, observe.StageRefine, time.Since(start))
	}
}

// countsAgainstBreaker trips the breaker on provider-side trouble only.
// Cancellation, missing credentials and 4xx responses other than 429 leave
// it alone.
func countsAgainstBreaker(err error) bool {
	var he *HTTPStatusError
	switch {
	case err == nil:
		return false
	case errors.As(err, &he):
		return he.Code >= 500 || he.Code == http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrNetworkUnreachable), errors.Is(err, ErrMalformedResponse):
		return true
	default:
		return false
	}
}

// errorKind maps err to the "status" metric attribute.
func errorKind(err error) string {
	var he *HTTPStatusError
	switch {
	case errors.As(err, &he):
		return fmt.Sprintf("http_%d", he.Code)
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrNetworkUnreachable):
		return "unreachable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// composePrompt joins the hidden base prompt and the profile body.
func composePrompt(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return basePrompt
	}
	return basePrompt + "\n\n" + body
}

// userMessage renders the transcript and optional selection.
func userMessage(raw, selection string) string {
	if strings.TrimSpace(selection) == "" {
		return raw
	}
	return "Selected text:\n" + selection + "\n\nTranscript:\n" + raw
}
