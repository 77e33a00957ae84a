package refine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"
)

const (
	// excerptLen bounds the raw-body fallback of HTTPStatusError.Excerpt.
	excerptLen = 200

	// errorBodyLimit bounds how much of an error body is buffered.
	errorBodyLimit = 64 << 10
)

// call is one prepared request: a client bound to a single endpoint, the
// request parameters and the context that bounds it.
type call struct {
	provider ProviderConfig
	client   oai.Client
	params   oai.ChatCompletionNewParams

	parent  context.Context
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration

	ex *exchange
}

// prepare validates the provider, resolves its credential and builds the
// call. The caller must invoke call.cancel.
func (p *Processor) prepare(parent context.Context, req Request, timeout time.Duration) (*call, error) {
	prov := req.Provider
	if err := prov.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := Endpoint(prov.BaseURL)
	if err != nil {
		return nil, err
	}

	local := p.local.IsLocal(endpoint.Hostname())
	var key string
	if !local {
		if prov.CredentialRef == "" {
			return nil, fmt.Errorf("%w: provider %q", ErrMissingCredential, prov.ID)
		}
		key, err = p.resolve(parent, prov.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("%w: provider %q: %w", ErrMissingCredential, prov.ID, err)
		}
		if key == "" {
			return nil, fmt.Errorf("%w: provider %q: credential resolved to an empty value", ErrMissingCredential, prov.ID)
		}
	}

	ex := &exchange{}
	opts := []option.RequestOption{
		option.WithHTTPClient(p.httpClient),
		option.WithBaseURL(endpoint.Scheme + "://" + endpoint.Host + "/"),
		option.WithMaxRetries(0),
		option.WithMiddleware(ex.middleware(endpoint, local)),
	}
	if !local {
		opts = append(opts, option.WithAPIKey(key))
	}
	for k, v := range prov.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	if r := prov.Reasoning; r != nil && r.Enabled {
		opts = append(opts, option.WithJSONSet(r.ParameterName, reasoningValue(r)))
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	return &call{
		provider: prov,
		client:   oai.NewClient(opts...),
		params:   p.buildParams(req),
		parent:   parent,
		ctx:      ctx,
		cancel:   cancel,
		timeout:  timeout,
		ex:       ex,
	}, nil
}

// buildParams renders the request body. Reasoning models get
// max_completion_tokens and no temperature; everything else gets max_tokens.
func (p *Processor) buildParams(req Request) oai.ChatCompletionNewParams {
	prov := req.Provider
	limit := int64(DefaultMaxTokens)
	if prov.MaxTokens > 0 {
		limit = int64(prov.MaxTokens)
	}
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(prov.Model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(composePrompt(req.Prompt.Body)),
			oai.UserMessage(userMessage(req.RawText, req.Selection)),
		},
	}
	if p.classifier.IsReasoning(prov.Model) {
		params.MaxCompletionTokens = param.NewOpt(limit)
		return params
	}
	params.MaxTokens = param.NewOpt(limit)
	if prov.Temperature > 0 {
		params.Temperature = param.NewOpt(prov.Temperature)
	}
	return params
}

// reasoningValue coerces the configured value. enable_thinking (also as
// the last segment of a dotted name, e.g. chat_template_kwargs.enable_thinking)
// is sent as a boolean; an unparsable value falls through as a string.
func reasoningValue(r *ReasoningConfig) any {
	name := r.ParameterName
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if name == "enable_thinking" {
		if b, err := strconv.ParseBool(strings.TrimSpace(r.ParameterValue)); err == nil {
			return b
		}
	}
	return r.ParameterValue
}

// do performs a non-streaming completion.
func (c *call) do() (Result, error) {
	resp, err := c.client.Chat.Completions.New(c.ctx, c.params)
	if err != nil {
		return Result{}, c.classify(err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}
	model := resp.Model
	if model == "" {
		model = c.provider.Model
	}
	return Result{
		Text:             text,
		Provider:         c.provider.ID,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// classify maps an SDK error onto the package's error set.
func (c *call) classify(err error) error {
	if err == nil {
		return nil
	}
	if perr := c.parent.Err(); perr != nil {
		return fmt.Errorf("refine: %w", perr)
	}
	if errors.Is(c.ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	status, excerpt := c.ex.result()
	switch {
	case status == 0:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	case status < 200 || status > 299:
		return &HTTPStatusError{Code: status, Excerpt: excerpt}
	default:
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
}

// exchange records what the server answered so errors can be classified
// without depending on how the SDK wraps them.
type exchange struct {
	mu      sync.Mutex
	status  int
	excerpt string
}

func (x *exchange) result() (int, string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status, x.excerpt
}

// middleware pins the request to endpoint and records the response status.
func (x *exchange) middleware(endpoint *url.URL, local bool) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		u := *endpoint
		req.URL = &u
		req.Host = u.Host
		if local {
			req.Header.Del("Authorization")
		}
		resp, err := next(req)
		if err != nil || resp == nil {
			return resp, err
		}

		x.mu.Lock()
		defer x.mu.Unlock()
		x.status = resp.StatusCode
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		x.excerpt = excerptOf(body)
		return resp, nil
	}
}

// excerptOf returns error.message from a JSON error body, or the first
// excerptLen bytes of the body.
func excerptOf(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Type == gjson.String && msg.Str != "" {
		return msg.Str
	}
	if len(body) > excerptLen {
		body = body[:excerptLen]
		for len(body) > 0 && !utf8.Valid(body) {
			body = body[:len(body)-1]
		}
	}
	return strings.TrimSpace(string(body))
}
