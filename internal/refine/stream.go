package refine

import (
	"context"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/MrWong99/voxscribe/internal/observe"
)

// Stream starts a streamed refinement. Errors that occur before the first
// byte of the response (validation, credentials, non-2xx status, open
// breaker) are returned directly. Later failures arrive as a final [Chunk]
// with Err set. The channel is closed after the final chunk, or early when
// ctx is canceled.
func (p *Processor) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ctx, span := observe.StartSpan(ctx, "refine.stream")
	start := time.Now()

	call, err := p.prepare(ctx, req, p.timeout)
	if err != nil {
		span.End()
		return nil, err
	}

	var stream *ssestream.Stream[oai.ChatCompletionChunk]
	err = p.guard(ctx, req.Provider.ID, func() error {
		stream = call.client.Chat.Completions.NewStreaming(call.ctx, call.params)
		if err := stream.Err(); err != nil {
			stream.Close()
			return call.classify(err)
		}
		return nil
	})
	if err != nil {
		call.cancel()
		p.record(ctx, req.Provider.ID, "refine", start, err)
		observe.Logger(ctx).Warn("refine stream failed", "provider", req.Provider, "err", err)
		span.End()
		return nil, err
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer span.End()
		defer close(ch)
		defer call.cancel()
		defer stream.Close()

		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var full strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			full.WriteString(text)
			if !send(Chunk{Text: text}) {
				p.record(ctx, req.Provider.ID, "refine", start, fmt.Errorf("refine: %w", ctx.Err()))
				return
			}
		}

		err := call.classify(stream.Err())
		text := strings.TrimSpace(full.String())
		if err == nil && text == "" {
			err = fmt.Errorf("%w: empty completion", ErrMalformedResponse)
		}
		p.record(ctx, req.Provider.ID, "refine", start, err)
		if err != nil {
			observe.Logger(ctx).Warn("refine stream ended with error", "provider", req.Provider, "err", err)
			send(Chunk{Err: err})
			return
		}
		send(Chunk{Done: true, Full: text})
	}()
	return ch, nil
}

// Collect drains a stream and returns the full text. onChunk, when non-nil,
// sees every incremental chunk.
func Collect(ch <-chan Chunk, onChunk func(string)) (string, error) {
	for c := range ch {
		switch {
		case c.Err != nil:
			return "", c.Err
		case c.Done:
			return c.Full, nil
		case onChunk != nil:
			onChunk(c.Text)
		}
	}
	return "", fmt.Errorf("refine: stream closed before completion: %w", context.Canceled)
}
