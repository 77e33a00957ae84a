// Package mock provides a test double for [asr.Engine].
//
// Engine records every call and returns configurable values. Set
// TranscribeBlock to hold Transcribe until the channel is closed or the
// caller's context is canceled, which lets tests observe the pipeline while
// it is transcribing.
//
// Example:
//
//	e := &mock.Engine{Desc: desc, TranscribeResult: asr.Result{Text: "hello"}}
//	res, _ := e.Transcribe(ctx, buf, asr.Hints{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Engine.Transcribe.
type TranscribeCall struct {
	// Buf is the sample buffer passed to Transcribe.
	Buf audio.SampleBuffer
	// Hints are the hints passed to Transcribe.
	Hints asr.Hints
}

// Engine is a mock implementation of asr.Engine.
type Engine struct {
	mu sync.Mutex

	// Desc is returned by Descriptor.
	Desc catalog.Descriptor

	// PrepareErr, if non-nil, is returned by Prepare.
	PrepareErr error

	// PrepareBlock, if non-nil, makes Prepare wait until it is closed or ctx
	// is done.
	PrepareBlock chan struct{}

	// TranscribeResult is returned by Transcribe when TranscribeErr is nil.
	TranscribeResult asr.Result

	// TranscribeErr, if non-nil, is returned by Transcribe.
	TranscribeErr error

	// TranscribeBlock, if non-nil, makes Transcribe wait until it is closed
	// or ctx is done.
	TranscribeBlock chan struct{}

	// TranscribeStarted, if non-nil, receives a value when Transcribe is
	// entered. Sends are non-blocking.
	TranscribeStarted chan struct{}

	// UnloadErr, if non-nil, is returned by Unload.
	UnloadErr error

	// --- Call records ---

	PrepareCallCount int
	TranscribeCalls  []TranscribeCall
	UnloadCallCount  int
}

// Ensure Engine implements asr.Engine at compile time.
var _ asr.Engine = (*Engine)(nil)

// Descriptor implements asr.Engine.
func (e *Engine) Descriptor() catalog.Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Desc
}

// Prepare records the call and returns PrepareErr.
func (e *Engine) Prepare(ctx context.Context) error {
	e.mu.Lock()
	e.PrepareCallCount++
	block, err := e.PrepareBlock, e.PrepareErr
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Transcribe records the call and returns TranscribeResult, TranscribeErr.
func (e *Engine) Transcribe(ctx context.Context, buf audio.SampleBuffer, hints asr.Hints) (asr.Result, error) {
	e.mu.Lock()
	e.TranscribeCalls = append(e.TranscribeCalls, TranscribeCall{Buf: buf, Hints: hints})
	block, started := e.TranscribeBlock, e.TranscribeStarted
	res, err := e.TranscribeResult, e.TranscribeErr
	e.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return asr.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return asr.Result{}, err
	}
	return res, nil
}

// Unload records the call and returns UnloadErr.
func (e *Engine) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.UnloadCallCount++
	return e.UnloadErr
}

// Calls returns a snapshot of the recorded counters and Transcribe calls.
func (e *Engine) Calls() (prepares int, transcribes []TranscribeCall, unloads int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.PrepareCallCount, append([]TranscribeCall(nil), e.TranscribeCalls...), e.UnloadCallCount
}

// Reset clears all recorded calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PrepareCallCount = 0
	e.TranscribeCalls = nil
	e.UnloadCallCount = 0
}
