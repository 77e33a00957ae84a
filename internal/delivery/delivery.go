// Package delivery implements the sinks that receive finished dictations.
//
// Every sink implements [dictation.Sink]. [Multi] fans a result out to
// several sinks in order and [Recorder] logs delivered results to a
// [history.Store].
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxscribe/internal/dictation"
)

// Func adapts an ordinary function to [dictation.Sink].
type Func func(ctx context.Context, r dictation.Result) error

var _ dictation.Sink = Func(nil)

// Deliver implements [dictation.Sink].
func (f Func) Deliver(ctx context.Context, r dictation.Result) error { return f(ctx, r) }

// Multi delivers to every sink in order. A failing sink does not stop the
// remaining ones; the errors are joined.
type Multi []dictation.Sink

var _ dictation.Sink = Multi(nil)

// Deliver implements [dictation.Sink].
func (m Multi) Deliver(ctx context.Context, r dictation.Result) error {
	var errs []error
	for i, s := range m {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Deliver(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
