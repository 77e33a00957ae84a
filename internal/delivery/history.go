package delivery

import (
	"context"

	"github.com/MrWong99/voxscribe/internal/dictation"
	"github.com/MrWong99/voxscribe/internal/history"
	"github.com/MrWong99/voxscribe/internal/observe"
)

// Recorder wraps a sink and records every successful delivery in a
// [history.Store]. Recording failures are logged and never fail the
// delivery: the user already has the text.
type Recorder struct {
	next  dictation.Sink
	store history.Store
}

var _ dictation.Sink = (*Recorder)(nil)

// NewRecorder wraps next.
func NewRecorder(next dictation.Sink, store history.Store) *Recorder {
	return &Recorder{next: next, store: store}
}

// Deliver implements [dictation.Sink].
func (r *Recorder) Deliver(ctx context.Context, res dictation.Result) error {
	if err := r.next.Deliver(ctx, res); err != nil {
		return err
	}
	if err := r.store.Record(context.WithoutCancel(ctx), Entry(res)); err != nil {
		observe.Logger(ctx).Warn("history: record failed", "err", err)
	}
	return nil
}

// Entry converts a delivered result to a history entry.
func Entry(res dictation.Result) history.Entry {
	e := history.Entry{
		SessionID:     res.SessionID,
		ModelID:       res.ModelID,
		Provider:      res.Provider,
		Text:          res.Text,
		RawText:       res.Raw,
		Refined:       res.Refined != "",
		Timestamp:     res.StartedAt,
		AudioDuration: res.AudioDuration,
		Duration:      res.Duration,
	}
	if res.RefineErr != nil {
		e.RefineError = res.RefineErr.Error()
	}
	return e
}
