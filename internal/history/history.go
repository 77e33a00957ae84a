// Package history keeps a log of finished dictations.
//
// Two [Store] implementations exist: [Memory], a bounded in-process ring used
// when no database is configured, and the PostgreSQL store in the postgres
// sub-package, which persists entries across restarts and offers full-text
// search.
package history

import (
	"context"
	"time"
)

// Entry is one delivered dictation.
type Entry struct {
	// SessionID is the dictation session id.
	SessionID string `json:"session_id"`

	// ModelID is the speech model that transcribed the utterance.
	ModelID string `json:"model_id"`

	// Provider is the refine provider id, empty when refinement did not run.
	Provider string `json:"provider,omitempty"`

	// Text is the delivered text.
	Text string `json:"text"`

	// RawText is the unmodified engine output. Preserved for debugging.
	RawText string `json:"raw_text"`

	// Refined reports whether Text came from the refine stage.
	Refined bool `json:"refined"`

	// RefineError describes a failed refinement. Text then holds the
	// corrected transcript.
	RefineError string `json:"refine_error,omitempty"`

	// Timestamp is when the dictation started.
	Timestamp time.Time `json:"timestamp"`

	// AudioDuration is the length of the captured audio.
	AudioDuration time.Duration `json:"audio_duration"`

	// Duration is the wall time from start to delivery.
	Duration time.Duration `json:"duration"`
}

// Store persists dictation history. Implementations must be safe for
// concurrent use.
type Store interface {
	// Record appends e.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to n entries, newest first. n <= 0 returns all.
	Recent(ctx context.Context, n int) ([]Entry, error)

	// Search returns up to limit entries whose text matches query, newest
	// first. limit <= 0 means no limit.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)
}
