package modelstore

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by [Store] operations. Download and load failures
// additionally wrap their underlying cause.
var (
	// ErrDownloadFailed is returned when fetching a model artifact fails.
	ErrDownloadFailed = errors.New("modelstore: download failed")

	// ErrChecksumMismatch is returned when a downloaded artifact does not match
	// its expected SHA-256 digest.
	ErrChecksumMismatch = errors.New("modelstore: checksum mismatch")

	// ErrInsufficientStorage is returned when the cache volume cannot hold the
	// model, either detected up-front or from ENOSPC during the write.
	ErrInsufficientStorage = errors.New("modelstore: insufficient storage")

	// ErrInUse is returned by Evict while a dictation session holds a lease on
	// the descriptor.
	ErrInUse = errors.New("modelstore: model in use")

	// ErrLoadFailed is returned when the family loader cannot load the model.
	ErrLoadFailed = errors.New("modelstore: load failed")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("modelstore: store closed")
)

// Kind enumerates the lifecycle states of a model.
type Kind int

const (
	NotPresent Kind = iota
	Downloading
	Present
	Loading
	Ready
	Failed
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case NotPresent:
		return "not_present"
	case Downloading:
		return "downloading"
	case Present:
		return "present"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *Kind) UnmarshalText(b []byte) error {
	for c := NotPresent; c <= Failed; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("modelstore: unknown state kind %q", b)
}

// State is the last known state of one descriptor.
type State struct {
	Kind Kind `json:"kind"`

	// Progress is the download fraction in [0, 1]. Only meaningful while
	// Kind is Downloading.
	Progress float64 `json:"progress,omitempty"`

	// Reason describes the failure when Kind is Failed.
	Reason string `json:"reason,omitempty"`

	// Err is the failure cause when Kind is Failed.
	Err error `json:"-"`
}

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s.Kind {
	case Downloading:
		return fmt.Sprintf("downloading(%.0f%%)", s.Progress*100)
	case Failed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return s.Kind.String()
	}
}

// Event is delivered to subscribers on every state change.
type Event struct {
	ModelID string
	State   State
}
