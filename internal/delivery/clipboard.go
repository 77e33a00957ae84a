package delivery

import (
	"context"
	"errors"
	"fmt"

	cb "github.com/atotto/clipboard"

	"github.com/MrWong99/voxscribe/internal/dictation"
)

// ErrClipboardUnsupported is returned when no clipboard utility is
// available, e.g. on a headless Linux host without xclip, xsel or wl-copy.
var ErrClipboardUnsupported = errors.New("delivery: clipboard unsupported")

// Clipboard copies the final text to the system clipboard.
type Clipboard struct {
	write func(string) error
}

var _ dictation.Sink = (*Clipboard)(nil)

// NewClipboard returns a sink writing through the system clipboard.
func NewClipboard() *Clipboard {
	return &Clipboard{write: writeSystem}
}

func writeSystem(text string) error {
	if cb.Unsupported {
		return ErrClipboardUnsupported
	}
	return cb.WriteAll(text)
}

// Deliver implements [dictation.Sink].
func (c *Clipboard) Deliver(ctx context.Context, r dictation.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.write(r.Text); err != nil {
		return fmt.Errorf("delivery: clipboard: %w", err)
	}
	return nil
}
