package delivery

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/voxscribe/internal/dictation"
)

// Writer writes each final text as one line to an [io.Writer], e.g. stdout
// for shell pipelines. Embedded newlines are kept so multi-line refinements
// survive; a trailing newline terminates every dictation.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

var _ dictation.Sink = (*Writer)(nil)

// NewWriter returns a sink writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Deliver implements [dictation.Sink].
func (s *Writer) Deliver(ctx context.Context, r dictation.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, strings.TrimRight(r.Text, "\n")+"\n"); err != nil {
		return fmt.Errorf("delivery: write: %w", err)
	}
	return nil
}
