package delivery

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/internal/dictation"
	"github.com/MrWong99/voxscribe/internal/history"
	"github.com/MrWong99/voxscribe/internal/refine"
)

func TestWriter_OneLinePerDictation(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)
	ctx := context.Background()
	for _, text := range []string{"first", "second\n", "multi\nline"} {
		if err := w.Deliver(ctx, dictation.Result{Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := buf.String(), "first\nsecond\nmulti\nline\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestClipboard_UsesWriter(t *testing.T) {
	t.Parallel()

	var copied string
	c := &Clipboard{write: func(s string) error { copied = s; return nil }}
	err := c.Deliver(context.Background(), dictation.Result{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if copied != "hello" {
		t.Errorf("copied %q", copied)
	}
}

func TestClipboard_WrapsWriteError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := &Clipboard{write: func(string) error { return boom }}
	err := c.Deliver(context.Background(), dictation.Result{Text: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestClipboard_UnsupportedKeepsSentinel(t *testing.T) {
	t.Parallel()

	c := &Clipboard{write: func(string) error { return ErrClipboardUnsupported }}
	err := c.Deliver(context.Background(), dictation.Result{Text: "x"})
	if !errors.Is(err, ErrClipboardUnsupported) {
		t.Errorf("err = %v, want ErrClipboardUnsupported", err)
	}
}

func TestMulti_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	var calls []string
	failing := Func(func(context.Context, dictation.Result) error {
		calls = append(calls, "a")
		return errors.New("a failed")
	})
	ok := Func(func(context.Context, dictation.Result) error {
		calls = append(calls, "b")
		return nil
	})

	err := Multi{failing, ok}.Deliver(context.Background(), dictation.Result{Text: "x"})
	if err == nil {
		t.Error("expected the first sink's error")
	}
	if len(calls) != 2 {
		t.Errorf("calls = %v, want both sinks", calls)
	}
}

func TestMulti_StopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Multi{Func(func(context.Context, dictation.Result) error { called = true; return nil })}.Deliver(ctx, dictation.Result{})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}

func TestRecorder_RecordsDelivered(t *testing.T) {
	t.Parallel()

	store := history.NewMemory(10)
	sink := NewRecorder(Func(func(context.Context, dictation.Result) error { return nil }), store)
	started := time.Now()
	res := dictation.Result{
		SessionID: "s1",
		ModelID:   "whisper-base",
		Raw:       "try fluid boys",
		Corrected: "try FluidVoice",
		Text:      "try FluidVoice",
		Provider:  "openai",
		RefineErr: &refine.HTTPStatusError{Code: 500, Excerpt: "rate limited"},
		StartedAt: started,
	}
	if err := sink.Deliver(context.Background(), res); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Recent(context.Background(), 0)
	if len(got) != 1 {
		t.Fatalf("recorded %d entries", len(got))
	}
	e := got[0]
	if e.SessionID != "s1" || e.RawText != "try fluid boys" || e.Text != "try FluidVoice" || e.Refined {
		t.Errorf("entry = %+v", e)
	}
	if e.RefineError == "" || !e.Timestamp.Equal(started) {
		t.Errorf("entry metadata = %+v", e)
	}
}

func TestRecorder_SkipsFailedDelivery(t *testing.T) {
	t.Parallel()

	store := history.NewMemory(10)
	sink := NewRecorder(Func(func(context.Context, dictation.Result) error { return errors.New("nope") }), store)
	if err := sink.Deliver(context.Background(), dictation.Result{SessionID: "s"}); err == nil {
		t.Error("expected delivery error")
	}
	if store.Len() != 0 {
		t.Errorf("recorded %d entries for a failed delivery", store.Len())
	}
}
