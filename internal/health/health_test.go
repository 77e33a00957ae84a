package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New().Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz_MixedResults(t *testing.T) {
	t.Parallel()

	h := New(
		Checker{Name: "history", Check: func(context.Context) error { return errors.New("connection refused") }},
		Checker{Name: "model_cache", Check: func(context.Context) error { return nil }},
		Checker{Name: "skipped"},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decode(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if got := body.Checks["history"]; got != "fail: connection refused" {
		t.Errorf("history = %q", got)
	}
	if got := body.Checks["model_cache"]; got != "ok" {
		t.Errorf("model_cache = %q", got)
	}
	if _, ok := body.Checks["skipped"]; ok {
		t.Error("checker without Check func should be skipped")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New().Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRun_Concurrent(t *testing.T) {
	t.Parallel()

	// Both checkers block until the other has started.
	var started atomic.Int32
	both := make(chan struct{})
	check := func(ctx context.Context) error {
		if started.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h := New(Checker{Name: "a", Check: check}, Checker{Name: "b", Check: check})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	checks, ok := h.Run(ctx)
	if !ok {
		t.Fatalf("checks = %v, want all ok", checks)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New(Func("ready", "not ready", func() bool { return true })).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

// ── domain checkers ──────────────────────────────────────────────────────────

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPing(t *testing.T) {
	t.Parallel()

	c := Ping("history", pingFunc(func(context.Context) error { return errors.New("down") }))
	if c.Name != "history" {
		t.Errorf("Name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err == nil || err.Error() != "down" {
		t.Errorf("Check = %v, want down", err)
	}
}

func TestDirWritable(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "models")
	c := DirWritable("model_cache", dir)
	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}
}

func TestDirWritable_NotADirectory(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := DirWritable("model_cache", file).Check(context.Background()); err == nil {
		t.Error("expected an error for a regular file")
	}
}

func TestFunc(t *testing.T) {
	t.Parallel()

	ready := false
	c := Func("models", "no model on disk", func() bool { return ready })
	if err := c.Check(context.Background()); err == nil || err.Error() != "no model on disk" {
		t.Errorf("Check = %v", err)
	}
	ready = true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
}
