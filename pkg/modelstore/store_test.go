package modelstore_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type artifactServer struct {
	*httptest.Server
	requests atomic.Int32
	release  chan struct{} // when non-nil, handlers block until closed
}

func newArtifactServer(t *testing.T, body []byte) *artifactServer {
	t.Helper()
	as := &artifactServer{}
	as.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		as.requests.Add(1)
		if as.release != nil {
			select {
			case <-as.release:
			case <-r.Context().Done():
				return
			}
		}
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		// Write in chunks so progress has something to report.
		for off := 0; off < len(body); off += 1024 {
			end := min(off+1024, len(body))
			if _, err := w.Write(body[off:end]); err != nil {
				return
			}
		}
	}))
	t.Cleanup(as.Close)
	return as
}

type countingLoader struct {
	loads  atomic.Int32
	closes atomic.Int32
	err    error
}

type countingHandle struct{ l *countingLoader }

func (h countingHandle) Close() error {
	h.l.closes.Add(1)
	return nil
}

func (l *countingLoader) Load(_ context.Context, _ catalog.Descriptor, _ string) (modelstore.Handle, error) {
	l.loads.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return countingHandle{l: l}, nil
}

func testDescriptor(url string, body []byte, withSum bool) catalog.Descriptor {
	a := catalog.Artifact{Name: "model.bin", URL: url, Size: int64(len(body))}
	if withSum {
		sum := sha256.Sum256(body)
		a.SHA256 = hex.EncodeToString(sum[:])
	}
	return catalog.Descriptor{
		ID:         "test-model",
		Family:     catalog.FamilyOnDeviceV1,
		Name:       "Test",
		ApproxSize: int64(len(body)),
		Artifacts:  []catalog.Artifact{a},
	}
}

func newStore(t *testing.T, desc catalog.Descriptor, loader modelstore.Loader, opts ...modelstore.Option) *modelstore.Store {
	t.Helper()
	cat, err := catalog.New(desc)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	opts = append([]modelstore.Option{
		modelstore.WithLoader(desc.Family, loader),
		modelstore.WithProgressInterval(0),
		modelstore.WithProgressStep(0),
	}, opts...)
	s, err := modelstore.New(t.TempDir(), cat, opts...)
	if err != nil {
		t.Fatalf("modelstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []modelstore.Event
}

func (l *eventLog) record(e modelstore.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []modelstore.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]modelstore.Event(nil), l.events...)
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestEnsureReady_DownloadsThenLoads(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("w"), 64*1024)
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", body, true)
	loader := &countingLoader{}
	s := newStore(t, desc, loader)

	if got := s.State(desc).Kind; got != modelstore.NotPresent {
		t.Fatalf("initial state = %s, want not_present", got)
	}

	var log eventLog
	unsub := s.Subscribe(log.record)
	defer unsub()

	if err := s.EnsureReady(context.Background(), desc); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if got := s.State(desc).Kind; got != modelstore.Ready {
		t.Fatalf("state = %s, want ready", got)
	}
	if _, ok := s.Handle(desc); !ok {
		t.Error("expected a loaded handle")
	}

	data, err := os.ReadFile(s.ArtifactPath(desc, "model.bin"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(data, body) {
		t.Error("artifact content mismatch")
	}
	if _, err := os.Stat(s.ArtifactPath(desc, "model.bin") + ".part"); !os.IsNotExist(err) {
		t.Error("expected .part file to be gone")
	}

	// Progress is monotonically non-decreasing and ends at 1.0.
	var last float64
	var sawOne bool
	var kinds []modelstore.Kind
	for _, e := range log.snapshot() {
		kinds = append(kinds, e.State.Kind)
		if e.State.Kind != modelstore.Downloading {
			continue
		}
		if e.State.Progress < last {
			t.Errorf("progress went backwards: %f after %f", e.State.Progress, last)
		}
		last = e.State.Progress
		if e.State.Progress == 1 {
			sawOne = true
		}
	}
	if !sawOne {
		t.Error("expected a final progress update of 1.0")
	}
	want := []modelstore.Kind{modelstore.Present, modelstore.Loading, modelstore.Ready}
	tail := kinds[len(kinds)-len(want):]
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("state sequence tail = %v, want %v", tail, want)
		}
	}
}

func TestEnsureReady_ConcurrentCallsJoin(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("x"), 8*1024)
	srv := newArtifactServer(t, body)
	srv.release = make(chan struct{})
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	loader := &countingLoader{}
	s := newStore(t, desc, loader)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureReady(context.Background(), desc)
		}()
	}

	// Let every caller reach the in-flight operation before the download can
	// complete.
	deadline := time.Now().Add(5 * time.Second)
	for srv.requests.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(srv.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureReady: %v", err)
		}
	}
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("download requests = %d, want 1", got)
	}
	if got := loader.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
}

func TestEnsureReady_PresentSkipsDownload(t *testing.T) {
	t.Parallel()

	body := []byte("weights")
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	loader := &countingLoader{}
	s := newStore(t, desc, loader)

	if err := os.MkdirAll(s.Dir(desc), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.ArtifactPath(desc, "model.bin"), body, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckExistence(context.Background()); err != nil {
		t.Fatalf("CheckExistence: %v", err)
	}
	if got := s.State(desc).Kind; got != modelstore.Present {
		t.Fatalf("state after rescan = %s, want present", got)
	}
	if loader.loads.Load() != 0 {
		t.Error("rescan must never load a model")
	}

	if err := s.EnsureReady(context.Background(), desc); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if srv.requests.Load() != 0 {
		t.Errorf("expected no download for a present model, got %d requests", srv.requests.Load())
	}
}

func TestEnsureReady_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	body := []byte("corrupted weights")
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", []byte("expected weights"), true)
	desc.Artifacts[0].Size = int64(len(body))
	loader := &countingLoader{}
	s := newStore(t, desc, loader)

	err := s.EnsureReady(context.Background(), desc)
	if !errors.Is(err, modelstore.ErrChecksumMismatch) {
		t.Fatalf("err = %v, want ErrChecksumMismatch", err)
	}
	st := s.State(desc)
	if st.Kind != modelstore.Failed || st.Reason == "" {
		t.Errorf("state = %s, want failed with reason", st)
	}
	if _, err := os.Stat(s.ArtifactPath(desc, "model.bin")); !os.IsNotExist(err) {
		t.Error("corrupt artifact must not be renamed into place")
	}
	if loader.loads.Load() != 0 {
		t.Error("loader must not run after a failed download")
	}
}

func TestEnsureReady_HTTPFailureNotRetried(t *testing.T) {
	t.Parallel()

	body := []byte("x")
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/missing", body, false)
	s := newStore(t, desc, &countingLoader{})

	err := s.EnsureReady(context.Background(), desc)
	if !errors.Is(err, modelstore.ErrDownloadFailed) {
		t.Fatalf("err = %v, want ErrDownloadFailed", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want exactly 1 (no automatic retry)", got)
	}
	if s.State(desc).Kind != modelstore.Failed {
		t.Errorf("state = %s, want failed", s.State(desc))
	}
}

func TestEnsureReady_InsufficientStorage(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("x"), 4096)
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	s := newStore(t, desc, &countingLoader{},
		modelstore.WithFreeSpaceFunc(func(string) (uint64, error) { return 10, nil }),
	)

	err := s.EnsureReady(context.Background(), desc)
	if !errors.Is(err, modelstore.ErrInsufficientStorage) {
		t.Fatalf("err = %v, want ErrInsufficientStorage", err)
	}
	if srv.requests.Load() != 0 {
		t.Error("download must not start when space is insufficient")
	}
}

func TestEnsureReady_LoadFailure(t *testing.T) {
	t.Parallel()

	body := []byte("weights")
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	boom := errors.New("bad magic")
	s := newStore(t, desc, &countingLoader{err: boom})

	err := s.EnsureReady(context.Background(), desc)
	if !errors.Is(err, modelstore.ErrLoadFailed) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrLoadFailed wrapping cause", err)
	}
}

func TestEnsureReady_CallerCancelDoesNotAbortDownload(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("x"), 2048)
	srv := newArtifactServer(t, body)
	srv.release = make(chan struct{})
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	s := newStore(t, desc, &countingLoader{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.EnsureReady(ctx, desc) }()
	for srv.requests.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(srv.release)
	if err := s.EnsureReady(context.Background(), desc); err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	if got := srv.requests.Load(); got != 1 {
		t.Errorf("requests = %d, want the first download to be reused", got)
	}
}

func TestCancelDownload(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("x"), 2048)
	srv := newArtifactServer(t, body)
	srv.release = make(chan struct{})
	defer close(srv.release)
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	s := newStore(t, desc, &countingLoader{})

	done := make(chan error, 1)
	go func() { done <- s.EnsureReady(context.Background(), desc) }()
	for !s.IsDownloading() {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.CancelDownload(desc) {
		t.Fatal("CancelDownload reported nothing in flight")
	}
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want wrapping context.Canceled", err)
	}
	if got := s.State(desc).Kind; got != modelstore.NotPresent {
		t.Errorf("state after cancel = %s, want not_present", got)
	}
}

func TestEvict(t *testing.T) {
	t.Parallel()

	body := []byte("weights")
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	loader := &countingLoader{}
	s := newStore(t, desc, loader)

	if err := s.EnsureReady(context.Background(), desc); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	release := s.Acquire(desc)
	if err := s.Evict(desc); !errors.Is(err, modelstore.ErrInUse) {
		t.Fatalf("Evict while leased: err = %v, want ErrInUse", err)
	}
	if s.State(desc).Kind != modelstore.Ready {
		t.Error("failed evict must not change state")
	}
	release()
	release() // idempotent

	if err := s.Evict(desc); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if got := s.State(desc).Kind; got != modelstore.NotPresent {
		t.Errorf("state = %s, want not_present", got)
	}
	if loader.closes.Load() != 1 {
		t.Errorf("handle closes = %d, want 1", loader.closes.Load())
	}
	if _, err := os.Stat(s.Dir(desc)); !os.IsNotExist(err) {
		t.Error("expected model directory to be removed")
	}
	if s.ModelsExistOnDisk() {
		t.Error("ModelsExistOnDisk should be false after evict")
	}
}

func TestUnload(t *testing.T) {
	t.Parallel()

	body := []byte("weights")
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	loader := &countingLoader{}
	s := newStore(t, desc, loader)

	// Never prepared: safe.
	if err := s.Unload(desc); err != nil {
		t.Fatalf("Unload before load: %v", err)
	}
	if err := s.EnsureReady(context.Background(), desc); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := s.Unload(desc); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if got := s.State(desc).Kind; got != modelstore.Present {
		t.Errorf("state = %s, want present", got)
	}
	if _, ok := s.Handle(desc); ok {
		t.Error("handle should be gone after unload")
	}
}

func TestCheckExistence_RemovesStaleParts(t *testing.T) {
	t.Parallel()

	desc := testDescriptor("http://127.0.0.1:0/model.bin", []byte("x"), false)
	s := newStore(t, desc, &countingLoader{})

	part := filepath.Join(s.Dir(desc), "model.bin.part")
	if err := os.MkdirAll(s.Dir(desc), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(part, []byte("half"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckExistence(context.Background()); err != nil {
		t.Fatalf("CheckExistence: %v", err)
	}
	if _, err := os.Stat(part); !os.IsNotExist(err) {
		t.Error("expected stale .part file to be removed")
	}
	if got := s.State(desc).Kind; got != modelstore.NotPresent {
		t.Errorf("state = %s, want not_present", got)
	}
}

func TestClearCache_SkipsLeased(t *testing.T) {
	t.Parallel()

	body := []byte("weights")
	srv := newArtifactServer(t, body)
	desc := testDescriptor(srv.URL+"/model.bin", body, false)
	s := newStore(t, desc, &countingLoader{})

	if err := s.EnsureReady(context.Background(), desc); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	release := s.Acquire(desc)
	if err := s.ClearCache(); !errors.Is(err, modelstore.ErrInUse) {
		t.Fatalf("ClearCache err = %v, want ErrInUse", err)
	}
	if !s.ModelsExistOnDisk() {
		t.Error("leased model must survive ClearCache")
	}
	release()
	if err := s.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if s.ModelsExistOnDisk() {
		t.Error("expected empty cache")
	}
}

func TestEnsureReady_CloudDescriptorHasNoArtifacts(t *testing.T) {
	t.Parallel()

	desc := catalog.Descriptor{ID: "cloud", Family: catalog.FamilyCloud, RemoteModel: "whisper-1"}
	loader := &countingLoader{}
	s := newStore(t, desc, loader)

	if err := s.EnsureReady(context.Background(), desc); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !s.IsReady(desc) {
		t.Error("cloud descriptor should be ready")
	}
	if s.ModelsExistOnDisk() {
		t.Error("cloud descriptors never count as on disk")
	}
}

func TestKind_TextRoundTrip(t *testing.T) {
	t.Parallel()

	for k := modelstore.NotPresent; k <= modelstore.Failed; k++ {
		b, err := k.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", k, err)
		}
		var got modelstore.Kind
		if err := got.UnmarshalText(b); err != nil || got != k {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v", b, got, err, k)
		}
	}
	var k modelstore.Kind
	if err := k.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// ─── exclusive backends ───────────────────────────────────────────────────────

type slotLoader struct {
	countingLoader
	exclusive bool
}

func (l *slotLoader) Exclusive() bool { return l.exclusive }

func onDiskStore(t *testing.T, loader modelstore.Loader, ids ...string) (*modelstore.Store, []catalog.Descriptor) {
	t.Helper()
	root := t.TempDir()
	descs := make([]catalog.Descriptor, 0, len(ids))
	for _, id := range ids {
		d := testDescriptor("http://unused", []byte("ggml"), false)
		d.ID = id
		if err := os.MkdirAll(filepath.Join(root, id), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, id, "model.bin"), []byte("ggml"), 0o644); err != nil {
			t.Fatal(err)
		}
		descs = append(descs, d)
	}
	cat, err := catalog.New(descs...)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	s, err := modelstore.New(root, cat, modelstore.WithLoader(catalog.FamilyOnDeviceV1, loader))
	if err != nil {
		t.Fatalf("modelstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, descs
}

func TestEnsureReady_ExclusiveFamilyDisplaces(t *testing.T) {
	t.Parallel()

	loader := &slotLoader{exclusive: true}
	s, d := onDiskStore(t, loader, "a", "b")
	ctx := context.Background()

	if err := s.EnsureReady(ctx, d[0]); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureReady(ctx, d[1]); err != nil {
		t.Fatal(err)
	}
	if got := s.State(d[0]).Kind; got != modelstore.Present {
		t.Errorf("state(a) = %v, want present", got)
	}
	if _, ok := s.Handle(d[0]); ok {
		t.Error("displaced model still has a handle")
	}
	if got := loader.closes.Load(); got != 1 {
		t.Errorf("closes = %d, want 1", got)
	}

	// Asking for a again loads it again.
	if err := s.EnsureReady(ctx, d[0]); err != nil {
		t.Fatal(err)
	}
	if got := loader.loads.Load(); got != 3 {
		t.Errorf("loads = %d, want 3", got)
	}
	if !s.IsReady(d[0]) || s.IsReady(d[1]) {
		t.Errorf("ready a=%v b=%v, want only a", s.IsReady(d[0]), s.IsReady(d[1]))
	}
}

func TestEnsureReady_SharedFamilyKeepsBoth(t *testing.T) {
	t.Parallel()

	s, d := onDiskStore(t, &slotLoader{}, "a", "b")
	ctx := context.Background()
	for _, desc := range d {
		if err := s.EnsureReady(ctx, desc); err != nil {
			t.Fatal(err)
		}
	}
	if !s.IsReady(d[0]) || !s.IsReady(d[1]) {
		t.Errorf("ready a=%v b=%v, want both", s.IsReady(d[0]), s.IsReady(d[1]))
	}
}
