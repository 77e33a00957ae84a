package cloud_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/voxscribe/pkg/audio"
	"github.com/MrWong99/voxscribe/pkg/catalog"
	"github.com/MrWong99/voxscribe/pkg/modelstore"
	"github.com/MrWong99/voxscribe/pkg/provider/asr"
	"github.com/MrWong99/voxscribe/pkg/provider/asr/cloud"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type upload struct {
	auth     string
	model    string
	prompt   string
	language string
	filename string
	magic    string
}

type transcriptionServer struct {
	*httptest.Server
	mu      sync.Mutex
	uploads []upload
}

func newTranscriptionServer(t *testing.T, status int, body string) *transcriptionServer {
	t.Helper()
	s := &transcriptionServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		u := upload{
			auth:     r.Header.Get("Authorization"),
			model:    r.FormValue("model"),
			prompt:   r.FormValue("prompt"),
			language: r.FormValue("language"),
		}
		if f, hdr, err := r.FormFile("file"); err == nil {
			u.filename = hdr.Filename
			head := make([]byte, 4)
			_, _ = io.ReadFull(f, head)
			u.magic = string(head)
			f.Close()
		}
		s.mu.Lock()
		s.uploads = append(s.uploads, u)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *transcriptionServer) last(t *testing.T) upload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.uploads) == 0 {
		t.Fatal("no upload received")
	}
	return s.uploads[len(s.uploads)-1]
}

func cloudDescriptor() catalog.Descriptor {
	return catalog.Descriptor{
		ID:           "cloud-whisper-1",
		Family:       catalog.FamilyCloud,
		RemoteModel:  "whisper-1",
		Capabilities: catalog.SupportsBiasing,
		Languages:    []string{"en", "de"},
	}
}

func newEngine(t *testing.T, srv *transcriptionServer, opts ...cloud.Option) *cloud.Engine {
	t.Helper()
	return newEngineFor(t, srv, cloudDescriptor(), opts...)
}

func newEngineFor(t *testing.T, srv *transcriptionServer, desc catalog.Descriptor, opts ...cloud.Option) *cloud.Engine {
	t.Helper()
	cat, err := catalog.New(desc)
	if err != nil {
		t.Fatal(err)
	}
	store, err := modelstore.New(t.TempDir(), cat, modelstore.WithLoader(catalog.FamilyCloud, cloud.Loader{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	opts = append([]cloud.Option{cloud.WithBaseURL(srv.URL)}, opts...)
	e, err := cloud.New(store, desc, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return e
}

func tone() audio.SampleBuffer {
	s := make([]float32, audio.SampleRate/2)
	for i := range s {
		s[i] = float32(i%32) / 64
	}
	return audio.SampleBuffer{Samples: s, SampleRate: audio.SampleRate, Channels: 1}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	key := cloud.WithAPIKey("k")
	if _, err := cloud.New(nil, catalog.Descriptor{ID: "x", Family: catalog.FamilyOnDeviceV1}, key); err == nil {
		t.Error("expected error for on-device descriptor")
	}
	if _, err := cloud.New(nil, catalog.Descriptor{ID: "x", Family: catalog.FamilyCloud}, key); err == nil {
		t.Error("expected error for missing remote model")
	}
	if _, err := cloud.New(nil, cloudDescriptor()); err == nil {
		t.Error("expected error for missing credential")
	}
}

func TestTranscribe_UploadsFLAC(t *testing.T) {
	t.Parallel()

	srv := newTranscriptionServer(t, http.StatusOK, `{"text":" hello FluidVoice "}`)
	e := newEngine(t, srv, cloud.WithAPIKey("sk-test"))

	res, err := e.Transcribe(context.Background(), tone(), asr.Hints{
		Language:   "de",
		Vocabulary: []asr.VocabularyTerm{{Text: "FluidVoice", Weight: 1}},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello FluidVoice" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Language != "de" {
		t.Errorf("language = %q", res.Language)
	}

	u := srv.last(t)
	if u.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", u.auth)
	}
	if u.model != "whisper-1" {
		t.Errorf("model = %q", u.model)
	}
	if u.prompt != "FluidVoice" {
		t.Errorf("prompt = %q", u.prompt)
	}
	if u.language != "de" {
		t.Errorf("language field = %q", u.language)
	}
	if u.filename != "audio.flac" || u.magic != "fLaC" {
		t.Errorf("file = %q (magic %q), want FLAC upload", u.filename, u.magic)
	}
}

func TestTranscribe_CredentialResolvedPerCall(t *testing.T) {
	t.Parallel()

	srv := newTranscriptionServer(t, http.StatusOK, `{"text":"ok"}`)
	var (
		mu  sync.Mutex
		key = "first"
	)
	e := newEngine(t, srv, cloud.WithCredential(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		return key, nil
	}))

	if _, err := e.Transcribe(context.Background(), tone(), asr.Hints{}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	key = "second"
	mu.Unlock()
	if _, err := e.Transcribe(context.Background(), tone(), asr.Hints{}); err != nil {
		t.Fatal(err)
	}
	if got := srv.last(t).auth; got != "Bearer second" {
		t.Errorf("Authorization = %q, want rotated key", got)
	}
}

func TestTranscribe_CredentialError(t *testing.T) {
	t.Parallel()

	srv := newTranscriptionServer(t, http.StatusOK, `{"text":"ok"}`)
	e := newEngine(t, srv, cloud.WithCredential(func(context.Context) (string, error) {
		return "", errors.New("env OPENAI_API_KEY is empty")
	}))

	_, err := e.Transcribe(context.Background(), tone(), asr.Hints{})
	if !errors.Is(err, asr.ErrBackendFailure) {
		t.Fatalf("err = %v, want ErrBackendFailure", err)
	}
}

func TestTranscribe_HTTPError(t *testing.T) {
	t.Parallel()

	srv := newTranscriptionServer(t, http.StatusUnauthorized,
		`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	e := newEngine(t, srv, cloud.WithAPIKey("bad"))

	_, err := e.Transcribe(context.Background(), tone(), asr.Hints{})
	if !errors.Is(err, asr.ErrBackendFailure) {
		t.Fatalf("err = %v, want ErrBackendFailure", err)
	}
}

func TestTranscribe_EmptyInputSkipsUpload(t *testing.T) {
	t.Parallel()

	srv := newTranscriptionServer(t, http.StatusOK, `{"text":"unused"}`)
	e := newEngine(t, srv, cloud.WithAPIKey("k"))

	res, err := e.Transcribe(context.Background(),
		audio.SampleBuffer{SampleRate: audio.SampleRate, Channels: 1}, asr.Hints{})
	if err != nil || res.Text != "" {
		t.Fatalf("Transcribe = %+v, %v; want empty result", res, err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.uploads) != 0 {
		t.Errorf("uploads = %d, want 0", len(srv.uploads))
	}
}

func TestTranscribe_NoPromptWithoutBiasing(t *testing.T) {
	t.Parallel()

	srv := newTranscriptionServer(t, http.StatusOK, `{"text":"hello"}`)
	desc := cloudDescriptor()
	desc.Capabilities = 0
	e := newEngineFor(t, srv, desc, cloud.WithAPIKey("sk-test"))

	if _, err := e.Transcribe(context.Background(), tone(), asr.Hints{
		Vocabulary: []asr.VocabularyTerm{{Text: "FluidVoice", Weight: 1}},
	}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if u := srv.last(t); u.prompt != "" {
		t.Errorf("prompt = %q, want none for a model without biasing", u.prompt)
	}
}
