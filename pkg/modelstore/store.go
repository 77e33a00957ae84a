// Package modelstore manages the on-disk presence and in-memory lifecycle of
// speech models.
//
// Each descriptor owns a directory under the cache root keyed by its id:
//
//	<root>/<descriptor id>/<artifact name>
//
// Presence on disk is the only source of truth for [Present] versus
// [NotPresent]. Downloads stream to "<artifact>.part" and are renamed into
// place after verification, so a crash mid-download never leaves a file that
// looks complete.
//
// Operations on one descriptor ([Store.EnsureReady], [Store.Evict],
// [Store.Unload]) are serialised by a per-descriptor lock. Concurrent
// EnsureReady calls for the same descriptor join the in-flight operation, so
// a model is downloaded and loaded at most once however many callers ask.
// Downloads run on the store's own context: a joining caller that gives up
// does not abort the download for the others. Use [Store.CancelDownload] to
// abort one explicitly.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/voxscribe/pkg/catalog"
)

const (
	defaultProgressInterval = 250 * time.Millisecond
	defaultProgressStep     = 0.02
)

// Handle is a loaded, in-memory model owned by the store.
type Handle interface {
	Close() error
}

// Loader loads the model for one backend family. dir is the descriptor's
// cache directory with every artifact present.
type Loader interface {
	Load(ctx context.Context, desc catalog.Descriptor, dir string) (Handle, error)
}

// Exclusive is implemented by loaders whose backend holds one model at a
// time. Loading a descriptor of such a family returns every other loaded
// descriptor of that family to [Present], and loads within the family are
// serialised.
type Exclusive interface {
	Exclusive() bool
}

// LoaderFunc adapts a function to the [Loader] interface.
type LoaderFunc func(ctx context.Context, desc catalog.Descriptor, dir string) (Handle, error)

// Load implements [Loader].
func (f LoaderFunc) Load(ctx context.Context, desc catalog.Descriptor, dir string) (Handle, error) {
	return f(ctx, desc, dir)
}

// NopHandle is a [Handle] for backends that keep nothing in memory.
type NopHandle struct{}

// Close implements [Handle]. It always returns nil.
func (NopHandle) Close() error { return nil }

// Recorder receives download and load measurements. internal/observe.Metrics
// satisfies it.
type Recorder interface {
	RecordModelDownload(ctx context.Context, model string, bytes int64, d time.Duration, err error)
	RecordModelLoad(ctx context.Context, model string, d time.Duration, err error)
}

// Option configures a [Store].
type Option func(*Store)

// WithLoader registers the loader for a backend family.
func WithLoader(f catalog.Family, l Loader) Option {
	return func(s *Store) { s.loaders[f] = l }
}

// WithHTTPClient sets the HTTP client used for artifact downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithProgressInterval sets the minimum time between two progress updates.
func WithProgressInterval(d time.Duration) Option {
	return func(s *Store) { s.progressInterval = d }
}

// WithProgressStep sets the minimum progress delta between two updates.
func WithProgressStep(step float64) Option {
	return func(s *Store) { s.progressStep = step }
}

// WithFreeSpaceFunc overrides the free-space probe. Tests use it to simulate
// a full volume.
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(s *Store) { s.freeSpace = fn }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.recorder = r }
}

// entry is the mutable record for one descriptor. op serialises
// ensure/evict/unload; all other fields are guarded by Store.mu.
type entry struct {
	op sync.Mutex

	state    State
	handle   Handle
	leases   int
	cancelDL context.CancelFunc
}

// Store owns the model cache. All methods are safe for concurrent use.
type Store struct {
	root    string
	catalog *catalog.Catalog
	client  *http.Client
	loaders map[catalog.Family]Loader

	progressInterval time.Duration
	progressStep     float64
	freeSpace        func(string) (uint64, error)
	recorder         Recorder

	group  singleflight.Group
	slots  map[catalog.Family]*sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	entries    map[string]*entry
	listeners  map[int]func(Event)
	nextListen int
	closed     bool
}

// New creates a store rooted at root and performs an initial scan of every
// descriptor in cat. The root directory is created if missing.
func New(root string, cat *catalog.Catalog, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("modelstore: cache root is required")
	}
	if cat == nil {
		return nil, errors.New("modelstore: catalog is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("modelstore: create cache root: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		root:             root,
		catalog:          cat,
		client:           http.DefaultClient,
		loaders:          make(map[catalog.Family]Loader),
		slots:            make(map[catalog.Family]*sync.Mutex),
		progressInterval: defaultProgressInterval,
		progressStep:     defaultProgressStep,
		freeSpace:        freeSpace,
		ctx:              ctx,
		cancel:           cancel,
		entries:          make(map[string]*entry),
		listeners:        make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(s)
	}
	for f, l := range s.loaders {
		if ex, ok := l.(Exclusive); ok && ex.Exclusive() {
			s.slots[f] = new(sync.Mutex)
		}
	}
	if err := s.CheckExistence(ctx); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the cache directory for desc.
func (s *Store) Dir(desc catalog.Descriptor) string {
	return filepath.Join(s.root, desc.ID)
}

// ArtifactPath returns the on-disk path of one artifact of desc.
func (s *Store) ArtifactPath(desc catalog.Descriptor, name string) string {
	return filepath.Join(s.root, desc.ID, name)
}

// State returns the last known state of desc. It never blocks on I/O.
func (s *Store) State(desc catalog.Descriptor) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(desc.ID).state
}

// Subscribe registers fn for state-change events and returns a function that
// removes it. fn runs synchronously on the goroutine that changed the state
// and must not block or call back into the store's mutating methods.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListen
	s.nextListen++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// EnsureReady makes desc loaded and usable, downloading it first when it is
// not on disk. Concurrent calls for the same descriptor share one operation.
// A failed attempt leaves the descriptor in [Failed]; calling EnsureReady
// again is the only way to retry.
//
// ctx bounds how long this caller waits, not the shared operation.
func (s *Store) EnsureReady(ctx context.Context, desc catalog.Descriptor) error {
	if s.State(desc).Kind == Ready {
		return nil
	}
	ch := s.group.DoChan(desc.ID, func() (any, error) {
		return nil, s.ensure(desc)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

func (s *Store) ensure(desc catalog.Descriptor) error {
	e := s.entry(desc.ID)
	e.op.Lock()
	defer e.op.Unlock()

	if s.isClosed() {
		return ErrClosed
	}
	if s.State(desc).Kind == Ready {
		return nil
	}
	if !s.onDisk(desc) {
		if err := s.download(desc); err != nil {
			return err
		}
	}
	return s.load(desc)
}

func (s *Store) load(desc catalog.Descriptor) error {
	loader, ok := s.loaders[desc.Family]
	if !ok {
		err := fmt.Errorf("%w: no loader registered for family %q", ErrLoadFailed, desc.Family)
		s.fail(desc.ID, err)
		return err
	}

	if slot, ok := s.slots[desc.Family]; ok {
		slot.Lock()
		defer slot.Unlock()
		// The backend drops its current model as soon as it is asked for
		// another one, whether or not that load succeeds.
		s.displace(desc)
	}

	s.setState(desc.ID, State{Kind: Loading})
	start := time.Now()
	h, err := loader.Load(s.ctx, desc, s.Dir(desc))
	if s.recorder != nil {
		s.recorder.RecordModelLoad(s.ctx, desc.ID, time.Since(start), err)
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLoadFailed, err)
		s.fail(desc.ID, err)
		return err
	}

	s.mu.Lock()
	s.entryLocked(desc.ID).handle = h
	s.mu.Unlock()
	s.setState(desc.ID, State{Kind: Ready})
	slog.Info("model ready", "model", desc.ID, "family", desc.Family, "took", time.Since(start))
	return nil
}

// displace returns every other loaded descriptor of desc's family to its
// disk state before the backend swaps to desc. It takes no op locks: the
// family slot is held, and unloadLocked tolerates a handle that vanished.
func (s *Store) displace(desc catalog.Descriptor) {
	for _, other := range s.catalog.ByFamily(desc.Family) {
		if other.ID == desc.ID {
			continue
		}
		s.mu.Lock()
		e := s.entryLocked(other.ID)
		h := e.handle
		wasReady := e.state.Kind == Ready
		e.handle = nil
		s.mu.Unlock()
		if !wasReady && h == nil {
			continue
		}
		if h != nil {
			if err := h.Close(); err != nil {
				slog.Warn("model: closing displaced handle", "model", other.ID, "err", err)
			}
		}
		if wasReady {
			s.setState(other.ID, s.diskState(other))
		}
		slog.Info("model displaced", "model", other.ID, "by", desc.ID)
	}
}

// Handle returns the loaded handle of desc, if it is [Ready].
func (s *Store) Handle(desc catalog.Descriptor) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(desc.ID)
	if e.state.Kind != Ready || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// Unload releases the in-memory model of desc and returns it to [Present].
// It is safe to call on a descriptor that was never loaded.
func (s *Store) Unload(desc catalog.Descriptor) error {
	e := s.entry(desc.ID)
	e.op.Lock()
	defer e.op.Unlock()
	return s.unloadLocked(desc)
}

// unloadLocked requires the descriptor's op lock.
func (s *Store) unloadLocked(desc catalog.Descriptor) error {
	s.mu.Lock()
	e := s.entryLocked(desc.ID)
	h := e.handle
	e.handle = nil
	wasReady := e.state.Kind == Ready
	s.mu.Unlock()

	var err error
	if h != nil {
		if cerr := h.Close(); cerr != nil {
			err = fmt.Errorf("modelstore: unload %q: %w", desc.ID, cerr)
		}
	}
	if wasReady {
		s.setState(desc.ID, s.diskState(desc))
	}
	return err
}

// Acquire leases desc for the duration of a dictation session. Evict fails
// with [ErrInUse] while any lease is held. The returned release function is
// idempotent.
func (s *Store) Acquire(desc catalog.Descriptor) (release func()) {
	s.mu.Lock()
	s.entryLocked(desc.ID).leases++
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.entryLocked(desc.ID).leases--
			s.mu.Unlock()
		})
	}
}

// InUse reports whether desc is currently leased.
func (s *Store) InUse(desc catalog.Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(desc.ID).leases > 0
}

// Evict unloads desc, deletes its cache directory and resets it to
// [NotPresent]. It fails with [ErrInUse] while the descriptor is leased.
func (s *Store) Evict(desc catalog.Descriptor) error {
	if s.InUse(desc) {
		return fmt.Errorf("%w: %s", ErrInUse, desc.ID)
	}
	e := s.entry(desc.ID)
	e.op.Lock()
	defer e.op.Unlock()

	// Re-check under the op lock; a session may have started meanwhile.
	if s.InUse(desc) {
		return fmt.Errorf("%w: %s", ErrInUse, desc.ID)
	}
	unloadErr := s.unloadLocked(desc)
	if err := os.RemoveAll(s.Dir(desc)); err != nil {
		return errors.Join(unloadErr, fmt.Errorf("modelstore: evict %q: %w", desc.ID, err))
	}
	s.setState(desc.ID, s.diskState(desc))
	slog.Info("model evicted", "model", desc.ID)
	return unloadErr
}

// ClearCache evicts every catalog descriptor that is not leased. In-flight
// downloads are canceled first. Leased descriptors are skipped and reported
// as [ErrInUse] in the joined error.
func (s *Store) ClearCache() error {
	var errs []error
	for _, desc := range s.catalog.All() {
		if s.InUse(desc) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInUse, desc.ID))
			continue
		}
		s.CancelDownload(desc)
		if err := s.Evict(desc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CancelDownload aborts the in-flight download of desc. It reports whether a
// download was running.
func (s *Store) CancelDownload(desc catalog.Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(desc.ID)
	if e.cancelDL == nil {
		return false
	}
	e.cancelDL()
	return true
}

// CheckExistence rescans the cache and reconciles every catalog descriptor
// with what is on disk. It never loads a model, removes stale ".part" files
// and leaves descriptors with an operation in flight, or already [Ready],
// untouched.
func (s *Store) CheckExistence(ctx context.Context) error {
	for _, desc := range s.catalog.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := s.entry(desc.ID)
		if !e.op.TryLock() {
			continue
		}
		if s.State(desc).Kind == Ready {
			e.op.Unlock()
			continue
		}
		s.removeStaleParts(desc)
		s.setState(desc.ID, s.diskState(desc))
		e.op.Unlock()
	}
	return nil
}

// CheckExistenceAsync runs [Store.CheckExistence] in the background.
func (s *Store) CheckExistenceAsync() {
	go func() {
		if err := s.CheckExistence(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("model cache rescan failed", "err", err)
		}
	}()
}

// IsReady reports whether desc is loaded.
func (s *Store) IsReady(desc catalog.Descriptor) bool {
	return s.State(desc).Kind == Ready
}

// IsDownloading reports whether any descriptor is downloading.
func (s *Store) IsDownloading() bool {
	_, ok := s.DownloadProgress()
	return ok
}

// IsLoading reports whether any descriptor is loading.
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.state.Kind == Loading {
			return true
		}
	}
	return false
}

// DownloadProgress returns the progress of the in-flight download. ok is
// false when nothing is downloading.
func (s *Store) DownloadProgress() (progress float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.state.Kind == Downloading {
			return e.state.Progress, true
		}
	}
	return 0, false
}

// ModelsExistOnDisk reports whether any on-device model is present in the
// cache.
func (s *Store) ModelsExistOnDisk() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, desc := range s.catalog.All() {
		if !desc.Family.OnDevice() {
			continue
		}
		switch s.entryLocked(desc.ID).state.Kind {
		case Present, Loading, Ready:
			return true
		}
	}
	return false
}

// Close cancels in-flight downloads and closes every loaded handle.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	var errs []error
	for _, desc := range s.catalog.All() {
		if err := s.Unload(desc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(id)
}

func (s *Store) entryLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{state: State{Kind: NotPresent}}
		s.entries[id] = e
	}
	return e
}

func (s *Store) setState(id string, st State) {
	s.mu.Lock()
	e := s.entryLocked(id)
	if e.state.Kind == st.Kind && e.state.Progress == st.Progress && e.state.Reason == st.Reason {
		s.mu.Unlock()
		return
	}
	e.state = st
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	ev := Event{ModelID: id, State: st}
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) fail(id string, err error) {
	slog.Warn("model operation failed", "model", id, "err", err)
	s.setState(id, State{Kind: Failed, Reason: err.Error(), Err: err})
}

// onDisk reports whether every artifact of desc exists and is non-empty.
// Descriptors without artifacts are always on disk.
func (s *Store) onDisk(desc catalog.Descriptor) bool {
	for _, a := range desc.Artifacts {
		fi, err := os.Stat(s.ArtifactPath(desc, a.Name))
		if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
			return false
		}
	}
	return true
}

func (s *Store) diskState(desc catalog.Descriptor) State {
	if s.onDisk(desc) {
		return State{Kind: Present}
	}
	return State{Kind: NotPresent}
}

func (s *Store) removeStaleParts(desc catalog.Descriptor) {
	parts, err := filepath.Glob(filepath.Join(s.Dir(desc), "*"+partSuffix))
	if err != nil {
		return
	}
	for _, p := range parts {
		if err := os.Remove(p); err != nil {
			slog.Warn("failed to remove stale partial download", "path", p, "err", err)
			continue
		}
		slog.Debug("removed stale partial download", "path", p)
	}
}
