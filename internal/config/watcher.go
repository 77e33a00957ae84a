package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads a config file when it changes. It polls the file's mtime
// and only re-parses when that moves; a content hash filters out saves that
// did not change anything. An edit that fails to parse or validate is
// rejected and the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	// checkMu serialises checks so the poller and an explicit Check never
	// deliver callbacks out of order.
	checkMu sync.Mutex
	mtime   time.Time
	sum     [sha256.Size]byte

	mu      sync.RWMutex
	current *Config
	lastErr error

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange, when non-nil, is
// called with the previous and new config after every accepted edit, from
// the polling goroutine or from [Watcher.Check].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.mtime, w.sum = snap.cfg, snap.mtime, snap.sum

	go w.loop()
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Err returns why the most recent edit was rejected, or nil when the file
// on disk is the current config.
func (w *Watcher) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// Check looks at the file now instead of waiting for the next poll. It
// reports whether a new config was applied; err is non-nil when the file
// changed but was rejected.
func (w *Watcher) Check() (changed bool, err error) {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, w.reject(err)
	}
	if info.ModTime().Equal(w.mtime) {
		return false, w.Err()
	}

	snap, err := readSnapshot(w.path)
	if err != nil {
		// Remember the mtime so a broken file is reported once per save.
		w.mtime = info.ModTime()
		return false, w.reject(err)
	}
	w.mtime = snap.mtime
	if snap.sum == w.sum {
		w.setErr(nil)
		return false, nil
	}
	w.sum = snap.sum

	w.mu.Lock()
	old := w.current
	w.current = snap.cfg
	w.lastErr = nil
	w.mu.Unlock()

	slog.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true, nil
}

// Stop ends polling and waits for an in-flight check to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			_, _ = w.Check()
		}
	}
}

func (w *Watcher) reject(err error) error {
	if w.Err() == nil {
		slog.Warn("configuration edit rejected, keeping previous settings", "path", w.path, "err", err)
	}
	w.setErr(err)
	return err
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

type snapshot struct {
	cfg   *Config
	mtime time.Time
	sum   [sha256.Size]byte
}

// readSnapshot parses and validates path in one read.
func readSnapshot(path string) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
