package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voxscribe/pkg/catalog"
)

const partSuffix = ".part"

// download fetches every missing artifact of desc. The caller holds the
// descriptor's op lock.
func (s *Store) download(desc catalog.Descriptor) (err error) {
	dir := s.Dir(desc)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		err = fmt.Errorf("%w: %w", ErrDownloadFailed, err)
		s.fail(desc.ID, err)
		return err
	}
	s.removeStaleParts(desc)

	total, done := s.expectedBytes(desc)
	if err := s.checkFreeSpace(dir, total-done); err != nil {
		s.fail(desc.ID, err)
		return err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.entryLocked(desc.ID).cancelDL = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.entryLocked(desc.ID).cancelDL = nil
		s.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	var fetched int64
	defer func() {
		if s.recorder != nil {
			s.recorder.RecordModelDownload(s.ctx, desc.ID, fetched, time.Since(start), err)
		}
	}()

	p := &progress{
		store:    s,
		id:       desc.ID,
		total:    total,
		done:     done,
		interval: s.progressInterval,
		step:     s.progressStep,
	}
	s.setState(desc.ID, State{Kind: Downloading, Progress: p.fraction()})
	slog.Info("downloading model", "model", desc.ID, "bytes", total-done)

	for _, a := range desc.Artifacts {
		if s.artifactPresent(desc, a) {
			continue
		}
		n, ferr := s.fetch(ctx, desc, a, p)
		fetched += n
		if ferr != nil {
			if ctx.Err() != nil && s.ctx.Err() == nil {
				// Canceled through CancelDownload: the user asked for this,
				// so reconcile to disk truth instead of reporting a failure.
				s.setState(desc.ID, s.diskState(desc))
				slog.Info("model download canceled", "model", desc.ID)
				return fmt.Errorf("%w: %w", ErrDownloadFailed, context.Canceled)
			}
			s.fail(desc.ID, ferr)
			return ferr
		}
	}

	p.finish()
	s.setState(desc.ID, State{Kind: Present})
	slog.Info("model downloaded", "model", desc.ID, "bytes", fetched, "took", time.Since(start))
	return nil
}

// fetch downloads one artifact into its .part file, verifies it and renames
// it into place. It returns the number of bytes received.
func (s *Store) fetch(ctx context.Context, desc catalog.Descriptor, a catalog.Artifact, p *progress) (int64, error) {
	final := s.ArtifactPath(desc, a.Name)
	part := final + partSuffix

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, a.Name, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, a.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %s: unexpected status %s", ErrDownloadFailed, a.Name, resp.Status)
	}
	if a.Size == 0 && resp.ContentLength > 0 {
		p.grow(resp.ContentLength)
	}

	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, a.Name, storageErr(err))
	}
	renamed := false
	defer func() {
		if !renamed {
			os.Remove(part)
		}
	}()

	hasher := sha256.New()
	w := io.MultiWriter(f, hasher, p)
	n, copyErr := io.Copy(w, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return n, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, a.Name, storageErr(copyErr))
	}
	if closeErr != nil {
		return n, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, a.Name, storageErr(closeErr))
	}
	if n == 0 {
		return n, fmt.Errorf("%w: %s: empty response body", ErrDownloadFailed, a.Name)
	}

	if a.SHA256 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, a.SHA256) {
			return n, fmt.Errorf("%w: %s: got %s, want %s", ErrChecksumMismatch, a.Name, got, strings.ToLower(a.SHA256))
		}
	}

	if err := os.Rename(part, final); err != nil {
		return n, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, a.Name, err)
	}
	renamed = true
	return n, nil
}

// storageErr maps a full volume to ErrInsufficientStorage and returns other
// errors unchanged.
func storageErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", ErrInsufficientStorage, err)
	}
	return err
}

func (s *Store) checkFreeSpace(dir string, need int64) error {
	if need <= 0 || s.freeSpace == nil {
		return nil
	}
	free, err := s.freeSpace(dir)
	if err != nil {
		slog.Debug("free space probe failed, skipping check", "dir", dir, "err", err)
		return nil
	}
	if uint64(need) > free {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientStorage, need, free)
	}
	return nil
}

// expectedBytes returns the total size of desc and the bytes already on disk.
// When artifact sizes are unknown the descriptor's approximate size is used.
func (s *Store) expectedBytes(desc catalog.Descriptor) (total, done int64) {
	known := true
	for _, a := range desc.Artifacts {
		if a.Size <= 0 {
			known = false
			continue
		}
		total += a.Size
		if s.artifactPresent(desc, a) {
			done += a.Size
		}
	}
	if !known && total == 0 {
		total = desc.ApproxSize
	}
	return total, done
}

func (s *Store) artifactPresent(desc catalog.Descriptor, a catalog.Artifact) bool {
	fi, err := os.Stat(s.ArtifactPath(desc, a.Name))
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// progress throttles download progress updates. An update is published only
// when the fraction grew by at least step and interval elapsed since the last
// one. The final 1.0 is published by finish regardless.
type progress struct {
	store    *Store
	id       string
	total    int64
	done     int64
	interval time.Duration
	step     float64

	last   float64
	lastAt time.Time
}

// Write implements [io.Writer] so progress can sit in an io.MultiWriter.
func (p *progress) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	f := p.fraction()
	if f <= p.last {
		return len(b), nil
	}
	if f-p.last < p.step || time.Since(p.lastAt) < p.interval {
		return len(b), nil
	}
	p.publish(f)
	return len(b), nil
}

func (p *progress) grow(n int64) { p.total += n }

// fraction stays below 1 until finish so that 1.0 is only reported once the
// artifacts are verified and in place.
func (p *progress) fraction() float64 {
	if p.total <= 0 {
		return 0
	}
	f := float64(p.done) / float64(p.total)
	if f >= 1 {
		return 0.999
	}
	return f
}

func (p *progress) finish() { p.publish(1) }

func (p *progress) publish(f float64) {
	p.last = f
	p.lastAt = time.Now()
	p.store.setState(p.id, State{Kind: Downloading, Progress: f})
}
