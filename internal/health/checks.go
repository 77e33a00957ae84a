package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Pinger is implemented by backends that can verify their connection, such
// as the Postgres history store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a [Checker] that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// DirWritable returns a [Checker] that passes when a file can be created in
// dir. The directory is created if missing.
func DirWritable(name, dir string) Checker {
	return Checker{Name: name, Check: func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Base(dir), err)
		}
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("%s is not writable: %w", filepath.Base(dir), err)
		}
		name := f.Name()
		return errors.Join(f.Close(), os.Remove(name))
	}}
}

// Func adapts a plain predicate into a [Checker] failing with reason when ok
// returns false.
func Func(name, reason string, ok func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if !ok() {
			return errors.New(reason)
		}
		return nil
	}}
}
