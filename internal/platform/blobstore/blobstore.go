// Package blobstore persists migration artifacts: source CSV files,
// validation reports, identifier maps, and the append-only ledgers that make
// runs resumable. It defines the Store interface, a local filesystem
// implementation, and an S3-backed implementation for shared runs.
package blobstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNotFound is returned when the named artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
)

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is the contract for artifact storage backends. Names are
// slash-separated paths relative to the store root, e.g.
// "ledgers/done_allergy.csv".
type Store interface {
	// Get reads the full contents of the named artifact.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put writes the artifact, replacing any existing contents.
	Put(ctx context.Context, name string, data []byte) error

	// Append adds data to the end of the artifact, creating it if absent.
	// Ledger durability depends on Append returning only after the write
	// is persisted.
	Append(ctx context.Context, name string, data []byte) error

	// Exists reports whether the named artifact is present.
	Exists(ctx context.Context, name string) (bool, error)
}

// ---------------------------------------------------------------------------
// Local filesystem implementation
// ---------------------------------------------------------------------------

// Local stores artifacts under a root directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal returns a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: dir}, nil
}

func (l *Local) path(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

// Get reads the full contents of the named artifact.
func (l *Local) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(l.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put writes the artifact, replacing any existing contents.
func (l *Local) Put(_ context.Context, name string, data []byte) error {
	p := l.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// Append adds data to the end of the artifact, creating it if absent. The
// file is synced before returning so a resumed run never misses a ledger
// line that a submission already depended on.
func (l *Local) Append(_ context.Context, name string, data []byte) error {
	p := l.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Exists reports whether the named artifact is present.
func (l *Local) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(l.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
