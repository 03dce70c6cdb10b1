// Package filestore is the hierarchical file store that export batches are
// read from and archived into.
package filestore

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotExist = errors.New("file does not exist")

type EntryType int

const (
	TypeFile EntryType = iota
	TypeDirectory
)

// Entry describes one file or directory. Paths are slash separated and
// relative to the store root.
type Entry struct {
	Name    string
	Path    string
	Type    EntryType
	Size    int64
	Created time.Time
}

// FileStore is implemented by Local.
type FileStore interface {
	// OpenFile returns nil when path does not exist.
	OpenFile(ctx context.Context, path string) (*File, error)
	Enumerate(ctx context.Context, dir string) ([]Entry, error)
	Create(ctx context.Context, path string, r io.Reader) (*Entry, error)
	Delete(ctx context.Context, path string) error
	// Move places path inside destDir under its current name and returns the new path.
	Move(ctx context.Context, path, destDir string) (string, error)
	SetLifetime(ctx context.Context, path string, ttl time.Duration) error
	// Expiry returns the lifetime deadline of path, if one was set.
	Expiry(path string) (time.Time, bool)
}

// File is an existing file whose content is read on demand.
type File struct {
	Entry
	open func() (io.ReadCloser, error)
}

func (f *File) Reader() (io.ReadCloser, error) {
	return f.open()
}
