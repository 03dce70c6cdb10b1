package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/clock"
	"github.com/msageha/exportd/internal/lock"
	yamlutil "github.com/msageha/exportd/internal/yaml"
)

const lifetimeFileType = "lifetime_index"

type lifetimeIndex struct {
	yamlutil.Header `yaml:",inline"`
	Expiry          map[string]time.Time `yaml:"expiry"`
}

// Local stores files under a root directory. Creation time is the file's
// modification time. Lifetimes are kept in a YAML index outside the root.
type Local struct {
	root      string
	indexPath string
	clock     clock.Clock
	logger    zerolog.Logger
	locks     *lock.MutexMap

	mu    sync.Mutex
	index lifetimeIndex
}

// NewLocal opens a store rooted at root with its lifetime index at indexPath.
func NewLocal(root, indexPath string, c clock.Clock, logger zerolog.Logger) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	l := &Local{
		root:      root,
		indexPath: indexPath,
		clock:     c,
		logger:    logger.With().Str("component", "filestore").Logger(),
		locks:     lock.NewMutexMap(),
	}
	if err := l.loadIndex(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Local) loadIndex() error {
	l.index = lifetimeIndex{
		Header: yamlutil.Header{SchemaVersion: yamlutil.CurrentSchemaVersion, FileType: lifetimeFileType},
		Expiry: map[string]time.Time{},
	}
	_, err := yamlutil.Read(l.indexPath, lifetimeFileType, &l.index)
	if errors.Is(err, yamlutil.ErrCorrupt) {
		l.logger.Warn().Err(err).Msg("lifetime index corrupt, recovering")
		quarantine := filepath.Join(filepath.Dir(l.indexPath), "quarantine")
		restored, rerr := yamlutil.Recover(quarantine, l.indexPath, lifetimeFileType, &l.index)
		if rerr != nil {
			return rerr
		}
		if !restored {
			l.index.Expiry = map[string]time.Time{}
		}
		err = nil
	}
	if err != nil {
		return fmt.Errorf("load lifetime index: %w", err)
	}
	if l.index.Expiry == nil {
		l.index.Expiry = map[string]time.Time{}
	}
	return nil
}

func (l *Local) abs(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(path.Clean("/"+p)))
}

func toEntry(p string, info fs.FileInfo) Entry {
	e := Entry{
		Name:    info.Name(),
		Path:    p,
		Size:    info.Size(),
		Created: info.ModTime().UTC(),
	}
	if info.IsDir() {
		e.Type = TypeDirectory
		e.Size = 0
	}
	return e
}

func (l *Local) OpenFile(ctx context.Context, p string) (*File, error) {
	full := l.abs(p)
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory", p)
	}
	return &File{
		Entry: toEntry(path.Clean(p), info),
		open:  func() (io.ReadCloser, error) { return os.Open(full) },
	}, nil
}

// Enumerate lists dir sorted by name. Dot files are skipped.
func (l *Local) Enumerate(ctx context.Context, dir string) ([]Entry, error) {
	des, err := os.ReadDir(l.abs(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("enumerate %s: %w", dir, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", dir, err)
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between readdir and stat
			continue
		}
		out = append(out, toEntry(path.Join(dir, de.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Local) Create(ctx context.Context, p string, r io.Reader) (*Entry, error) {
	l.locks.Lock(p)
	defer l.locks.Unlock(p)

	full := l.abs(p)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", p, err)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	e := toEntry(path.Clean(p), info)
	return &e, nil
}

func (l *Local) Delete(ctx context.Context, p string) error {
	l.locks.Lock(p)
	defer l.locks.Unlock(p)

	if err := os.Remove(l.abs(p)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", p, ErrNotExist)
		}
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return l.forget(p)
}

func (l *Local) Move(ctx context.Context, p, destDir string) (string, error) {
	l.locks.Lock(p)
	defer l.locks.Unlock(p)

	dest := path.Join(destDir, path.Base(p))
	if err := os.MkdirAll(l.abs(destDir), 0755); err != nil {
		return "", fmt.Errorf("move %s: %w", p, err)
	}
	if err := os.Rename(l.abs(p), l.abs(dest)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("move %s: %w", p, ErrNotExist)
		}
		return "", fmt.Errorf("move %s: %w", p, err)
	}
	if err := l.forget(p); err != nil {
		return dest, err
	}
	return dest, nil
}

func (l *Local) SetLifetime(ctx context.Context, p string, ttl time.Duration) error {
	if _, err := os.Stat(l.abs(p)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set lifetime %s: %w", p, ErrNotExist)
		}
		return fmt.Errorf("set lifetime %s: %w", p, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index.Expiry[path.Clean(p)] = l.clock.Now().Add(ttl)
	return yamlutil.Write(l.indexPath, l.index)
}

// Expiry returns the lifetime deadline of p, if one was set.
func (l *Local) Expiry(p string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.index.Expiry[path.Clean(p)]
	return t, ok
}

func (l *Local) forget(p string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := path.Clean(p)
	if _, ok := l.index.Expiry[key]; !ok {
		return nil
	}
	delete(l.index.Expiry, key)
	return yamlutil.Write(l.indexPath, l.index)
}

// Sweep deletes every file whose lifetime has passed and returns how many
// were removed.
func (l *Local) Sweep(ctx context.Context) (int, error) {
	now := l.clock.Now()
	l.mu.Lock()
	var expired []string
	for p, t := range l.index.Expiry {
		if !t.After(now) {
			expired = append(expired, p)
		}
	}
	l.mu.Unlock()
	sort.Strings(expired)

	removed := 0
	for _, p := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := l.Delete(ctx, p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrNotExist):
			if err := l.forget(p); err != nil {
				return removed, err
			}
		default:
			l.logger.Warn().Err(err).Str("path", p).Msg("failed to delete expired file")
		}
	}
	return removed, nil
}
