// Package lock provides in-process keyed mutexes and the host-level daemon lock.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// MutexMap hands out one mutex per key. Entries are dropped once no
// goroutine holds or waits for them.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{mutexes: make(map[string]*refMutex)}
}

func (m *MutexMap) Lock(key string) {
	m.mu.Lock()
	rm, ok := m.mutexes[key]
	if !ok {
		rm = &refMutex{}
		m.mutexes[key] = rm
	}
	rm.refs++
	m.mu.Unlock()

	rm.Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.mutexes[key]
	if !ok {
		panic("lock: Unlock of unlocked key " + key)
	}
	rm.refs--
	if rm.refs == 0 {
		delete(m.mutexes, key)
	}
	rm.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

// FileLock is an exclusive flock on a PID file, one daemon per state directory.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another exportd may be running): %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}
	fl.file = f
	return nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	os.Remove(fl.path)
	fl.file = nil
	return nil
}
