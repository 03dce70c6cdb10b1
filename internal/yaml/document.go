// Package yaml persists small versioned YAML documents. Writes replace the
// file atomically and keep the previous version as a .bak; reads recover a
// corrupt document from that backup after quarantining it.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

var ErrCorrupt = errors.New("corrupt document")

// Header is the common prefix of every document.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// Write marshals doc and atomically replaces path with it.
func Write(path string, doc any) error {
	content, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return writeAtomic(path, content)
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".exportd-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// re-read what landed on disk before it replaces the live copy
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var parsed any
	if err := yamlv3.Unmarshal(written, &parsed); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// Read loads path into out after checking its header. It returns false when
// the file does not exist and wraps ErrCorrupt when it cannot be trusted.
func Read(path, fileType string, out any) (bool, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := decode(content, fileType, out); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return true, nil
}

func decode(content []byte, fileType string, out any) error {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType != fileType:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, fileType)
	}
	return yamlv3.Unmarshal(content, out)
}

// Recover moves a corrupt path into quarantineDir and restores the .bak copy
// if that one decodes. It reports whether a backup was restored into out.
func Recover(quarantineDir, path, fileType string, out any) (bool, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return false, fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405"))
	if err := os.Rename(path, filepath.Join(quarantineDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("move to quarantine: %w", err)
	}

	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return false, nil
	}
	if err := decode(content, fileType, out); err != nil {
		return false, nil
	}
	if err := writeAtomic(path, content); err != nil {
		return false, fmt.Errorf("restore from backup: %w", err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
