// Package logging builds the service's structured logger and provides a
// rotating file writer for file-backed output. Rotation is by size; a
// configurable number of rotated files is kept and files older than a
// maximum age are pruned.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const rotateStamp = "20060102-150405"

// RotatingWriter is an io.WriteCloser that rotates its file by size.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	written    int64
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

// NewRotatingWriter opens the log file (creating parent directories if
// needed) and returns a writer that rotates when the file would exceed
// maxSizeMB. Rotated files are named <base>-<timestamp><ext>; at most
// maxBackups of them are kept and files older than maxAgeDays are removed.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.written = info.Size()
	return nil
}

// Write rotates the file first if appending p would exceed the size limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// splitPath returns the path without extension and the extension,
// defaulting to ".log" when the path has none.
func (w *RotatingWriter) splitPath() (string, string) {
	ext := filepath.Ext(w.path)
	base := strings.TrimSuffix(w.path, ext)
	if ext == "" {
		ext = ".log"
	}
	return base, ext
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
	}

	base, ext := w.splitPath()
	rotated := fmt.Sprintf("%s-%s%s", base, time.Now().Format(rotateStamp), ext)
	os.Rename(w.path, rotated) //nolint:errcheck

	if err := w.open(); err != nil {
		return err
	}

	// Prune in the background so a slow directory scan never blocks Write.
	go w.prune()
	return nil
}

// prune removes rotated files beyond maxBackups (oldest first) and any
// rotated file older than maxAge.
func (w *RotatingWriter) prune() {
	base, ext := w.splitPath()
	dir := filepath.Dir(w.path)
	prefix := filepath.Base(base) + "-"
	current := filepath.Base(w.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if name == current || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		rotated = append(rotated, name)
	}

	// The timestamp format sorts lexically, so ascending order is oldest
	// first.
	sort.Strings(rotated)

	for len(rotated) > w.maxBackups {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	cutoff := time.Now().Add(-w.maxAge)
	for _, name := range rotated {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path) //nolint:errcheck
		}
	}
}
