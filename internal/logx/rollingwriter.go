package logx

import (
	"os"
	"sync"
)

// RollingFileWriter reopens its file if it is removed out from under it
// (e.g. by log rotation tooling), matching the teacher's rolling writer.
type RollingFileWriter struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewRollingFileWriter returns a writer for path, or io.Discard semantics
// (writes succeed silently) when path is empty.
func NewRollingFileWriter(path string) *RollingFileWriter {
	return &RollingFileWriter{path: path}
}

func (w *RollingFileWriter) ensureFile() error {
	if w.path == "" {
		return nil
	}
	if _, err := os.Stat(w.path); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if w.f != nil {
			_ = w.f.Close()
			w.f = nil
		}
	}
	if w.f == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.f = f
	}
	return nil
}

func (w *RollingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.path == "" {
		return len(p), nil
	}
	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *RollingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
