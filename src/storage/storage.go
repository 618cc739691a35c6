// Package storage decides where screenshots live, writes them and registers
// them with the system media index.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"screenshotd/src/capture"
)

const (
	DefaultSubdir = "ImageOCR"
	MimePNG       = "image/png"
)

// Indexer registers a stored file with a media index.
type Indexer interface {
	Name() string
	Index(ctx context.Context, path, mime string) error
}

// Writer owns the screenshot directory `<root>/<subdir>`.
type Writer struct {
	dir      string
	now      func() time.Time
	indexers []Indexer
	mkdirAll func(string, os.FileMode) error
}

type Option func(*Writer)

// WithClock overrides the time source used for file names.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithIndexers sets the media index mechanisms tried by Finalize.
func WithIndexers(indexers ...Indexer) Option {
	return func(w *Writer) { w.indexers = append(w.indexers, indexers...) }
}

func New(root, subdir string, opts ...Option) *Writer {
	if subdir == "" {
		subdir = DefaultSubdir
	}
	w := &Writer{
		dir:      filepath.Join(root, subdir),
		now:      time.Now,
		mkdirAll: os.MkdirAll,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the screenshot directory.
func (w *Writer) Dir() string { return w.dir }

// PreparePath makes sure the directory exists and returns a fresh target
// path named screenshot_<unix-millis>.png. Creation is attempted once.
func (w *Writer) PreparePath() (string, error) {
	if st, err := os.Stat(w.dir); err != nil || !st.IsDir() {
		if err := w.mkdirAll(w.dir, 0o755); err != nil {
			return "", capture.Wrap(err, capture.DirectoryCreateFailed, "failed to create directory "+w.dir)
		}
		slog.Info("created screenshot directory", "dir", w.dir)
	}
	name := fmt.Sprintf("screenshot_%d.png", w.now().UnixMilli())
	return filepath.Join(w.dir, name), nil
}

// Write stores encoded image bytes.
func (w *Writer) Write(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return capture.Wrap(err, capture.EncodeFailed, "failed to save screenshot "+path)
	}
	return nil
}

// Finalize registers path with every configured media index. Failures are
// logged and never fail the capture. It returns how many mechanisms succeeded.
func (w *Writer) Finalize(ctx context.Context, path string) int {
	registered := 0
	for _, ix := range w.indexers {
		if err := ix.Index(ctx, path, MimePNG); err != nil {
			slog.Warn("media index registration failed", "indexer", ix.Name(), "path", path, "error", err)
			continue
		}
		registered++
		slog.Debug("media index registration done", "indexer", ix.Name(), "path", path)
	}
	return registered
}

// FileURI returns the file:// URI of an absolute path.
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
