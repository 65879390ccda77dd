// Package watch registers files dropped into an inbox directory as documents.
package watch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/siacta/internal/extract"
	"github.com/kalambet/siacta/internal/storage"
)

const defaultDebounce = 500 * time.Millisecond

// Registrar stores a file as a new document and starts its ingestion.
type Registrar interface {
	Register(ctx context.Context, filename, mimeType string, body io.Reader) (storage.Document, error)
}

type Option func(*Watcher)

// WithDebounce sets how long a path must stay quiet before it is registered.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// Watcher watches one directory (not recursively). Each file is registered
// once its create and write events have settled for the debounce period.
type Watcher struct {
	dir      string
	reg      Registrar
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func New(dir string, reg Registrar, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		reg:      reg,
		debounce: defaultDebounce,
		logger:   slog.Default(),
		pending:  make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run watches until ctx is cancelled. Files already in the directory when Run
// starts are left alone.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox %s: %w", w.dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching inbox", "dir", w.dir)

	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.accepts(ev) {
				w.schedule(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

// accepts reports whether ev names a regular, visible, supported file that was
// created or written.
func (w *Watcher) accepts(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	if isHidden(filepath.Base(ev.Name)) || !extract.Supported(ev.Name) {
		return false
	}
	info, err := os.Stat(ev.Name)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return true
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.wg.Add(1)
		w.mu.Unlock()
		defer w.wg.Done()
		w.register(ctx, path)
	})
}

func (w *Watcher) register(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("opening inbox file", "path", path, "error", err)
		return
	}
	defer f.Close()

	doc, err := w.reg.Register(ctx, filepath.Base(path), "", f)
	if err != nil {
		w.logger.Warn("registering inbox file", "path", path, "error", err)
		return
	}
	w.logger.Info("inbox file registered", "path", path, "document_id", doc.ID)
}

// stop cancels timers that have not fired and waits for running
// registrations.
func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
