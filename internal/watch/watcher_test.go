package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/siacta/internal/storage"
)

type fakeRegistrar struct {
	mu    sync.Mutex
	files map[string]string
	calls int
	err   error
}

func (f *fakeRegistrar) Register(_ context.Context, filename, _ string, body io.Reader) (storage.Document, error) {
	data, _ := io.ReadAll(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return storage.Document{}, f.err
	}
	if f.files == nil {
		f.files = make(map[string]string)
	}
	f.files[filename] = string(data)
	return storage.Document{ID: "doc-" + filename}, nil
}

func (f *fakeRegistrar) snapshot() (map[string]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out, f.calls
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{".hidden.pdf", true},
		{".DS_Store", true},
		{"notes.pdf", false},
		{"file.hidden", false},
		{".", false},
		{"..", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isHidden(tt.name))
		})
	}
}

func TestAccepts(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, &fakeRegistrar{})

	write := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("content"), 0o644))
		return p
	}
	sub := filepath.Join(dir, "sub.pdf")
	require.NoError(t, os.Mkdir(sub, 0o755))

	tests := []struct {
		name string
		path string
		op   fsnotify.Op
		want bool
	}{
		{"create supported file", write("notes.pdf"), fsnotify.Create, true},
		{"write supported file", write("notes.txt"), fsnotify.Write, true},
		{"chmod is ignored", write("chmod.md"), fsnotify.Chmod, false},
		{"remove is ignored", filepath.Join(dir, "gone.pdf"), fsnotify.Remove, false},
		{"rename away is ignored", filepath.Join(dir, "old.pdf"), fsnotify.Rename, false},
		{"hidden file", write(".secret.pdf"), fsnotify.Create, false},
		{"unsupported extension", write("image.png"), fsnotify.Create, false},
		{"directory", sub, fsnotify.Create, false},
		{"vanished before stat", filepath.Join(dir, "vanished.pdf"), fsnotify.Create, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.accepts(fsnotify.Event{Name: tt.path, Op: tt.op}))
		})
	}
}

func TestSchedule_DebouncesRepeatedEvents(t *testing.T) {
	dir := t.TempDir()
	reg := &fakeRegistrar{}
	w := New(dir, reg, WithDebounce(50*time.Millisecond))
	path := filepath.Join(dir, "draft.md")
	require.NoError(t, os.WriteFile(path, []byte("final"), 0o644))

	ctx := context.Background()
	for range 5 {
		w.schedule(ctx, path)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		_, calls := reg.snapshot()
		return calls == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	files, calls := reg.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "final", files["draft.md"])
	w.stop()
}

func TestStop_CancelsPendingRegistrations(t *testing.T) {
	dir := t.TempDir()
	reg := &fakeRegistrar{}
	w := New(dir, reg, WithDebounce(time.Hour))
	path := filepath.Join(dir, "later.pdf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	w.schedule(context.Background(), path)
	w.stop()
	w.schedule(context.Background(), path)

	_, calls := reg.snapshot()
	assert.Zero(t, calls)
	assert.Empty(t, w.pending)
}

func TestRegister_ErrorIsLogged(t *testing.T) {
	dir := t.TempDir()
	reg := &fakeRegistrar{err: errors.New("disk full")}
	w := New(dir, reg)
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	w.register(context.Background(), path)
	w.register(context.Background(), filepath.Join(dir, "missing.txt"))

	_, calls := reg.snapshot()
	assert.Equal(t, 1, calls)
}

func TestRun_RegistersDroppedFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	reg := &fakeRegistrar{}
	w := New(dir, reg, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Run creates the inbox; wait for it before dropping files.
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "paper.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.pdf"), []byte("tmp"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("jpg"), 0o644))

	require.Eventually(t, func() bool {
		files, _ := reg.snapshot()
		return files["paper.pdf"] == "%PDF"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	files, _ := reg.snapshot()
	assert.Len(t, files, 1)
}
