package filesource

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MadBomber/htm/internal/logging"
)

// DefaultDebounce coalesces rapid editor write bursts into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads files into memory as they change on disk.
type Watcher struct {
	loader   *Loader
	robotID  int64
	debounce time.Duration
	allowed  map[string]struct{}

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher starts watching the given directories, reloading changed
// files for the robot. Extensions default to the loader defaults.
func NewWatcher(loader *Loader, robotID int64, dirs []string, extensions []string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		loader:   loader,
		robotID:  robotID,
		debounce: debounce,
		allowed:  make(map[string]struct{}, len(extensions)),
		fsw:      fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}
	for _, ext := range extensions {
		w.allowed[strings.ToLower(ext)] = struct{}{}
	}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warnf(logging.CategoryFileSource, "watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if _, ok := w.allowed[strings.ToLower(filepath.Ext(ev.Name))]; !ok {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create):
		w.schedule(ctx, ev.Name, func() {
			if _, err := w.loader.LoadFile(ctx, w.robotID, ev.Name); err != nil {
				logging.Warnf(logging.CategoryFileSource, "reload of %s failed: %v", ev.Name, err)
			}
		})
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		w.schedule(ctx, ev.Name, func() {
			if _, err := w.loader.UnloadFile(ctx, ev.Name); err != nil {
				logging.Debugf(logging.CategoryFileSource, "unload of %s skipped: %v", ev.Name, err)
			}
		})
	}
}

// schedule debounces per path; a newer event resets the timer.
func (w *Watcher) schedule(ctx context.Context, path string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if ctx.Err() == nil {
			fn()
		}
	})
}

// Close stops watching and cancels pending reloads.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.fsw.Close()
	<-w.done

	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()
	return err
}
