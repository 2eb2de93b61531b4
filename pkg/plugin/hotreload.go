package plugin

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"PluginRuntime/pkg/logger"
)

// ChangeWatcher notifies when a plugin's backing module changes.
type ChangeWatcher interface {
	// Watch registers onChange for path. The returned cancel is idempotent.
	Watch(path string, onChange func()) (cancel func(), err error)
	Close() error
}

// DefaultDebounce coalesces bursts of writes into one change notification.
const DefaultDebounce = 250 * time.Millisecond

// ErrWatcherClosed is returned by Watch after Close.
var ErrWatcherClosed = errors.New("watcher closed")

// FSWatcher watches module files with fsnotify. Parent directories are
// watched so that editors replacing files via rename are still observed.
type FSWatcher struct {
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	closed  bool
	nextID  int
	files   map[string]map[int]func()
	dirs    map[string]int
	pending map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFSWatcher starts an fsnotify backed watcher.
func NewFSWatcher(debounce time.Duration) (*FSWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &FSWatcher{
		debounce: debounce,
		fsw:      fsw,
		files:    make(map[string]map[int]func()),
		dirs:     make(map[string]int),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Watch implements ChangeWatcher.
func (w *FSWatcher) Watch(path string, onChange func()) (func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWatcherClosed
	}
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return nil, err
		}
	}
	w.dirs[dir]++
	if w.files[abs] == nil {
		w.files[abs] = make(map[int]func())
	}
	id := w.nextID
	w.nextID++
	w.files[abs][id] = onChange

	var once sync.Once
	return func() { once.Do(func() { w.unwatch(abs, dir, id) }) }, nil
}

func (w *FSWatcher) unwatch(abs, dir string, id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	delete(w.files[abs], id)
	if len(w.files[abs]) == 0 {
		delete(w.files, abs)
		if t := w.pending[abs]; t != nil {
			t.Stop()
			delete(w.pending, abs)
		}
	}
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.fsw.Remove(dir)
	}
}

func (w *FSWatcher) loop() {
	defer w.wg.Done()
	log := logger.Named("hotreload")
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(filepath.Clean(evt.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("watch error", "error", err)
		}
	}
}

func (w *FSWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(w.files[path]) == 0 {
		return
	}
	if t := w.pending[path]; t != nil {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *FSWatcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.closed {
		w.mu.Unlock()
		return
	}
	callbacks := make([]func(), 0, len(w.files[path]))
	for _, fn := range w.files[path] {
		callbacks = append(callbacks, fn)
	}
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Close stops the watcher and drops pending notifications.
func (w *FSWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = nil
	w.mu.Unlock()
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// ManualWatcher is a ChangeWatcher driven by Trigger. It suits tests and
// hosts that learn about module changes from an external channel.
type ManualWatcher struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func()
}

// NewManualWatcher returns an empty manual watcher.
func NewManualWatcher() *ManualWatcher {
	return &ManualWatcher{subs: make(map[string]map[int]func())}
}

// Watch implements ChangeWatcher.
func (m *ManualWatcher) Watch(path string, onChange func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]func())
	}
	id := m.nextID
	m.nextID++
	m.subs[path][id] = onChange
	return func() {
		m.mu.Lock()
		delete(m.subs[path], id)
		m.mu.Unlock()
	}, nil
}

// Watching reports how many subscriptions exist for path.
func (m *ManualWatcher) Watching(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[path])
}

// Trigger invokes every callback registered for path.
func (m *ManualWatcher) Trigger(path string) {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.subs[path]))
	for _, fn := range m.subs[path] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Close implements ChangeWatcher.
func (m *ManualWatcher) Close() error { return nil }
