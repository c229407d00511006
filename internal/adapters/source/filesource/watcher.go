package filesource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jbctechsolutions/pulsesync/internal/application/ports"
	"github.com/jbctechsolutions/pulsesync/internal/domain/metric"
)

// Compile-time check that Watcher implements ChangeNotifierPort.
var _ ports.ChangeNotifierPort = (*Watcher)(nil)

// WatcherConfig holds configuration for the sample file watcher.
type WatcherConfig struct {
	DebounceDuration time.Duration
	BufferSize       int
}

// DefaultWatcherConfig returns sensible default configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		DebounceDuration: 500 * time.Millisecond,
		BufferSize:       100,
	}
}

// Watcher turns writes to sample files into change notifications. It wraps
// fsnotify with per-file debouncing so an appending writer produces one
// notification per burst.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	config    WatcherConfig
	root      string
	changes   chan ports.SourceChange
	errors    chan error

	pending   map[string]time.Time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mu     sync.Mutex
}

// NewWatcher creates a watcher with the given configuration.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.DebounceDuration <= 0 {
		cfg.DebounceDuration = DefaultWatcherConfig().DebounceDuration
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		fsWatcher: fsWatcher,
		config:    cfg,
		changes:   make(chan ports.SourceChange, cfg.BufferSize),
		errors:    make(chan error, cfg.BufferSize),
		pending:   make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Watch starts watching root and every owner directory beneath it. Owner
// directories created later are picked up automatically.
func (w *Watcher) Watch(root string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.root = filepath.Clean(root)
	w.mu.Unlock()

	if err := os.MkdirAll(w.root, 0755); err != nil {
		return err
	}
	if err := w.fsWatcher.Add(w.root); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := w.fsWatcher.Add(filepath.Join(w.root, e.Name())); err != nil {
			return err
		}
	}

	w.wg.Add(2)
	go w.processEvents()
	go w.debounceProcessor()
	return nil
}

// Changes returns the notification channel. It is closed by Close.
func (w *Watcher) Changes() <-chan ports.SourceChange {
	return w.changes
}

// Errors returns the channel for receiving watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	err := w.fsWatcher.Close()
	w.wg.Wait()

	close(w.changes)
	close(w.errors)
	return err
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create && filepath.Dir(event.Name) == w.root {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsWatcher.Add(event.Name); err != nil {
				select {
				case w.errors <- err:
				default:
				}
			}
			return
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if _, _, ok := w.parsePath(event.Name); !ok {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = time.Now()
	w.pendingMu.Unlock()
}

func (w *Watcher) debounceProcessor() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.emitStable()
		}
	}
}

func (w *Watcher) emitStable() {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	now := time.Now()
	for path, at := range w.pending {
		if now.Sub(at) < w.config.DebounceDuration {
			continue
		}
		delete(w.pending, path)

		owner, metricType, _ := w.parsePath(path)
		select {
		case w.changes <- ports.SourceChange{OwnerID: owner, MetricType: metricType, At: at}:
		default:
			// the scheduler's periodic pass covers dropped notifications
		}
	}
}

// parsePath maps <root>/<owner>/<metric_type>.jsonl to its owner and type.
func (w *Watcher) parsePath(path string) (string, metric.Type, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || parts[0] == "" || parts[0] == ".." {
		return "", "", false
	}
	name := parts[1]
	if !strings.HasSuffix(name, FileExt) {
		return "", "", false
	}
	t, err := metric.ParseType(strings.TrimSuffix(name, FileExt))
	if err != nil {
		return "", "", false
	}
	return parts[0], t, true
}
