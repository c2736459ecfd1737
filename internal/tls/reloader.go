package tls

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avatls/internal/observability"
)

// ReloadEventType represents the type of reload event.
type ReloadEventType int

// Reload event type constants.
const (
	// ReloadEventReloaded indicates a new engine replaced the previous one.
	ReloadEventReloaded ReloadEventType = iota

	// ReloadEventError indicates a rebuild or watch failure; the previous engine stays active.
	ReloadEventError
)

// String returns the string representation of the event type.
func (t ReloadEventType) String() string {
	switch t {
	case ReloadEventReloaded:
		return "reloaded"
	case ReloadEventError:
		return "error"
	default:
		return "unknown"
	}
}

// ReloadEvent is emitted by a Reloader.
type ReloadEvent struct {
	Type   ReloadEventType
	Engine *Engine
	Error  error
}

// Reloader keeps an Engine current with the files its Certificates refer
// to. A change produces a fresh engine; engines are never mutated, and
// sessions of a replaced engine keep running until closed.
type Reloader struct {
	mode  Mode
	certs Certificates
	opts  []Option

	current atomic.Pointer[Engine]
	logger  observability.Logger
	metrics MetricsRecorder

	watcher *fsnotify.Watcher
	// watched maps each referenced path to whether it is a CA directory.
	watched   map[string]bool
	eventCh   chan ReloadEvent
	stopCh    chan struct{}
	stoppedCh chan struct{}

	debounceDelay time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
}

// ReloaderOption is a functional option for configuring a Reloader.
type ReloaderOption func(*Reloader)

// WithDebounceDelay sets the debounce delay for file change events.
func WithDebounceDelay(delay time.Duration) ReloaderOption {
	return func(r *Reloader) {
		r.debounceDelay = delay
	}
}

// WithReloaderLogger sets the logger of the reloader.
func WithReloaderLogger(logger observability.Logger) ReloaderOption {
	return func(r *Reloader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReloaderMetrics sets the metrics recorder of the reloader.
func WithReloaderMetrics(metrics MetricsRecorder) ReloaderOption {
	return func(r *Reloader) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// NewReloader builds the initial engine. Construction errors are returned
// unchanged.
func NewReloader(mode Mode, certs Certificates, engineOpts []Option, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		mode:          mode,
		certs:         certs,
		opts:          engineOpts,
		logger:        observability.NopLogger(),
		metrics:       NewNopMetrics(),
		watched:       make(map[string]bool),
		eventCh:       make(chan ReloadEvent, 10),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(r)
	}

	engine, err := NewEngine(mode, certs, engineOpts...)
	if err != nil {
		return nil, err
	}
	r.current.Store(engine)

	for _, path := range watchedPaths(certs) {
		if path != "" {
			r.watched[filepath.Clean(path)] = false
		}
	}
	if dir := watchedDirectory(certs); dir != "" {
		r.watched[filepath.Clean(dir)] = true
	}

	return r, nil
}

// Engine returns the active engine.
func (r *Reloader) Engine() *Engine {
	return r.current.Load()
}

// Events returns the channel receiving reload events.
func (r *Reloader) Events() <-chan ReloadEvent {
	return r.eventCh
}

// Start begins watching the referenced files. It is a no-op when the
// certificates reference no files.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrEngineClosed
	}
	if r.started {
		return nil
	}

	if len(r.watched) == 0 {
		r.logger.Debug("engine hot-reload disabled (no files referenced)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Files are watched through their parent so replacements by rename are
	// seen; CA directories are watched themselves.
	dirs := make(map[string]bool)
	for path, isDir := range r.watched {
		dir := path
		if !isDir {
			dir = filepath.Dir(path)
		}
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		r.logger.Info("watching certificate directory", observability.String("path", dir))
	}

	r.watcher = watcher
	r.started = true
	go r.watchLoop(ctx)

	return nil
}

// Close stops watching, closes the active engine and the event channel.
func (r *Reloader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)

	var errs []error
	if started {
		<-r.stoppedCh
		if err := r.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file watcher: %w", err))
		}
	}
	close(r.eventCh)

	if engine := r.current.Load(); engine != nil {
		if err := engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (r *Reloader) watchLoop(ctx context.Context) {
	defer close(r.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("engine reloader stopped due to context cancellation")
			return

		case <-r.stopCh:
			r.logger.Info("engine reloader stopped")
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.relevant(event) {
				continue
			}
			r.logger.Debug("certificate file changed",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(r.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			r.Reload()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", observability.Error(err))
			r.sendEvent(ReloadEvent{Type: ReloadEventError, Error: err})
		}
	}
}

// relevant matches writes and creates of watched files, or of anything in a
// watched CA directory.
func (r *Reloader) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	path := filepath.Clean(event.Name)
	if _, ok := r.watched[path]; ok {
		return true
	}
	return r.watched[filepath.Dir(path)]
}

// Reload rebuilds the engine now. On failure the previous engine stays active.
func (r *Reloader) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	engine, err := NewEngine(r.mode, r.certs, r.opts...)
	if err != nil {
		r.metrics.RecordEngineReload(false)
		r.logger.Error("failed to rebuild engine",
			observability.String("kind", KindOf(err).String()),
			observability.Error(err),
		)
		r.sendEvent(ReloadEvent{Type: ReloadEventError, Error: err})
		return
	}

	r.current.Store(engine)
	r.metrics.RecordEngineReload(true)
	r.logger.Info("engine reloaded", observability.String("mode", r.mode.String()))
	r.sendEvent(ReloadEvent{Type: ReloadEventReloaded, Engine: engine})
}

func (r *Reloader) sendEvent(event ReloadEvent) {
	select {
	case r.eventCh <- event:
	default:
		r.logger.Warn("reload event channel full, dropping event",
			observability.String("type", event.Type.String()),
		)
	}
}
