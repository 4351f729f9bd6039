package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/logger"
)

// DefaultDebouncePeriod collapses the burst of events one save produces
const DefaultDebouncePeriod = 500 * time.Millisecond

// DefinitionsWatcher reapplies a definitions file whenever it changes
type DefinitionsWatcher struct {
	path           string
	sched          *Scheduler
	watcher        *fsnotify.Watcher
	log            *zap.SugaredLogger
	debouncePeriod time.Duration

	mu            sync.Mutex
	debounceTimer *time.Timer
	started       bool
	stopped       bool
	onApply       func(ApplyResult, error)

	done chan struct{}
}

// NewDefinitionsWatcher watches path for s. The directory is watched
// rather than the file so editors that replace the file are followed.
func NewDefinitionsWatcher(s *Scheduler, path string) (*DefinitionsWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", path)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch job definitions %s", abs)
	}
	return &DefinitionsWatcher{
		path:           abs,
		sched:          s,
		watcher:        watcher,
		log:            s.log.With("file", abs),
		debouncePeriod: DefaultDebouncePeriod,
		done:           make(chan struct{}),
	}, nil
}

// SetDebouncePeriod changes how long the watcher waits for a burst of
// events to settle. Call before Start.
func (dw *DefinitionsWatcher) SetDebouncePeriod(d time.Duration) { dw.debouncePeriod = d }

// OnApply registers a callback run after every reload attempt
func (dw *DefinitionsWatcher) OnApply(fn func(ApplyResult, error)) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.onApply = fn
}

// Start begins watching for changes
func (dw *DefinitionsWatcher) Start() {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.started || dw.stopped {
		return
	}
	dw.started = true
	go dw.watchLoop()
}

func (dw *DefinitionsWatcher) watchLoop() {
	defer close(dw.done)
	for {
		select {
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != dw.path {
				continue
			}
			// Only reload on Write or Create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			dw.log.Debugw("Job definitions changed", "op", event.Op.String())
			dw.scheduleReload()

		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			dw.log.Warnw("Job definitions watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (dw *DefinitionsWatcher) scheduleReload() {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.stopped {
		return
	}
	if dw.debounceTimer != nil {
		dw.debounceTimer.Stop()
	}
	dw.debounceTimer = time.AfterFunc(dw.debouncePeriod, dw.reload)
}

func (dw *DefinitionsWatcher) reload() {
	res, err := dw.apply()
	if err != nil {
		dw.log.Errorw("Job definitions reload failed; keeping current schedule", logger.FieldError, err)
	}

	dw.mu.Lock()
	fn := dw.onApply
	dw.mu.Unlock()
	if fn != nil {
		fn(res, err)
	}
}

func (dw *DefinitionsWatcher) apply() (ApplyResult, error) {
	d, err := LoadDefinitions(dw.path)
	if err != nil {
		return ApplyResult{}, err
	}
	return dw.sched.ApplyDefinitions(context.Background(), d)
}

// Stop stops watching and cancels a pending reload
func (dw *DefinitionsWatcher) Stop() error {
	dw.mu.Lock()
	dw.stopped = true
	started := dw.started
	if dw.debounceTimer != nil {
		dw.debounceTimer.Stop()
	}
	dw.mu.Unlock()

	err := dw.watcher.Close()
	if started {
		<-dw.done
	}
	return err
}
