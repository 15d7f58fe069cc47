package tasks

import (
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"steadyscope/internal/fsutil"
)

// MovieEvent reports a movie file that stopped changing for the settle period.
type MovieEvent struct {
	Path string    `json:"path"`
	Size int64     `json:"size"`
	Time time.Time `json:"time"`
}

// MovieWatcher monitors directories for new or rewritten movie files.
// Acquisition software writes stacks incrementally, so a file is only
// reported once no write has been seen for the settle period.
type MovieWatcher struct {
	watcher   *fsnotify.Watcher
	Events    chan MovieEvent
	watchDirs []string
	settle    time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMovieWatcher creates a watcher over dirs.
func NewMovieWatcher(dirs []string, settle time.Duration, logger *slog.Logger) (*MovieWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MovieWatcher{
		watcher:   watcher,
		Events:    make(chan MovieEvent, 100),
		watchDirs: dirs,
		settle:    settle,
		log:       logger,
		pending:   make(map[string]time.Time),
		done:      make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *MovieWatcher) Start() error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir, "settle", w.settle)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends monitoring and closes Events.
func (w *MovieWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
		close(w.Events)
	})
	return err
}

func (w *MovieWatcher) processEvents() {
	defer w.wg.Done()
	tick := time.NewTicker(max(w.settle/4, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fsutil.IsMovieFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.touch(event.Name, time.Now())
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.forget(event.Name)
			}

		case now := <-tick.C:
			for _, path := range w.ready(now) {
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				ev := MovieEvent{Path: path, Size: info.Size(), Time: now}
				select {
				case w.Events <- ev:
				default:
					w.log.Warn("event buffer full, dropping movie", "path", path)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *MovieWatcher) touch(path string, at time.Time) {
	w.mu.Lock()
	w.pending[path] = at
	w.mu.Unlock()
}

func (w *MovieWatcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// ready removes and returns the pending paths quiet since at least settle.
func (w *MovieWatcher) ready(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	slices.Sort(out)
	return out
}
