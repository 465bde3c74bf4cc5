package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and hands every valid content change to a
// callback. A file whose content fails to load is reported once and
// otherwise ignored; [Watcher.Current] keeps the last valid config.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	// checkMu serialises Check so callbacks run in file order.
	checkMu sync.Mutex

	mu       sync.Mutex
	current  *Config
	stamp    fileStamp
	sum      [sha256.Size]byte
	rejected [sha256.Size]byte

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// fileStamp is the cheap part of change detection. Content is only hashed
// when it moves.
type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{mod: fi.ModTime(), size: fi.Size()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithErrorHandler receives load failures instead of the default warning log.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher loads path and starts polling it. onChange may be nil. The
// initial load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.onError == nil {
		w.onError = func(err error) {
			slog.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
		}
	}

	fi, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current = cfg
	w.stamp = stampOf(fi)
	w.sum = sha256.Sum256(data)

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight check to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Check looks at the file now and reports whether a new config was applied.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	fi, err := os.Stat(w.path)
	if err != nil {
		slog.Debug("config watcher: stat failed", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := stampOf(fi) == w.stamp
	w.mu.Unlock()
	if unchanged {
		return false
	}

	fi, data, err := w.read()
	if err != nil {
		slog.Debug("config watcher: read failed", "path", w.path, "err", err)
		return false
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.stamp = stampOf(fi)
	if sum == w.sum || sum == w.rejected {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.rejected = sum
		w.mu.Unlock()
		w.onError(err)
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.sum = sum
	w.mu.Unlock()

	slog.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

func (w *Watcher) read() (os.FileInfo, []byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	return fi, data, nil
}
