package naming

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultPollInterval = 5 * time.Second

type change struct {
	key  string
	urls []string
}

// Watcher polls a Lister for the keys under watch and streams membership
// changes back to the main loop: the poll runs on a background goroutine,
// but callbacks only fire from Update, which the loop calls once per tick,
// keeping the consumers single-threaded.
type Watcher struct {
	lister   Lister
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	watches map[string][]func(key string, urls []string)
	last    map[string]string // key -> joined url fingerprint

	changes chan change
	cancel  context.CancelFunc
}

// NewWatcher builds a watcher over lister. interval <= 0 uses the default
// poll interval.
func NewWatcher(lister Lister, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		lister:   lister,
		interval: interval,
		log:      log,
		watches:  make(map[string][]func(string, []string)),
		last:     make(map[string]string),
		changes:  make(chan change, 256),
	}
}

// Watch registers a callback for membership changes under key. The first
// poll after Watch always reports, so callers converge without waiting
// for an actual change.
func (w *Watcher) Watch(key string, cb func(key string, urls []string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches[key] = append(w.watches[key], cb)
	delete(w.last, key)
}

// Unwatch drops every callback for key.
func (w *Watcher) Unwatch(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watches, key)
	delete(w.last, key)
}

// Start launches the poll goroutine. It runs until Stop is called or ctx
// is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.pollLoop(ctx)
}

// Stop halts the poll goroutine. Pending changes already queued still
// deliver on the next Update.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.watches))
	for k := range w.watches {
		keys = append(keys, k)
	}
	w.mu.Unlock()

	for _, key := range keys {
		urls, err := w.lister.List(ctx, key)
		if err != nil {
			w.log.Warn("naming: list failed", "key", key, "err", err)
			continue
		}
		fp := fingerprint(urls)
		w.mu.Lock()
		prev, seen := w.last[key]
		if seen && prev == fp {
			w.mu.Unlock()
			continue
		}
		w.last[key] = fp
		w.mu.Unlock()

		select {
		case w.changes <- change{key: key, urls: urls}:
		default:
			w.log.Warn("naming: change queue full, dropping notification", "key", key)
		}
	}
}

// Update delivers queued membership changes to their watch callbacks on
// the caller's goroutine and reports how many fired.
func (w *Watcher) Update() int {
	fired := 0
	for {
		select {
		case c := <-w.changes:
			w.mu.Lock()
			cbs := append([]func(string, []string){}, w.watches[c.key]...)
			w.mu.Unlock()
			for _, cb := range cbs {
				cb(c.key, c.urls)
				fired++
			}
		default:
			return fired
		}
	}
}

func fingerprint(urls []string) string {
	out := ""
	for _, u := range urls {
		out += u + "\x00"
	}
	return out
}
