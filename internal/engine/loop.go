// Package engine implements the main loop: the per-tick
// poll -> dispatch -> timer -> updater -> broadcast -> idle cycle that
// drives every other core component from a single goroutine.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pebblerpc/pebble/internal/broadcast"
	"github.com/pebblerpc/pebble/internal/naming"
	"github.com/pebblerpc/pebble/internal/overload"
	"github.com/pebblerpc/pebble/internal/registry"
	"github.com/pebblerpc/pebble/internal/timer"
	"github.com/pebblerpc/pebble/internal/transport"
)

// Updater is a per-tick driver hook; user code and collaborators that
// need loop time register one.
type Updater interface {
	Update() int
}

// UpdaterFunc adapts a plain function to Updater.
type UpdaterFunc func() int

func (f UpdaterFunc) Update() int { return f() }

// Config tunes the loop; zero values fall back to defaults matching the
// flow_control section of the configuration.
type Config struct {
	// MaxMsgsPerLoop bounds the poll stage per tick.
	MaxMsgsPerLoop int
	// IdleThreshold is how many consecutive zero-work ticks arm the idle
	// sleep.
	IdleThreshold int
	// IdleSleep is how long an idle tick sleeps.
	IdleSleep time.Duration
}

const (
	defaultMaxMsgsPerLoop = 100
	defaultIdleThreshold  = 10
	defaultIdleSleep      = time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.MaxMsgsPerLoop <= 0 {
		c.MaxMsgsPerLoop = defaultMaxMsgsPerLoop
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = defaultIdleThreshold
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = defaultIdleSleep
	}
	return c
}

// Loop owns the tick cycle. All core state mutation happens on the
// goroutine calling Run (or Tick, in tests); Stop and RequestReload are
// the only methods safe to call from elsewhere.
type Loop struct {
	log      *slog.Logger
	driver   transport.Driver
	registry *registry.Registry
	timers   *timer.Wheel
	gov      *overload.Governor
	bcast    *broadcast.Manager
	watcher  *naming.Watcher
	updaters []Updater
	cfg      Config
	now      func() time.Time

	stopFlag   atomic.Bool
	reloadFlag atomic.Bool
	onReload   func()

	idleTicks int
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithBroadcast wires the channel manager's per-tick drain.
func WithBroadcast(m *broadcast.Manager) Option {
	return func(l *Loop) { l.bcast = m }
}

// WithNaming wires the naming watcher's per-tick delivery stage.
func WithNaming(w *naming.Watcher) Option {
	return func(l *Loop) { l.watcher = w }
}

// WithUpdater appends a user updater hook, run each tick after the core
// driver stages.
func WithUpdater(u Updater) Option {
	return func(l *Loop) { l.updaters = append(l.updaters, u) }
}

// WithReloadFunc sets the callback RequestReload triggers between ticks.
func WithReloadFunc(fn func()) Option {
	return func(l *Loop) { l.onReload = fn }
}

// WithClock overrides the loop's clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New assembles a loop over the core collaborators. gov may be nil to
// disable admission control.
func New(driver transport.Driver, reg *registry.Registry, timers *timer.Wheel, gov *overload.Governor, log *slog.Logger, cfg Config, opts ...Option) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		log:      log,
		driver:   driver,
		registry: reg,
		timers:   timers,
		gov:      gov,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stop requests a graceful stop, checked at the top of each tick. Safe
// from any goroutine (the SIGUSR1 handler calls it).
func (l *Loop) Stop() { l.stopFlag.Store(true) }

// Stopping reports whether a stop has been requested.
func (l *Loop) Stopping() bool { return l.stopFlag.Load() }

// RequestReload asks for a configuration reload between ticks. Safe from
// any goroutine (the SIGUSR2 handler calls it).
func (l *Loop) RequestReload() { l.reloadFlag.Store(true) }

// Run ticks until Stop is called or ctx ends.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("engine: loop started",
		"max_msgs_per_loop", l.cfg.MaxMsgsPerLoop,
		"idle_threshold", l.cfg.IdleThreshold,
		"idle_sleep", l.cfg.IdleSleep.String())
	for {
		if l.stopFlag.Load() {
			l.log.Info("engine: stop requested, loop exiting")
			return nil
		}
		select {
		case <-ctx.Done():
			l.log.Info("engine: context done, loop exiting")
			return ctx.Err()
		default:
		}
		l.Tick()
	}
}

// Tick runs one full cycle and returns the number of work items it
// processed. Exported so tests (and embedding servers) can hand-crank
// the loop.
func (l *Loop) Tick() int {
	if l.reloadFlag.Swap(false) && l.onReload != nil {
		l.log.Info("engine: reload requested")
		l.onReload()
	}

	work := l.pollStage()

	// Driver stages: naming, processors, timers, user hooks, broadcast.
	if l.watcher != nil {
		work += l.watcher.Update()
	}
	work += l.registry.Update()
	work += l.timers.Tick(l.now())
	for _, u := range l.updaters {
		work += u.Update()
	}
	if l.bcast != nil {
		work += l.bcast.Tick()
	}

	if work == 0 {
		l.idleTicks++
		if l.idleTicks >= l.cfg.IdleThreshold {
			time.Sleep(l.cfg.IdleSleep)
		}
	} else {
		l.idleTicks = 0
	}
	return work
}

func (l *Loop) pollStage() int {
	ctx := context.Background()
	processed := 0
	for i := 0; i < l.cfg.MaxMsgsPerLoop; i++ {
		h, ev, err := l.driver.Poll(0)
		if err != nil {
			l.log.Warn("engine: poll failed", "err", err)
			break
		}
		if ev == transport.EventNone {
			break
		}

		msg, info, ok, err := l.driver.Peek(h)
		if err != nil || !ok {
			continue
		}

		proc, found := l.registry.Lookup(h)
		if !found {
			l.log.Warn("engine: no processor for handle, dropping", "handle", h)
			_ = l.driver.Pop(h)
			continue
		}

		var mask overload.Mask
		if l.gov != nil {
			mask = l.gov.Sample(ctx, info.ArrivedAt)
		}
		if err := proc.OnMessage(h, msg, info, mask); err != nil {
			l.log.Debug("engine: processor rejected message", "handle", h, "err", err)
		}
		_ = l.driver.Pop(h)
		processed++
	}
	return processed
}
