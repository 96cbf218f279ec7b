// Package app is the composition root: it assembles the timer wheel,
// coroutine scheduler, transport driver, RPC engine, broadcast manager,
// overload governor, and main loop into one fx application. Every core
// component is an explicit collaborator here; nothing is a package-level
// singleton.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"

	"github.com/pebblerpc/pebble/internal/broadcast"
	"github.com/pebblerpc/pebble/internal/broadcast/relay"
	"github.com/pebblerpc/pebble/internal/config"
	"github.com/pebblerpc/pebble/internal/controlrpc"
	"github.com/pebblerpc/pebble/internal/coroutine"
	"github.com/pebblerpc/pebble/internal/engine"
	"github.com/pebblerpc/pebble/internal/logging"
	"github.com/pebblerpc/pebble/internal/naming"
	"github.com/pebblerpc/pebble/internal/overload"
	"github.com/pebblerpc/pebble/internal/procctl"
	"github.com/pebblerpc/pebble/internal/registry"
	"github.com/pebblerpc/pebble/internal/rpcengine"
	"github.com/pebblerpc/pebble/internal/stats"
	"github.com/pebblerpc/pebble/internal/timer"
	"github.com/pebblerpc/pebble/internal/tracing"
	"github.com/pebblerpc/pebble/internal/transport"
	"github.com/pebblerpc/pebble/internal/transport/wsdriver"
)

// ConfPath carries the --conf_file value into the graph.
type ConfPath string

// New assembles the server application.
func New(cfg *config.Config, confPath ConfPath) *fx.App {
	return fx.New(
		fx.Supply(cfg, confPath),
		fx.Provide(
			provideLogger,
			provideMeterProvider,
			provideMeter,
			provideStats,
			provideWheel,
			provideScheduler,
			provideDriver,
			func(d *wsdriver.Driver) transport.Driver { return d },
			provideGovernor,
			provideRegistry,
			provideNaming,
			provideRelay,
			provideBroadcast,
			provideEngine,
			provideLoop,
			provideControl,
		),
		fx.Invoke(run),
	)
}

type loggerOut struct {
	fx.Out
	Logger *slog.Logger
	Level  *slog.LevelVar
}

func provideLogger(cfg *config.Config) (loggerOut, error) {
	log, level, err := logging.New(cfg.Log)
	if err != nil {
		return loggerOut{}, err
	}
	slog.SetDefault(log)
	return loggerOut{Logger: log, Level: level}, nil
}

func provideMeterProvider(cfg *config.Config, log *slog.Logger) (*sdkmetric.MeterProvider, error) {
	return tracing.NewMeterProvider(cfg.Stat, cfg.App, log)
}

func provideMeter(mp *sdkmetric.MeterProvider) metric.Meter {
	return mp.Meter("pebble")
}

func provideStats(meter metric.Meter) (*stats.Collector, error) {
	return stats.New(meter)
}

func provideWheel() *timer.Wheel { return timer.New(nil) }

func provideScheduler(w *timer.Wheel) *coroutine.Scheduler { return coroutine.New(w) }

func provideDriver() *wsdriver.Driver { return wsdriver.New() }

func provideGovernor(cfg *config.Config, sched *coroutine.Scheduler, meter metric.Meter) (*overload.Governor, error) {
	if !cfg.FlowControl.Enable {
		return nil, nil
	}
	return overload.New(sched, meter,
		overload.WithTaskCeiling(cfg.FlowControl.TaskThreshold),
		overload.WithMessageExpireAge(time.Duration(cfg.FlowControl.MessageExpireMs)*time.Millisecond),
	)
}

func provideRegistry(log *slog.Logger) (*registry.Registry, error) {
	return registry.New(log, 0)
}

type namingOut struct {
	fx.Out
	Lister  naming.Lister
	Watcher *naming.Watcher
}

func provideNaming(cfg *config.Config, log *slog.Logger) (namingOut, error) {
	var lister naming.Lister
	if cfg.Broadcast.ZkHost != "" {
		cl, err := naming.NewConsulLister(cfg.Broadcast.ZkHost, "")
		if err != nil {
			return namingOut{}, err
		}
		lister = cl
	} else {
		lister = naming.NewStaticLister()
	}
	return namingOut{
		Lister:  lister,
		Watcher: naming.NewWatcher(lister, 0, log),
	}, nil
}

// provideRelay returns nil when the [broadcast] section leaves relay
// unconfigured; the manager then only serves LOCAL channels.
func provideRelay(cfg *config.Config, log *slog.Logger) (*relay.Bus, error) {
	if cfg.Broadcast.AmqpURI == "" || cfg.Broadcast.RelayAddress == "" {
		return nil, nil
	}
	return relay.NewAMQP(cfg.Broadcast.AmqpURI, cfg.Broadcast.RelayAddress, cfg.App.AppID, log)
}

func provideBroadcast(cfg *config.Config, d transport.Driver, log *slog.Logger,
	lister naming.Lister, watcher *naming.Watcher, bus *relay.Bus) *broadcast.Manager {
	opts := []broadcast.Option{broadcast.WithIdentity(cfg.App.AppID)}
	if bus != nil {
		opts = append(opts, broadcast.WithRelay(bus, lister, watcher, cfg.Broadcast.RelayAddress))
	}
	return broadcast.New(d, log, opts...)
}

func provideEngine(d transport.Driver, sched *coroutine.Scheduler, w *timer.Wheel,
	log *slog.Logger, bcast *broadcast.Manager, collector *stats.Collector) *rpcengine.Engine {
	return rpcengine.New(d, sched, w, log,
		rpcengine.WithBroadcaster(bcast),
		rpcengine.WithStats(collector),
	)
}

func provideLoop(cfg *config.Config, confPath ConfPath, d *wsdriver.Driver,
	reg *registry.Registry, w *timer.Wheel, gov *overload.Governor,
	log *slog.Logger, level *slog.LevelVar, watcher *naming.Watcher,
	bcast *broadcast.Manager, eng *rpcengine.Engine) *engine.Loop {

	// Newly accepted websocket connections route to the engine.
	acceptUpdater := engine.UpdaterFunc(func() int {
		n := 0
		for {
			select {
			case h := <-d.Accept():
				if err := reg.Attach(h, eng); err != nil {
					log.Warn("app: attach accepted handle", "handle", h, "err", err)
				}
				n++
			default:
				return n
			}
		}
	})

	reload := func() {
		next, err := config.Load(string(confPath))
		if err != nil {
			log.Error("app: reload failed, keeping running config", "err", err)
			return
		}
		if lv, err := logging.ParseLevel(next.Log.Priority); err == nil {
			level.Set(lv)
		}
		log.Info("app: configuration reloaded", "log_priority", next.Log.Priority)
	}

	return engine.New(d, reg, w, gov, log, engine.Config{
		MaxMsgsPerLoop: cfg.FlowControl.MsgNumPerLoop,
		IdleThreshold:  10,
		IdleSleep:      cfg.IdleSleep(),
	},
		engine.WithBroadcast(bcast),
		engine.WithNaming(watcher),
		engine.WithUpdater(acceptUpdater),
		engine.WithReloadFunc(reload),
	)
}

func provideControl(cfg *config.Config, eng *rpcengine.Engine, sched *coroutine.Scheduler,
	log *slog.Logger, level *slog.LevelVar, loop *engine.Loop) (*controlrpc.Service, error) {
	return controlrpc.New(eng, log,
		controlrpc.WithReloadFunc(loop.RequestReload),
		controlrpc.WithLogLevel(level),
		controlrpc.WithStatusFunc(func() string {
			return fmt.Sprintf("app_id=%s tasks=%d sessions=%d",
				cfg.App.AppID, sched.Count(), eng.SessionCount())
		}),
		controlrpc.WithConfigDump(func() string {
			return fmt.Sprintf("%+v", *cfg)
		}),
	)
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, confPath ConfPath,
	log *slog.Logger, d *wsdriver.Driver, reg *registry.Registry, eng *rpcengine.Engine,
	loop *engine.Loop, watcher *naming.Watcher, bcast *broadcast.Manager,
	bus *relay.Bus, mp *sdkmetric.MeterProvider, _ *controlrpc.Service) {

	var (
		g          errgroup.Group
		stopNotify func()
		stopWatch  func()
		loopCancel context.CancelFunc
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if addr := cfg.App.CtrlCmdAddress; addr != "" {
				h, err := d.Bind(ctx, addr)
				if err != nil {
					return fmt.Errorf("app: bind control address %s: %w", addr, err)
				}
				if err := reg.Attach(h, eng); err != nil {
					return err
				}
				log.Info("app: control service listening", "address", addr)
			}

			loopCtx, cancel := context.WithCancel(context.Background())
			loopCancel = cancel
			watcher.Start(loopCtx)
			if bus != nil {
				if err := bus.Run(loopCtx, bcast.DeliverAsync); err != nil {
					return err
				}
			}
			if confPath != "" {
				stop, err := config.Watch(string(confPath), loop.RequestReload)
				if err != nil {
					log.Warn("app: config watch unavailable", "err", err)
				} else {
					stopWatch = stop
				}
			}
			stopNotify = procctl.Notify(loop.Stop, loop.RequestReload)

			g.Go(func() error {
				defer procctl.LogPanic(log)
				err := loop.Run(loopCtx)
				_ = shutdowner.Shutdown()
				return err
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			loop.Stop()
			if loopCancel != nil {
				loopCancel()
			}
			_ = g.Wait()
			watcher.Stop()
			if stopWatch != nil {
				stopWatch()
			}
			if stopNotify != nil {
				stopNotify()
			}
			if bus != nil {
				_ = bus.Close()
			}
			return mp.Shutdown(ctx)
		},
	})
}
