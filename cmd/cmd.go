// Package cmd is the pebbled command line: start/stop/reload process
// control over a pid file, configuration loading, and server startup.
package cmd

import (
	"fmt"
	"os"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pebblerpc/pebble/internal/app"
	"github.com/pebblerpc/pebble/internal/config"
	"github.com/pebblerpc/pebble/internal/procctl"
)

const ServiceName = "pebbled"

var (
	version = "0.0.0"
	commit  = "hash"
	branch  = "branch"
)

func Run() error {
	cliApp := &cli.App{
		Name:    ServiceName,
		Usage:   "Coroutine-multiplexed RPC server",
		Version: fmt.Sprintf("%s (%s@%s)", version, commit, branch),
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "start", Usage: "Run the server in the foreground"},
			&cli.BoolFlag{Name: "stop", Usage: "Signal a graceful stop to the running instance"},
			&cli.BoolFlag{Name: "reload", Usage: "Signal a configuration reload to the running instance"},
			&cli.StringFlag{Name: "conf_file", Usage: "Path to the INI configuration file"},
			&cli.StringFlag{Name: "pid_file", Value: "./pebbled.pid", Usage: "Path to the pid file"},
			&cli.StringFlag{Name: "log_priority", Usage: "Override log.priority"},
		},
		Action: rootAction,
	}
	return cliApp.Run(os.Args)
}

func rootAction(c *cli.Context) error {
	pidFile := c.String("pid_file")

	switch {
	case c.Bool("stop"):
		return procctl.SignalByPidFile(pidFile, syscall.SIGUSR1)
	case c.Bool("reload"):
		return procctl.SignalByPidFile(pidFile, syscall.SIGUSR2)
	default:
		return serve(c, pidFile)
	}
}

func serve(c *cli.Context, pidFile string) error {
	confPath := c.String("conf_file")

	overrides := config.OverrideFlags()
	if c.IsSet("log_priority") {
		if err := overrides.Set("log_priority", c.String("log_priority")); err != nil {
			return err
		}
	}
	cfg, err := config.LoadWithFlags(confPath, overrides)
	if err != nil {
		return err
	}

	release, err := procctl.AcquirePidFile(pidFile)
	if err != nil {
		return err
	}
	defer release()

	application := app.New(cfg, app.ConfPath(confPath))
	if err := application.Start(c.Context); err != nil {
		return err
	}
	<-application.Done()
	return application.Stop(c.Context)
}
