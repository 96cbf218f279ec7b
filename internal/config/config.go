// Package config loads the sectioned INI configuration through viper,
// with SECTION_NAME environment variables overriding file values and
// optional pflag overrides on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AppIdentity is the opaque identity block handed to the stats and
// naming collaborators and echoed by the control service's print status.
type AppIdentity struct {
	AppID          string `mapstructure:"app_id"`
	AppKey         string `mapstructure:"app_key"`
	InstanceID     string `mapstructure:"instance_id"`
	UnitID         string `mapstructure:"unit_id"`
	ProgramID      string `mapstructure:"program_id"`
	CtrlCmdAddress string `mapstructure:"ctrl_cmd_address"`
}

type Coroutine struct {
	StackSize int `mapstructure:"stack_size"`
}

type Log struct {
	Device   string `mapstructure:"device"`
	Priority string `mapstructure:"priority"`
	FileSize int    `mapstructure:"file_size"`
	RollNum  int    `mapstructure:"roll_num"`
	LogPath  string `mapstructure:"log_path"`
}

type Stat struct {
	ReportCycleS  int    `mapstructure:"report_cycle_s"`
	ReportToGdata bool   `mapstructure:"report_to_gdata"`
	GdataID       string `mapstructure:"gdata_id"`
	GdataLogID    string `mapstructure:"gdata_log_id"`
	GdataLogPath  string `mapstructure:"gdata_log_path"`
}

type FlowControl struct {
	Enable          bool  `mapstructure:"enable"`
	MsgNumPerLoop   int   `mapstructure:"msg_num_per_loop"`
	TaskThreshold   int   `mapstructure:"task_threshold"`
	MessageExpireMs int64 `mapstructure:"message_expire_ms"`
	IdleUs          int64 `mapstructure:"idle_us"`
}

type Broadcast struct {
	RelayAddress       string `mapstructure:"relay_address"`
	ZkHost             string `mapstructure:"zk_host"`
	ZkConnectTimeoutMs int64  `mapstructure:"zk_connect_timeout_ms"`
	AmqpURI            string `mapstructure:"amqp_uri"`
}

// Config is the full sectioned configuration tree.
type Config struct {
	App         AppIdentity `mapstructure:"app"`
	Coroutine   Coroutine   `mapstructure:"coroutine"`
	Log         Log         `mapstructure:"log"`
	Stat        Stat        `mapstructure:"stat"`
	FlowControl FlowControl `mapstructure:"flow_control"`
	Broadcast   Broadcast   `mapstructure:"broadcast"`
}

// IdleSleep converts the flow_control idle_us knob to a duration.
func (c *Config) IdleSleep() time.Duration {
	return time.Duration(c.FlowControl.IdleUs) * time.Microsecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.app_id", "")
	v.SetDefault("app.app_key", "")
	v.SetDefault("app.instance_id", "")
	v.SetDefault("app.unit_id", "")
	v.SetDefault("app.program_id", "")
	v.SetDefault("app.ctrl_cmd_address", "")
	v.SetDefault("coroutine.stack_size", 256*1024)
	v.SetDefault("log.device", "stdout")
	v.SetDefault("log.priority", "info")
	v.SetDefault("log.file_size", 10)
	v.SetDefault("log.roll_num", 10)
	v.SetDefault("log.log_path", "./log")
	v.SetDefault("stat.report_cycle_s", 60)
	v.SetDefault("stat.report_to_gdata", false)
	v.SetDefault("stat.gdata_id", "")
	v.SetDefault("stat.gdata_log_id", "")
	v.SetDefault("stat.gdata_log_path", "")
	v.SetDefault("flow_control.enable", true)
	v.SetDefault("flow_control.msg_num_per_loop", 100)
	v.SetDefault("flow_control.task_threshold", 10000)
	v.SetDefault("flow_control.message_expire_ms", 10_000)
	v.SetDefault("flow_control.idle_us", 1000)
	v.SetDefault("broadcast.relay_address", "")
	v.SetDefault("broadcast.zk_host", "")
	v.SetDefault("broadcast.zk_connect_timeout_ms", 3000)
	v.SetDefault("broadcast.amqp_uri", "")
}

// Load reads path (INI; optional — "" yields pure defaults plus env) and
// applies SECTION_NAME environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	return finishLoad(v, path)
}

func finishLoad(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("ini")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Watch invokes onChange whenever the file at path is written, so live
// edits apply without a restart alongside the SIGUSR2 path. The returned
// stop function releases the watcher.
func Watch(path string, onChange func()) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					onChange()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { _ = w.Close() }, nil
}
