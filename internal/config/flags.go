package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagBindings maps override flag names to the config keys they shadow.
var flagBindings = map[string]string{
	"log_priority":     "log.priority",
	"msg_num_per_loop": "flow_control.msg_num_per_loop",
	"task_threshold":   "flow_control.task_threshold",
	"idle_us":          "flow_control.idle_us",
}

// OverrideFlags builds the pflag set of command-line overrides. A flag
// only takes effect when explicitly set; otherwise file and environment
// values win.
func OverrideFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("pebble", pflag.ContinueOnError)
	fs.String("log_priority", "info", "override log.priority")
	fs.Int("msg_num_per_loop", 100, "override flow_control.msg_num_per_loop")
	fs.Int("task_threshold", 10000, "override flow_control.task_threshold")
	fs.Int64("idle_us", 1000, "override flow_control.idle_us")
	return fs
}

// LoadWithFlags is Load plus pflag bindings, viper's usual precedence:
// changed flag > environment > file > default.
func LoadWithFlags(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if fs != nil {
		for flagName, key := range flagBindings {
			f := fs.Lookup(flagName)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("config: bind flag %s: %w", flagName, err)
			}
		}
	}
	return finishLoad(v, path)
}
