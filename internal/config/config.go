// Package config loads the daemon configuration from file, environment
// and defaults, in that order of increasing precedence for the
// environment and decreasing for defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wharfd/wharfd/pkg/duration"
)

// Config is the daemon's effective configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Engine EngineConfig `mapstructure:"engine"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	// Listen is the HTTP bind address, host:port.
	Listen string `mapstructure:"listen"`
}

type EngineConfig struct {
	// DataDir roots all persistent state: metadata db, layers, container
	// filesystems, volumes and logs.
	DataDir string `mapstructure:"data_dir"`
	// CgroupRoot is the parent group for per-container control groups.
	CgroupRoot string `mapstructure:"cgroup_root"`
	// FSDriver selects the union driver: auto, overlay or vfs.
	FSDriver string `mapstructure:"fs_driver"`
	// StopGrace is the default SIGTERM-to-SIGKILL window, as a
	// human-friendly duration string.
	StopGrace string `mapstructure:"stop_grace"`
	// EventBuffer is the per-subscriber event queue depth.
	EventBuffer int `mapstructure:"event_buffer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StopGraceDuration parses the configured grace window.
func (c EngineConfig) StopGraceDuration() (time.Duration, error) {
	return duration.Parse(c.StopGrace)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and WHARFD_* environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.listen", "127.0.0.1:2375")
	v.SetDefault("engine.data_dir", "/var/lib/wharfd")
	v.SetDefault("engine.cgroup_root", "/sys/fs/cgroup/wharfd")
	v.SetDefault("engine.fs_driver", "auto")
	v.SetDefault("engine.stop_grace", "10s")
	v.SetDefault("engine.event_buffer", 100)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("WHARFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.FSDriver {
	case "auto", "overlay", "vfs":
	default:
		return fmt.Errorf("invalid fs_driver %q: must be auto, overlay or vfs", c.Engine.FSDriver)
	}
	if c.Engine.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if _, err := c.Engine.StopGraceDuration(); err != nil {
		return fmt.Errorf("invalid stop_grace: %w", err)
	}
	return nil
}
