package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every option the streaming core recognizes. Values are
// layered, highest priority first: environment variables (ZMGATE_*), the
// profile TOML file, the base TOML file, and finally legacy zm.conf for
// the database placeholders.
type Config struct {
	HTTPAddr    string `toml:"http_addr"`
	MetricsAddr string `toml:"metrics_addr"`

	Streaming StreamingConfig `toml:"streaming"`
	Shm       ShmConfig       `toml:"shm"`
	Plugins   PluginConfig    `toml:"plugins"`
	Database  DatabaseConfig  `toml:"database"`

	// Grace period given to managed daemons on shutdown, in seconds.
	DaemonStopGraceSeconds int `toml:"daemon_stop_grace"`

	// Managed daemon command lines launched at startup, if any.
	Daemons []DaemonConfig `toml:"daemons"`
}

// StreamingConfig controls the segmenter and HLS store.
type StreamingConfig struct {
	Enabled               bool   `toml:"enabled"`
	HLSBase               string `toml:"hls_base"`
	TargetDurationSeconds int    `toml:"target_duration"`
	RetentionMinutes      int    `toml:"retention"`
	MaxSegmentsPerStream  int    `toml:"max_segments_per_stream"`
	LowLatency            bool   `toml:"low_latency"`
}

// ShmConfig locates monitor shared-memory files.
type ShmConfig struct {
	Base   string `toml:"base"`
	Prefix string `toml:"prefix"`
}

// PluginConfig locates the signaling and segment plugin sockets.
type PluginConfig struct {
	WebRTCAddr string `toml:"webrtc_addr"`
	MSEAddr    string `toml:"mse_addr"`
}

// DatabaseConfig carries the connection placeholders the surrounding
// gateway resolves. The streaming core only loads them so a single config
// file serves the whole process; `{username}`-style values fall back to
// zm.conf.
type DatabaseConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Host     string `toml:"host"`
	Name     string `toml:"name"`
}

// DaemonConfig is one external daemon managed by this process.
type DaemonConfig struct {
	Name string   `toml:"name"`
	Path string   `toml:"path"`
	Args []string `toml:"args"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:    ":8085",
		MetricsAddr: ":9095",
		Streaming: StreamingConfig{
			Enabled:               true,
			HLSBase:               "/var/lib/zmgate/hls",
			TargetDurationSeconds: 4,
			RetentionMinutes:      30,
			MaxSegmentsPerStream:  100,
		},
		Shm: ShmConfig{
			Base:   "/dev/shm",
			Prefix: "zm.mmap",
		},
		Plugins: PluginConfig{
			WebRTCAddr: "127.0.0.1:9050",
			MSEAddr:    "127.0.0.1:9051",
		},
		DaemonStopGraceSeconds: 10,
	}
}

// TargetDuration returns the configured HLS segment target duration.
func (c *Config) TargetDuration() time.Duration {
	return time.Duration(c.Streaming.TargetDurationSeconds) * time.Second
}

// Retention returns the configured segment retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Streaming.RetentionMinutes) * time.Minute
}

// DaemonStopGrace returns the shutdown grace period for managed daemons.
func (c *Config) DaemonStopGrace() time.Duration {
	return time.Duration(c.DaemonStopGraceSeconds) * time.Second
}

// Load builds the layered configuration. basePath and profilePath may be
// empty or missing; zmConfPath points at the legacy zm.conf (its
// zm.conf.d sibling directory is read automatically).
func Load(basePath, profilePath, zmConfPath string) (Config, error) {
	cfg := Default()

	for _, path := range []string{basePath, profilePath} {
		if path == "" {
			continue
		}
		if err := applyTOML(&cfg, path); err != nil {
			return cfg, err
		}
	}

	if zmConfPath != "" {
		legacy, err := loadLegacyConf(zmConfPath)
		if err == nil {
			cfg.Database.resolvePlaceholders(legacy)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// LoadFile parses a single TOML file over the defaults. Used by the
// config watcher, which re-reads one file on change.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := applyTOML(&cfg, path); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyTOML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from ZMGATE_* environment variables.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv("ZMGATE_" + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv("ZMGATE_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv("ZMGATE_" + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("HTTP_ADDR", &cfg.HTTPAddr)
	setStr("METRICS_ADDR", &cfg.MetricsAddr)
	setBool("STREAMING_ENABLED", &cfg.Streaming.Enabled)
	setStr("HLS_BASE", &cfg.Streaming.HLSBase)
	setInt("TARGET_DURATION", &cfg.Streaming.TargetDurationSeconds)
	setInt("RETENTION", &cfg.Streaming.RetentionMinutes)
	setInt("MAX_SEGMENTS", &cfg.Streaming.MaxSegmentsPerStream)
	setBool("LOW_LATENCY", &cfg.Streaming.LowLatency)
	setStr("SHM_BASE", &cfg.Shm.Base)
	setStr("SHM_PREFIX", &cfg.Shm.Prefix)
	setStr("WEBRTC_PLUGIN_ADDR", &cfg.Plugins.WebRTCAddr)
	setStr("MSE_PLUGIN_ADDR", &cfg.Plugins.MSEAddr)
	setInt("DAEMON_STOP_GRACE", &cfg.DaemonStopGraceSeconds)
	setStr("DB_USER", &cfg.Database.Username)
	setStr("DB_PASS", &cfg.Database.Password)
	setStr("DB_HOST", &cfg.Database.Host)
	setStr("DB_NAME", &cfg.Database.Name)
}

// resolvePlaceholders substitutes `{placeholder}` database values from
// the legacy key set.
func (d *DatabaseConfig) resolvePlaceholders(legacy map[string]string) {
	resolve := func(dst *string, placeholder, legacyKey string) {
		if *dst != "" && *dst != placeholder {
			return
		}
		if v, ok := legacy[legacyKey]; ok {
			*dst = v
		}
	}
	resolve(&d.Username, "{username}", "ZM_DB_USER")
	resolve(&d.Password, "{password}", "ZM_DB_PASS")
	resolve(&d.Name, "{database_name}", "ZM_DB_NAME")

	if d.Host == "" || d.Host == "{host}" {
		if v, ok := legacy["ZM_DB_HOST"]; ok {
			d.Host = v
		}
	}
	if d.Host == "{localhost}" {
		d.Host = "localhost"
	}
}
