package moqbridge

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opd-ai/moqbridge/internal/confload"
)

// ConfigEnv names the environment variable Init reads a config path from.
const ConfigEnv = "MOQ_BRIDGE_CONFIG"

const (
	// DefaultConnectTimeout bounds connect.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultSubscribeTimeout bounds subscription setup.
	DefaultSubscribeTimeout = 30 * time.Second
)

// Config holds the process-wide settings applied by Init.
type Config struct {
	// Workers pins GOMAXPROCS. Zero keeps the automaxprocs value.
	Workers          int
	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration

	LogLevel  string
	LogFormat string // "text" or "json"
	// LogFile sends logs to a rotated file instead of stderr.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// CallbackLogRate caps callback panic and reader error logs per minute
	// and category. Zero disables the cap.
	CallbackLogRate int
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   DefaultConnectTimeout,
		SubscribeTimeout: DefaultSubscribeTimeout,
		LogLevel:         "info",
		LogFormat:        "text",
		LogMaxSizeMB:     100,
		LogMaxBackups:    3,
		CallbackLogRate:  60,
	}
}

type configFile struct {
	Workers          *int    `toml:"workers" yaml:"workers"`
	ConnectTimeout   *string `toml:"connect_timeout" yaml:"connect_timeout"`
	SubscribeTimeout *string `toml:"subscribe_timeout" yaml:"subscribe_timeout"`
	LogLevel         *string `toml:"log_level" yaml:"log_level"`
	LogFormat        *string `toml:"log_format" yaml:"log_format"`
	LogFile          *string `toml:"log_file" yaml:"log_file"`
	LogMaxSizeMB     *int    `toml:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups    *int    `toml:"log_max_backups" yaml:"log_max_backups"`
	CallbackLogRate  *int    `toml:"callback_log_rate" yaml:"callback_log_rate"`
}

// LoadConfig reads a TOML (or .yaml/.yml) file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw configFile
	if err := confload.Decode(path, &raw); err != nil {
		return Config{}, err
	}

	if raw.Workers != nil {
		cfg.Workers = *raw.Workers
	}
	if raw.LogLevel != nil {
		cfg.LogLevel = strings.TrimSpace(*raw.LogLevel)
	}
	if raw.LogFormat != nil {
		cfg.LogFormat = strings.TrimSpace(*raw.LogFormat)
	}
	if raw.LogFile != nil {
		cfg.LogFile = strings.TrimSpace(*raw.LogFile)
	}
	if raw.LogMaxSizeMB != nil {
		cfg.LogMaxSizeMB = *raw.LogMaxSizeMB
	}
	if raw.LogMaxBackups != nil {
		cfg.LogMaxBackups = *raw.LogMaxBackups
	}
	if raw.CallbackLogRate != nil {
		cfg.CallbackLogRate = *raw.CallbackLogRate
	}

	var err error
	if cfg.ConnectTimeout, err = confload.Duration("connect_timeout", raw.ConnectTimeout, cfg.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SubscribeTimeout, err = confload.Duration("subscribe_timeout", raw.SubscribeTimeout, cfg.SubscribeTimeout); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if c.SubscribeTimeout <= 0 {
		return fmt.Errorf("subscribe_timeout must be positive")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.CallbackLogRate < 0 {
		return fmt.Errorf("callback_log_rate must not be negative, got %d", c.CallbackLogRate)
	}
	return nil
}

// applyLogging configures the standard logrus logger.
func (c Config) applyLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if c.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
		}
	}
	logrus.SetOutput(out)
}

func (c Config) applyWorkers() {
	if c.Workers > 0 {
		runtime.GOMAXPROCS(c.Workers)
	}
}
