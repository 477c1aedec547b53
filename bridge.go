package moqbridge

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/automaxprocs/maxprocs"
)

// Version identifies the library build.
const Version = "moqbridge 0.1.0"

var (
	initOnce sync.Once
	initErr  error

	cfgMu     sync.RWMutex
	globalCfg = DefaultConfig()
)

// Init performs process-wide setup: it sizes GOMAXPROCS to the container
// quota, loads the file named by MOQ_BRIDGE_CONFIG when set, configures
// logging and builds the runtime. Only the first call does any work; later
// calls return the first result.
func Init() error {
	return InitWith(nil)
}

// InitWith is Init with an explicit configuration. A nil cfg falls back to
// MOQ_BRIDGE_CONFIG or the defaults. It has no effect after the first Init.
func InitWith(cfg *Config) error {
	initOnce.Do(func() {
		initErr = doInit(cfg)
	})
	return initErr
}

func doInit(cfg *Config) error {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logrus.WithField("function", "Init").Debugf(format, args...)
	})); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Init",
			"error":    err.Error(),
		}).Warn("Failed to size GOMAXPROCS from the CPU quota")
	}

	c := DefaultConfig()
	switch {
	case cfg != nil:
		if err := cfg.Validate(); err != nil {
			return wrapError(InvalidArgument, "init", err)
		}
		c = *cfg
	case os.Getenv(ConfigEnv) != "":
		loaded, err := LoadConfig(os.Getenv(ConfigEnv))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Init",
				"path":     os.Getenv(ConfigEnv),
				"error":    err.Error(),
			}).Error("Failed to load configuration")
			return wrapError(InvalidArgument, "init", err)
		}
		c = loaded
	}

	c.applyLogging()
	c.applyWorkers()

	cfgMu.Lock()
	globalCfg = c
	cfgMu.Unlock()

	rt := defaultRuntime()
	logrus.WithFields(logrus.Fields{
		"function": "Init",
		"version":  Version,
		"workers":  rt.Workers(),
	}).Info("Bridge initialized")
	return nil
}

func currentConfig() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return globalCfg
}
