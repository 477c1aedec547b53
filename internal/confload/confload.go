// Package confload decodes configuration files. Files ending in .yaml or
// .yml are YAML; everything else is TOML.
package confload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Decode reads path into out. Unknown TOML keys are logged, not rejected.
func Decode(path string, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return nil
	}

	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logrus.WithFields(logrus.Fields{
			"function": "confload.Decode",
			"path":     path,
			"keys":     strings.Join(keys, ","),
		}).Warn("Ignoring unknown configuration keys")
	}
	return nil
}

// Duration parses an optional duration field. A nil value keeps def.
func Duration(name string, value *string, def time.Duration) (time.Duration, error) {
	if value == nil {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("parse %s: must be positive, got %s", name, d)
	}
	return d, nil
}
