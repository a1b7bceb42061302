package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// LevelConfig holds a default log level plus optional per-subsystem
// overrides, parsed from a flat "name=level,name=level" string (the
// log.levels configuration key).
type LevelConfig struct {
	Default   logrus.Level
	overrides map[string]logrus.Level
}

// ParseLevelConfig parses a default level name and an optional
// "subsystem=level,subsystem=level" overrides string.
func ParseLevelConfig(defaultLevel, overrides string) (*LevelConfig, error) {
	def, err := logrus.ParseLevel(defaultLevel)
	if err != nil {
		return nil, err
	}
	cfg := &LevelConfig{Default: def, overrides: map[string]logrus.Level{}}
	if overrides == "" {
		return cfg, nil
	}
	for _, pair := range strings.Split(overrides, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		lvl, err := logrus.ParseLevel(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, err
		}
		cfg.overrides[strings.TrimSpace(parts[0])] = lvl
	}
	return cfg, nil
}

// Level returns the configured level for subsystem, falling back to
// the default when no override is set.
func (c *LevelConfig) Level(subsystem string) logrus.Level {
	if c == nil {
		return logrus.InfoLevel
	}
	if lvl, ok := c.overrides[subsystem]; ok {
		return lvl
	}
	return c.Default
}
