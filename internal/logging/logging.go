// Package logging configures the go-log named loggers used across the
// module.
package logging

import (
	"fmt"

	golog "github.com/ipfs/go-log/v2"
	"quotecache/internal/config"
)

// Setup applies format and levels. Subsystem names match the names passed
// to golog.Logger, for example "cache" or "provider/yahoo".
func Setup(cfg config.Logging) error {
	lc := golog.Config{
		Format:          format(cfg.Format),
		Level:           golog.LevelInfo,
		SubsystemLevels: make(map[string]golog.LogLevel, len(cfg.Subsystems)),
		Stderr:          true,
	}
	if cfg.Level != "" {
		lvl, err := golog.LevelFromString(cfg.Level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		lc.Level = lvl
	}
	for name, l := range cfg.Subsystems {
		lvl, err := golog.LevelFromString(l)
		if err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
		lc.SubsystemLevels[name] = lvl
	}
	golog.SetupLogging(lc)
	return nil
}

func format(s string) golog.LogFormat {
	switch s {
	case "json":
		return golog.JSONOutput
	case "color":
		return golog.ColorizedOutput
	default:
		return golog.PlaintextOutput
	}
}
