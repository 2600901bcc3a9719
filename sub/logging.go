// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package sub

import (
	"fmt"
	"io"
	"strings"

	"github.com/decred/slog"
)

// Every service constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger = slog.Logger

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel string can specify a single verbosity for the entire system:
// "trace", "debug", "info", "warn", "error", "critical", "off". The funtion
// also accepts a comma-separated list of subsystem=level pairs, optionally
// led by a default level, e.g. "info,NONC=debug,CHAN=trace".
func NewLoggerMaker(writer io.Writer, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: slog.LevelInfo,
	}

	for _, s := range strings.Split(debugLevel, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		fields := strings.Split(s, "=")
		switch len(fields) {
		case 1:
			lvl, ok := slog.LevelFromString(fields[0])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", fields[0])
			}
			lm.DefaultLevel = lvl
		case 2:
			lvl, ok := slog.LevelFromString(fields[1])
			if !ok {
				return nil, fmt.Errorf("unknown log level %q for subsystem %q", fields[1], fields[0])
			}
			lm.Levels[fields[0]] = lvl
		default:
			return nil, fmt.Errorf("malformed debug level specification %q", s)
		}
	}
	return lm, nil
}

// Level returns the configured level for the subsystem, or DefaultLevel if
// none was specified.
func (lm *LoggerMaker) Level(name string) slog.Level {
	if lvl, ok := lm.Levels[name]; ok {
		return lvl
	}
	return lm.DefaultLevel
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(lm.Level(parent))
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the configured
// level for the subsystem is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.Level(name)
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}
