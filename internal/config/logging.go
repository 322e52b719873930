package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug and carries every KLF200 frame in hex.
const LevelTrace = slog.LevelDebug - 4

var levelsByName = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a case-insensitive level name to an [slog.Level].
// The empty string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return slog.LevelInfo, nil
	}
	if l, ok := levelsByName[name]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames renders levels below debug as "TRACE" instead
// of slog's "DEBUG-4". Use it as [slog.HandlerOptions.ReplaceAttr].
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l < slog.LevelDebug {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// EffectiveLevel resolves Level and Verbose into the process log level.
// An invalid Level falls back to info; [Config.Validate] reports it.
func (c LogConfig) EffectiveLevel() slog.Level {
	if strings.TrimSpace(c.Level) == "" && c.Verbose {
		return slog.LevelDebug
	}
	level, _ := ParseLogLevel(c.Level)
	return level
}

// KLF200Level is the level of the gateway client's logger. log.klf200
// lowers it to trace and leaves the rest of the process alone.
func (c LogConfig) KLF200Level() slog.Level {
	if c.KLF200 {
		return LevelTrace
	}
	return c.EffectiveLevel()
}

// NewLogger returns a logger writing to w in the configured format at
// level. Any format other than "json" selects text.
func (c LogConfig) NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogLevelNames}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
