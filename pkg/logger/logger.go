// Package logger holds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger. It writes JSON to stdout when APP_ENV is
// "production" and a console format to stderr otherwise, until Configure
// replaces it.
var Log zerolog.Logger

func init() {
	format := "console"
	if os.Getenv("APP_ENV") == "production" {
		format = "json"
	}
	Configure(os.Getenv("LOG_LEVEL"), format)
}

// Configure rebuilds the global logger. format is "json" or "console"; any
// other value keeps the current output. Unknown levels fall back to info.
func Configure(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer
	switch format {
	case "json":
		out = os.Stdout
	case "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	if out != nil {
		Log = zerolog.New(out).With().Timestamp().Logger()
	}
	Log = Log.Level(lvl)
}

// ForQueue returns a child logger tagged with the queue name.
func ForQueue(name string) zerolog.Logger {
	return Log.With().Str("queue", name).Logger()
}
