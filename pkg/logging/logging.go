package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatPretty = "pretty"
	FormatJSON   = "json"
)

// Logger wraps zerolog.Logger so packages can attach repofetch-specific
// context fields without importing zerolog directly.
type Logger struct {
	zerolog.Logger
}

type Options struct {
	Level  string
	Format string // "pretty" or "json"
	Output io.Writer
}

// New creates a logger writing to opts.Output (stderr by default).
func New(opts Options) *Logger {
	var output io.Writer = os.Stderr
	if opts.Output != nil {
		output = opts.Output
	}

	if opts.Format != FormatJSON {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.Kitchen,
		}
	}

	logger := zerolog.New(output).
		Level(ParseLevel(opts.Level)).
		With().
		Timestamp().
		Logger()

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// WithProvider returns a child logger tagged with a provider name.
func (l *Logger) WithProvider(name string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("provider", name).Logger()}
}

// WithSource returns a child logger tagged with the raw source string.
func (l *Logger) WithSource(src string) *Logger {
	return &Logger{Logger: l.Logger.With().Str("source", src).Logger()}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}
