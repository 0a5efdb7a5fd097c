package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Options select the sinks of a SlogManager. Nil sinks are skipped.
type Options struct {
	// Level is a level name; when empty Verbosity decides.
	Level     string
	Verbosity int
	// File receives text logs. Stdout is only written when File is nil.
	File io.Writer
	// Gelf receives JSON logs, normally a *gelf.Writer.
	Gelf     io.Writer
	Provider *sdklog.LoggerProvider
	// Scope is the instrumentation scope of the OTel bridge.
	Scope   string
	Context ContextProvider
}

// SlogManager owns the process logger and the OTel provider behind it.
type SlogManager struct {
	logger      *slog.Logger
	level       *slog.LevelVar
	logProvider *sdklog.LoggerProvider
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{level: new(slog.LevelVar)}
}

// parseLevel accepts slog level names in any case and falls back to info.
func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// VerbosityLevel maps the numeric verbosity flag of the binaries to a level:
// 0 warn, 1 info, 2 and above debug.
func VerbosityLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelWarn
	case v == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Setup replaces the logger with one fanned out to the configured sinks.
func (m *SlogManager) Setup(opts Options) {
	lvl := VerbosityLevel(opts.Verbosity)
	if opts.Level != "" {
		lvl = parseLevel(opts.Level)
	}
	m.level.Set(lvl)
	m.logProvider = opts.Provider

	handlerOpts := &slog.HandlerOptions{
		Level: m.level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handlers []slog.Handler
	if opts.File != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.File, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	if opts.Gelf != nil {
		handlers = append(handlers, slog.NewJSONHandler(opts.Gelf, handlerOpts))
	}
	if opts.Provider != nil {
		scope := opts.Scope
		if scope == "" {
			scope = "kinect-server"
		}
		handlers = append(handlers, otelslog.NewHandler(scope, otelslog.WithLoggerProvider(opts.Provider)))
	}

	var h slog.Handler = NewFanout(handlers...)
	if opts.Context != nil {
		h = NewContextHandler(h, opts.Context)
	}
	m.logger = slog.New(h)
	m.logger.Info("Logging initialized", "level", lvl.String())
}

// SetLevel changes the level of an already configured logger.
func (m *SlogManager) SetLevel(l slog.Level) {
	m.level.Set(l)
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
