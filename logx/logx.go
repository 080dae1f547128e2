// Package logx provides the standard logger implementation for mcprpc,
// backed by zerolog.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/localrivet/mcprpc/types"
)

// Options configures a logger built by New.
type Options struct {
	// Level is one of debug, info, warn, error or disabled. Defaults to info.
	Level string
	// Format is "json" or "console". Defaults to console.
	Format string
	// Output defaults to os.Stderr. Stdout belongs to the stdio transport.
	Output io.Writer
}

// Logger is a types.Logger with a mutable level and contextual fields.
type Logger interface {
	types.Logger
	SetLevel(level string) error
	With(key string, value interface{}) Logger
}

// DefaultLogger adapts a zerolog.Logger to the printf-style types.Logger.
type DefaultLogger struct {
	mu     *sync.RWMutex
	logger *zerolog.Logger
}

// New creates a logger from opts.
func New(opts Options) (*DefaultLogger, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	switch strings.ToLower(opts.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000", NoColor: true}
	case "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &DefaultLogger{mu: &sync.RWMutex{}, logger: &zl}, nil
}

// NewDefaultLogger creates a console logger writing to stderr at info level.
func NewDefaultLogger() *DefaultLogger {
	l, _ := New(Options{})
	return l
}

// Nop returns a logger that discards everything.
func Nop() *DefaultLogger {
	zl := zerolog.Nop()
	return &DefaultLogger{mu: &sync.RWMutex{}, logger: &zl}
}

// ParseLevel maps a level name onto a zerolog level. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

func (l *DefaultLogger) current() *zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) {
	l.current().Debug().Msgf(msg, args...)
}

func (l *DefaultLogger) Info(msg string, args ...interface{}) {
	l.current().Info().Msgf(msg, args...)
}

func (l *DefaultLogger) Warn(msg string, args ...interface{}) {
	l.current().Warn().Msgf(msg, args...)
}

func (l *DefaultLogger) Error(msg string, args ...interface{}) {
	l.current().Error().Msgf(msg, args...)
}

// SetLevel changes the minimum level at runtime. Loggers derived with With
// share the level change.
func (l *DefaultLogger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	updated := l.logger.Level(lvl)
	l.logger = &updated
	return nil
}

// With returns a child logger that adds key=value to every entry.
func (l *DefaultLogger) With(key string, value interface{}) Logger {
	child := l.current().With().Interface(key, value).Logger().Level(zerolog.TraceLevel)
	return &childLogger{parent: l, logger: child}
}

// childLogger carries extra fields but follows its parent's level.
type childLogger struct {
	parent *DefaultLogger
	logger zerolog.Logger
}

func (c *childLogger) event(level zerolog.Level) *zerolog.Event {
	if level < c.parent.current().GetLevel() {
		return nil
	}
	return c.logger.WithLevel(level)
}

func (c *childLogger) Debug(msg string, args ...interface{}) {
	c.event(zerolog.DebugLevel).Msgf(msg, args...)
}

func (c *childLogger) Info(msg string, args ...interface{}) {
	c.event(zerolog.InfoLevel).Msgf(msg, args...)
}

func (c *childLogger) Warn(msg string, args ...interface{}) {
	c.event(zerolog.WarnLevel).Msgf(msg, args...)
}

func (c *childLogger) Error(msg string, args ...interface{}) {
	c.event(zerolog.ErrorLevel).Msgf(msg, args...)
}

func (c *childLogger) SetLevel(level string) error { return c.parent.SetLevel(level) }

func (c *childLogger) With(key string, value interface{}) Logger {
	return &childLogger{parent: c.parent, logger: c.logger.With().Interface(key, value).Logger()}
}

// OrDefault returns l, or a stderr logger when l is nil.
func OrDefault(l types.Logger) types.Logger {
	if l == nil {
		return NewDefaultLogger()
	}
	return l
}

// Ensure interface compliance
var (
	_ Logger = (*DefaultLogger)(nil)
	_ Logger = (*childLogger)(nil)
)
