// Package logger provides structured logging for the content store
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with content store specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a configured level name to a zerolog level
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "contentstore").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Component returns a logger tagged with an engine component name
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// Workspace returns a logger tagged with a workspace name
func (l *Logger) Workspace(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("workspace", name).Logger()}
}

// LogGrpcRequest logs a gRPC request with structured fields
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "grpc").
			Str("method", method).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("gRPC request completed")
}

// LogCommit logs a committed or rejected transaction
func (l *Logger) LogCommit(workspace string, seq uint64, nodes int, duration time.Duration, err error) {
	if err != nil {
		l.zlog.Debug().
			Str("workspace", workspace).
			Int("nodes", nodes).
			Dur("duration_ms", duration).
			Err(err).
			Msg("Commit rejected")
		return
	}
	l.zlog.Debug().
		Str("workspace", workspace).
		Uint64("seq", seq).
		Int("nodes", nodes).
		Dur("duration_ms", duration).
		Msg("Commit installed")
}

// LogBackendOperation logs a persistence backend operation
func (l *Logger) LogBackendOperation(operation string, duration time.Duration, recordCount int, err error) {
	event := l.zlog.Debug().
		Str("component", "storage").
		Str("operation", operation).
		Dur("duration_ms", duration).
		Int("record_count", recordCount)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "storage").
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("Storage operation completed")
}

// LogVersionOperation logs a checkin, checkout, restore or merge on a
// versionable node
func (l *Logger) LogVersionOperation(operation, workspace, node, version string, err error) {
	if err != nil {
		l.zlog.Warn().
			Str("component", "version").
			Str("operation", operation).
			Str("workspace", workspace).
			Str("node", node).
			Err(err).
			Msg("Version operation failed")
		return
	}
	l.zlog.Debug().
		Str("component", "version").
		Str("operation", operation).
		Str("workspace", workspace).
		Str("node", node).
		Str("version", version).
		Msg("Version operation completed")
}

// LogListenerFailure logs an event listener that returned an error or
// panicked while handling a bundle
func (l *Logger) LogListenerFailure(listener string, events int, err error) {
	l.zlog.Warn().
		Str("component", "observation").
		Str("listener", listener).
		Int("events", events).
		Err(err).
		Msg("Event listener failed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, backend string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("backend", backend).
		Msg("Content store server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("Content store server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("Content store server shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
