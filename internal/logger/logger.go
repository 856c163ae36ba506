// Package logger provides structured logging for spatialstore
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with spatialstore-specific helpers
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

// ParseLevel maps a config level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
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
		Str("service", "spatialstore").
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

// Zerolog returns the underlying zerolog logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Info starts an info event
func (l *Logger) Info() *zerolog.Event { return l.zlog.Info() }

// Debug starts a debug event
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }

// Warn starts a warning event
func (l *Logger) Warn() *zerolog.Event { return l.zlog.Warn() }

// Error starts an error event
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }

// Fatal starts a fatal event; the process exits after Msg
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// IndexLogger returns a logger for one spatial index
func (l *Logger) IndexLogger(name string) zerolog.Logger {
	return l.zlog.With().
		Str("component", "index").
		Str("index", name).
		Logger()
}

// StoreLogger returns a logger for the document store
func (l *Logger) StoreLogger() zerolog.Logger {
	return l.zlog.With().Str("component", "docstore").Logger()
}

// HTTPLogger returns a logger for the HTTP surface
func (l *Logger) HTTPLogger() zerolog.Logger {
	return l.zlog.With().Str("component", "http").Logger()
}

// GrpcLogger returns a logger for gRPC operations
func (l *Logger) GrpcLogger(method string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "grpc").
			Str("method", method).
			Logger(),
	}
}

// LogGrpcRequest logs a completed gRPC request
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogQuery logs a spatial query
func (l *Logger) LogQuery(index, bbox, mode string, results int, duration time.Duration, err error) {
	event := l.zlog.Debug()
	if err != nil {
		event = l.zlog.Warn().Err(err)
	}
	event.
		Str("component", "query").
		Str("index", index).
		Str("bbox", bbox).
		Str("mode", mode).
		Int("results", results).
		Dur("duration_ms", duration).
		Msg("Spatial query completed")
}

// LogGeneration logs a document write accepted by the store
func (l *Logger) LogGeneration(docID string, seq uint64, deleted bool) {
	l.zlog.Debug().
		Str("component", "docstore").
		Str("doc_id", docID).
		Uint64("seq", seq).
		Bool("deleted", deleted).
		Msg("Document change recorded")
}

// LogRebuild logs a definition change that triggers an index rebuild
func (l *Logger) LogRebuild(index, signature string) {
	l.zlog.Info().
		Str("component", "index").
		Str("index", index).
		Str("signature", signature).
		Msg("Index definition applied")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(httpAddr, grpcAddr, dataDir string) {
	l.zlog.Info().
		Str("event", "server_start").
		Str("http", httpAddr).
		Str("grpc", grpcAddr).
		Str("data_dir", dataDir).
		Msg("spatialstore server starting")
}

// LogServerReady logs when every index has completed its initial build
func (l *Logger) LogServerReady(indexes int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("indexes", indexes).
		Msg("spatialstore server ready to accept queries")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("spatialstore server shutting down")
}

var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = globalLogger.zlog
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
