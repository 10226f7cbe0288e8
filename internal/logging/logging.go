// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days

	// Out replaces stdout for the console writer.
	Out io.Writer
	// NoColor disables ANSI colours on the console.
	NoColor bool
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "trade-connector", "logs", "connector.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	// Console writer
	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
		if !cfg.NoColor {
			consoleWriter.FormatLevel = formatLevel
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			writers = append(writers, fileWriter)
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = out
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Logger()
}

func formatLevel(i interface{}) string {
	ll, ok := i.(string)
	if !ok {
		return "???"
	}
	switch ll {
	case "debug":
		return "\033[36mDBG\033[0m"
	case "info":
		return "\033[32mINF\033[0m"
	case "warn":
		return "\033[33mWRN\033[0m"
	case "error":
		return "\033[31mERR\033[0m"
	default:
		return ll
	}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithModel adds a model id to the logger context.
func WithModel(logger zerolog.Logger, modelID string) zerolog.Logger {
	return logger.With().Str("model_id", modelID).Logger()
}

// WithTicket adds a position ticket to the logger context.
func WithTicket(logger zerolog.Logger, ticket int64) zerolog.Logger {
	return logger.With().Int64("ticket", ticket).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogSignal logs a prediction.
func LogSignal(logger zerolog.Logger, symbol, signal string, confidence float64) {
	logger.Info().
		Str("event", "signal").
		Str("symbol", symbol).
		Str("signal", signal).
		Float64("confidence", confidence).
		Msg("Signal generated")
}

// LogTrade logs an opened position.
func LogTrade(logger zerolog.Logger, symbol, side string, ticket int64, volume, sl, tp float64) {
	logger.Info().
		Str("event", "trade").
		Str("symbol", symbol).
		Str("side", side).
		Int64("ticket", ticket).
		Float64("volume", volume).
		Float64("sl", sl).
		Float64("tp", tp).
		Msg("Position opened")
}

// LogClose logs a reconciled position.
func LogClose(logger zerolog.Logger, symbol string, ticket int64, profit float64) {
	logger.Info().
		Str("event", "close").
		Str("symbol", symbol).
		Int64("ticket", ticket).
		Float64("profit", profit).
		Msg("Position closed")
}

// LogAPICall logs an API call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
