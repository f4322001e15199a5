// Package logging provides structured logging for dwhload.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Config holds logging configuration.
type Config struct {
	Level      string
	Pretty     bool
	TimeFormat string

	// File, when set, receives JSON logs through a size-rotated writer in
	// addition to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int

	// Out overrides the console destination (stderr).
	Out io.Writer
}

// DefaultConfig returns default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Pretty:     true,
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global logger and returns a closer for the file sink.
// The closer is never nil.
func Init(cfg Config) io.Closer {
	l, closer := New(cfg)
	Logger = l
	return closer
}

// New builds a logger from cfg without touching the global.
func New(cfg Config) (zerolog.Logger, io.Closer) {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	var console io.Writer = out
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: timeFormat,
		}
	}

	var closer io.Closer = nopCloser{}
	writer := console
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		writer = zerolog.MultiLevelWriter(console, rot)
		closer = rot
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger(), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Debug returns a debug level event.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info returns an info level event.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn returns a warning level event.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error returns an error level event.
func Error() *zerolog.Event {
	return Logger.Error()
}

func init() {
	Init(DefaultConfig())
}
