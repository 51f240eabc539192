package utils

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// InitLogger configures the global logger. When file is non-empty, output is
// duplicated to a size-rotated log file.
func InitLogger(file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool, level string) {
	var w io.Writer = os.Stdout
	if file != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		})
	}
	logger = zerolog.New(w).With().Timestamp().Logger()
	SetLogLevel(level)
}

// SetLogLevel adjusts the level of the global logger. Unknown levels fall
// back to info.
func SetLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl)
}

// SetLoggerForTest swaps the package logger. Only tests use this.
func SetLoggerForTest(l zerolog.Logger) {
	logger = l
}

// Debug logs a debug message with alternating key/value pairs.
func Debug(msg string, kv ...interface{}) {
	withKV(logger.Debug(), kv).Msg(msg)
}

// Info logs an info message with alternating key/value pairs.
func Info(msg string, kv ...interface{}) {
	withKV(logger.Info(), kv).Msg(msg)
}

// Warn logs a warning with alternating key/value pairs.
func Warn(msg string, kv ...interface{}) {
	withKV(logger.Warn(), kv).Msg(msg)
}

// Error logs an error with alternating key/value pairs.
func Error(msg string, kv ...interface{}) {
	withKV(logger.Error(), kv).Msg(msg)
}

func withKV(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}
