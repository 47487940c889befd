package fluxfs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type logger struct {
	logger zerolog.Logger
	debug  bool
}

var (
	// Logger is the package-wide structured logger. Call InitLogger
	// before use; GetLogger panics otherwise.
	Logger *logger
	once   sync.Once
)

// InitLogger configures the zerolog-backed package logger. prettyLogs
// switches to the human-readable console writer.
func InitLogger(debugMode bool, prettyLogs bool) {
	once.Do(func() {
		var output io.Writer = os.Stderr

		zerolog.TimeFieldFormat = time.RFC3339
		logLevel := zerolog.InfoLevel
		if debugMode {
			logLevel = zerolog.DebugLevel
		}

		if prettyLogs {
			output = zerolog.ConsoleWriter{Out: os.Stderr}
		}

		zl := zerolog.New(output).
			Level(logLevel).
			With().
			Timestamp().
			Logger()

		Logger = &logger{
			logger: zl,
			debug:  debugMode,
		}
	})
}

// GetLogger returns the package logger, initializing a quiet default
// when InitLogger was never called (library use, tests).
func GetLogger() *logger {
	if Logger == nil {
		InitLogger(false, false)
	}
	return Logger
}

func (l *logger) addFields(event *zerolog.Event, fields ...any) *zerolog.Event {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, fields[i+1])
	}
	return event
}

func (l *logger) Debug(msg string, fields ...any) {
	if l.debug {
		l.addFields(l.logger.Debug(), fields...).Msg(msg)
	}
}

func (l *logger) Info(msg string, fields ...any) {
	l.addFields(l.logger.Info(), fields...).Msg(msg)
}

func (l *logger) Warn(msg string, fields ...any) {
	l.addFields(l.logger.Warn(), fields...).Msg(msg)
}

func (l *logger) Error(msg string, fields ...any) {
	l.addFields(l.logger.Error(), fields...).Msg(msg)
}
