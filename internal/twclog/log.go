// Package twclog is the daemon's logging surface: a package-level
// sugared logger, a string-to-level parser for the --log-level flag,
// and a lumberjack-backed rotating file sink for --log-file.
package twclog

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the package-wide sink. It defaults to an info-level console
// logger so components can log before cmd/twcmasterd installs the
// configured one.
var Logger = &twcLogger{zap.Must(zap.NewProduction()).Sugar()}

// twcLogger wraps *zap.SugaredLogger so a canceled context never reads
// as an error in the logs: it's the normal shutdown path, not a fault.
type twcLogger struct {
	*zap.SugaredLogger
}

func (l *twcLogger) Errorw(msg string, keysAndValues ...interface{}) {
	for _, v := range keysAndValues {
		if errors.Is(asError(v), context.Canceled) {
			l.Warnw(msg, keysAndValues...)
			return
		}
	}
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}

func asError(v interface{}) error {
	err, _ := v.(error)
	return err
}

// ParseLogLevel maps a --log-level string to a zap.AtomicLevel,
// defaulting to info on an empty string.
func ParseLogLevel(level string) (zap.AtomicLevel, error) {
	if level == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zap.AtomicLevel{}, err
	}
	return zap.NewAtomicLevelAt(l), nil
}

// CreateLogger builds the package logger: a rotating file sink if
// logFile is set, otherwise a JSON console logger.
func CreateLogger(level zap.AtomicLevel, logFile string) *twcLogger {
	if logFile != "" {
		return CreateLoggerWithLumberjack(logFile, 10, level.Level())
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	l, err := cfg.Build()
	if err != nil {
		return &twcLogger{zap.NewNop().Sugar()}
	}
	return &twcLogger{l.Sugar()}
}

// CreateLoggerWithLumberjack builds a logger that rotates logFile once
// it exceeds maxSizeMB, keeping a handful of compressed backups.
func CreateLoggerWithLumberjack(logFile string, maxSizeMB int, level zapcore.Level) *twcLogger {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
	encoderCfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), w, level)
	return &twcLogger{zap.New(core).Sugar()}
}
