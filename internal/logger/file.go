package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logFilePermissions restricts the log file to the owner and group.
const logFilePermissions = 0o640

// Configure applies the textual level and, when path is set, tees the global
// logger into an append-only file. It is meant to be called once at startup,
// before the logger is bound to any context. The returned function flushes
// and closes the file and restores the previous global logger.
func Configure(levelName, path string) (func(), error) {
	if levelName != "" {
		level, ok := ParseLogLevel(levelName)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q", levelName)
		}

		SetLevel(level)
	}

	if path == "" {
		return Sync, nil
	}

	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	//nolint:exhaustruct // Defaults are fine for the file encoder.
	fileEncoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		MessageKey:       "message",
		LevelKey:         "level",
		NameKey:          "logger",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	})

	fileCore := zapcore.NewCore(fileEncoder, zapcore.AddSync(file), defaultLevel)

	previous := global

	SetLogger(New(defaultLevel, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})))

	return func() {
		Sync()
		SetLogger(previous)

		_ = file.Close()
	}, nil
}
