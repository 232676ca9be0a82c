// Package logging builds the process zap logger. Everything under internal/
// logs through zap; the file sink lives in the workspace logs directory so
// failures stay inspectable after the terminal session is gone.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFilename = "colloquy.log"

// New creates a logger writing JSON lines to logsDir/colloquy.log. When
// debug is set, entries are mirrored to stderr at debug level.
func New(logsDir string, debug bool) (*zap.Logger, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logsDir, logFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level),
	}
	if debug {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.AddSync(os.Stderr),
			zapcore.DebugLevel,
		))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

// ForSession returns a child logger tagged with the session id.
func ForSession(base *zap.Logger, sessionID string) *zap.Logger {
	if base == nil {
		return zap.NewNop()
	}
	return base.With(zap.String("session_id", sessionID))
}
