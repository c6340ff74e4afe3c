package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON production logger writing to stderr. Unknown levels
// fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	return build(level, nil)
}

// NewFileLogger additionally writes every entry to path. An empty path is the
// same as NewLogger.
func NewFileLogger(level, path string) (*zap.Logger, error) {
	if path == "" {
		return NewLogger(level)
	}
	return build(level, []string{path})
}

func build(level string, extraOutputs []string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	l, err := zapcore.ParseLevel(level)
	if err != nil {
		l = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(l)
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	config.OutputPaths = append(config.OutputPaths, extraOutputs...)
	config.ErrorOutputPaths = append(config.ErrorOutputPaths, extraOutputs...)

	return config.Build()
}
