package client

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newEventLogger builds a zap.Logger whose console encoder produces
// exactly the line format spec.md §6 requires for client log lines:
//
//	HH:MM:SS LEVEL worker_<id> <event>
//
// The worker id and event text are folded into the log message itself
// (see Worker.logEvent); the encoder only needs to get time, level, and
// message right, space-separated instead of zap's default tabs.
func newEventLogger(w io.Writer) *zap.Logger {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeDuration:   zapcore.SecondsDurationEncoder,
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zapcore.InfoLevel)
	return zap.New(core)
}
