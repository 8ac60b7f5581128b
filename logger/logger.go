package logger

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Env    string // production | development
	Level  string // debug | info | warn | error
	Format string // json | console
}

// New builds the process logger. Production defaults to JSON at info level
// with stack traces on errors; development uses a console encoder at debug.
func New(opts Options) *zap.Logger {
	production := opts.Env == "production" || opts.Env == "prod"

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = iso8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	format := strings.ToLower(opts.Format)
	if format == "" {
		if production {
			format = "json"
		} else {
			format = "console"
		}
	}

	var enc zapcore.Encoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(parseLevel(opts.Level, production))
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)

	zopts := []zap.Option{zap.AddCaller()}
	if production {
		zopts = append(zopts, zap.AddStacktrace(zapcore.ErrorLevel))
	} else {
		zopts = append(zopts, zap.Development())
	}

	return zap.New(core, zopts...).With(zap.String("service", "guardian"))
}

func parseLevel(lvl string, production bool) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "":
		if production {
			return zapcore.InfoLevel
		}
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func iso8601TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format("2006-01-02T15:04:05Z07:00"))
}
