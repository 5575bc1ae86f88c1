// Package logging provides structured logging on top of zap, bridged into OpenTelemetry logs
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"tradeguard/internal/core"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is the instrumentation scope used for the OTel log bridge
const ServiceName = "tradeguard"

// Options configure New
type Options struct {
	Level  string
	Format string // console (default) or json
	Output io.Writer
	// NoBridge skips the OTel tee, for CLI commands that print to a terminal
	NoBridge bool
}

// ZapLogger implements core.ILogger using zap.Logger
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a console logger on stdout at the given level, tee'd
// into the global OTel logger provider
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	return New(Options{Level: levelStr})
}

// New builds a logger from opts
func New(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	c := zapcore.NewCore(enc, zapcore.AddSync(out), level)
	if !opts.NoBridge {
		c = zapcore.NewTee(c, otelzap.NewCore(ServiceName, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}

	return &ZapLogger{logger: zap.New(c, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// ParseLevel parses a log level string (DEBUG, INFO, WARN, ERROR, FATAL)
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zap.DebugLevel, nil
	case "", "INFO":
		return zap.InfoLevel, nil
	case "WARN":
		return zap.WarnLevel, nil
	case "ERROR":
		return zap.ErrorLevel, nil
	case "FATAL":
		return zap.FatalLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// field picks a typed zap field so quantities, errors and durations render
// as text instead of reflected structs
func field(key string, v interface{}) zap.Field {
	switch val := v.(type) {
	case decimal.Decimal:
		return zap.String(key, val.String())
	case *decimal.Decimal:
		if val == nil {
			return zap.Skip()
		}
		return zap.String(key, val.String())
	case error:
		if val == nil {
			return zap.Skip()
		}
		return zap.String(key, val.Error())
	case time.Duration:
		return zap.Duration(key, val)
	case time.Time:
		return zap.Time(key, val)
	default:
		return zap.Any(key, v)
	}
}

// fields turns alternating key/value pairs into zap fields. A trailing key
// without a value is dropped.
func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, field(key, kv[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.logger.Debug(msg, fields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.logger.Info(msg, fields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.logger.Warn(msg, fields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.logger.Error(msg, fields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.logger.Fatal(msg, fields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(field(key, value))}
}

func (l *ZapLogger) WithFields(kv map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(kv))
	for k, v := range kv {
		zf = append(zf, field(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
