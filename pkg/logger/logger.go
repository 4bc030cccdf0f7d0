package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

type ctxKey string

// RequestIDKey is the context key the HTTP layer stores request ids under.
const RequestIDKey ctxKey = "request_id"

var (
	defaultLogger *Logger
)

type Config struct {
	Level  string
	Format string
	Output string
	File   FileConfig
	Fields map[string]interface{}
}

type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Init(cfg Config) error {
	log := logrus.New()

	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "@timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	log.SetOutput(outputFor(cfg))

	fields := logrus.Fields{
		"app":     "asterisk-call-checker",
		"version": "1.0.0",
		"pid":     os.Getpid(),
	}

	for k, v := range cfg.Fields {
		fields[k] = v
	}

	defaultLogger = &Logger{
		Logger: log,
		fields: fields,
	}

	return nil
}

func outputFor(cfg Config) io.Writer {
	if cfg.File.Enabled {
		return &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		}
	}
	if cfg.Output == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// SetOutput redirects the default logger, mainly for tests.
func SetOutput(w io.Writer) {
	if defaultLogger != nil {
		defaultLogger.Logger.SetOutput(w)
	}
}

func WithContext(ctx context.Context) *Logger {
	base := get()

	fields := map[string]interface{}{}
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		fields["request_id"] = reqID
	}

	return base.WithFields(fields)
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	newFields := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: newFields,
	}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(map[string]interface{}{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Log methods take a message followed by optional key/value pairs.
func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.entry(kv).Debug(msg)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.entry(kv).Info(msg)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.entry(kv).Warn(msg)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.entry(kv).Error(msg)
}

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.entry(kv).Fatal(msg)
}

func (l *Logger) entry(kv []interface{}) *logrus.Entry {
	fields := make(logrus.Fields, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		fields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if err, isErr := kv[i+1].(error); isErr {
			fields[key] = err.Error()
			continue
		}
		fields[key] = kv[i+1]
	}
	if len(kv)%2 == 1 {
		fields["extra"] = kv[len(kv)-1]
	}
	return l.Logger.WithFields(fields)
}

// Convenience functions

func Debug(msg string, kv ...interface{}) {
	get().Debug(msg, kv...)
}

func Info(msg string, kv ...interface{}) {
	get().Info(msg, kv...)
}

func Warn(msg string, kv ...interface{}) {
	get().Warn(msg, kv...)
}

func Error(msg string, kv ...interface{}) {
	get().Error(msg, kv...)
}

func Fatal(msg string, kv ...interface{}) {
	get().Fatal(msg, kv...)
}

func WithField(key string, value interface{}) *Logger {
	return get().WithField(key, value)
}

func WithFields(fields map[string]interface{}) *Logger {
	return get().WithFields(fields)
}

func WithError(err error) *Logger {
	return get().WithError(err)
}

// get falls back to a discarding logger so packages stay usable before Init.
func get() *Logger {
	if defaultLogger != nil {
		return defaultLogger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Logger: l, fields: make(logrus.Fields)}
}
