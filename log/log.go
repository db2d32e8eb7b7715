package log

import (
	"context"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// CorrelationIDKey is the field key used to log request correlation IDs.
const CorrelationIDKey = "correlation_id"

// Fields is an alias for the underlying logger fields type.
type Fields = logrus.Fields

// Logger is the interface used for application logging. It is satisfied by
// the logrus backed implementation returned from GetLogger.
type Logger interface {
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Trace(args ...any)
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)

	Tracef(format string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type logger struct {
	entry *logrus.Entry
}

func (l *logger) WithFields(fields Fields) Logger {
	return &logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *logger) WithError(err error) Logger {
	return &logger{entry: l.entry.WithError(err)}
}

func (l *logger) Trace(args ...any) { l.entry.Trace(args...) }
func (l *logger) Debug(args ...any) { l.entry.Debug(args...) }
func (l *logger) Info(args ...any)  { l.entry.Info(args...) }
func (l *logger) Warn(args ...any)  { l.entry.Warn(args...) }
func (l *logger) Error(args ...any) { l.entry.Error(args...) }

func (l *logger) Tracef(format string, args ...any) { l.entry.Tracef(format, args...) }
func (l *logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

type options struct {
	ctx  context.Context
	keys []any
}

// Option is used to pass options to GetLogger.
type Option func(*options)

// WithContext sets the context from which correlation and key/value fields
// are extracted.
func WithContext(ctx context.Context) Option {
	return func(opts *options) {
		opts.ctx = ctx
	}
}

// WithKeys sets the context value keys whose values should be added to the
// logger fields, keyed by their string representation.
func WithKeys(keys ...any) Option {
	return func(opts *options) {
		opts.keys = append(opts.keys, keys...)
	}
}

// GetLogger returns an application logger. When a context is provided, the
// request correlation ID and any requested context values are promoted to
// log fields.
func GetLogger(opts ...Option) Logger {
	config := options{}
	for _, v := range opts {
		v(&config)
	}

	entry := logrus.NewEntry(logrus.StandardLogger())
	l := &logger{entry: entry}

	if config.ctx == nil {
		return l
	}

	fields := Fields{}
	if id := correlation.ExtractFromContext(config.ctx); id != "" {
		fields[CorrelationIDKey] = id
	}
	for _, key := range config.keys {
		if v := config.ctx.Value(key); v != nil {
			fields[toString(key)] = v
		}
	}

	return l.WithFields(fields)
}

func toString(key any) string {
	if s, ok := key.(string); ok {
		return s
	}
	type stringer interface{ String() string }
	if s, ok := key.(stringer); ok {
		return s.String()
	}
	return "unknown"
}
