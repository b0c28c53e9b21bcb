package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dmitrymomot/billsync/pkg/config"
)

// Format represents logger output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Option configures logger creation.
type Option func(*options)

type options struct {
	level      slog.Level
	format     Format
	output     io.Writer
	attrs      []slog.Attr
	extractors []ContextExtractor
}

func WithLevel(l slog.Level) Option {
	return func(o *options) { o.level = l }
}

// WithLevelName parses "debug", "info", "warn" or "error". Unknown names keep the current level.
func WithLevelName(name string) Option {
	return func(o *options) {
		var l slog.Level
		if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err == nil {
			o.level = l
		}
	}
}

// WithFormat sets output format. Panics on unknown formats: misconfiguration should stop startup.
func WithFormat(f Format) Option {
	return func(o *options) {
		switch f {
		case FormatJSON, FormatText:
			o.format = f
		default:
			panic(fmt.Errorf("invalid log format %q: must be %q or %q", f, FormatJSON, FormatText))
		}
	}
}

// WithOutput sets custom output destination, ignoring nil writers.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// WithAttr adds static attributes to every log record.
func WithAttr(attrs ...slog.Attr) Option {
	return func(o *options) {
		o.attrs = append(o.attrs, attrs...)
	}
}

// WithContextExtractors registers functions that inject attributes from context at log time.
func WithContextExtractors(extractors ...ContextExtractor) Option {
	return func(o *options) {
		for _, ex := range extractors {
			if ex != nil {
				o.extractors = append(o.extractors, ex)
			}
		}
	}
}

// WithEnvironment applies the preset for env: text/debug in development,
// JSON/info elsewhere. The service and env names are attached to every record.
func WithEnvironment(env config.Environment, service string) Option {
	return func(o *options) {
		if env.IsDevelopment() {
			o.level = slog.LevelDebug
			o.format = FormatText
		} else {
			o.level = slog.LevelInfo
			o.format = FormatJSON
		}
		if env == "" {
			env = config.Development
		}
		if service != "" {
			o.attrs = append(o.attrs, slog.String("service", service))
		}
		o.attrs = append(o.attrs, slog.String("env", env.String()))
	}
}

// New creates a configured slog.Logger. Request and event identifiers stored in the
// context by this package are always extracted.
func New(opts ...Option) *slog.Logger {
	o := &options{
		level:  slog.LevelInfo,
		format: FormatJSON,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}

	handlerOpts := &slog.HandlerOptions{Level: o.level}

	var handler slog.Handler
	if o.format == FormatText {
		handler = slog.NewTextHandler(o.output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(o.output, handlerOpts)
	}
	if len(o.attrs) > 0 {
		handler = handler.WithAttrs(o.attrs)
	}

	extractors := append([]ContextExtractor{requestIDExtractor, eventIDExtractor}, o.extractors...)
	return slog.New(NewLogHandlerDecorator(handler, extractors...))
}

// Discard returns a logger that drops everything. Handy as a default in constructors and tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func SetAsDefault(l *slog.Logger) {
	slog.SetDefault(l)
}
