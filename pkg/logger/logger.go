package logger

import (
	"io"
	"log/slog"
	"os"
)

// Option customises logger construction.
type Option func(*options)

type options struct {
	writer io.Writer
	text   bool
}

// WithWriter sends output to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithText selects the human readable text handler.
func WithText() Option {
	return func(o *options) { o.text = true }
}

// New returns a slog.Logger tagged with the service name. Output is JSON on
// stdout unless overridden.
func New(service string, level slog.Level, opts ...Option) *slog.Logger {
	o := options{writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if o.text {
		h = slog.NewTextHandler(o.writer, handlerOpts)
	} else {
		h = slog.NewJSONHandler(o.writer, handlerOpts)
	}
	return slog.New(h).With("service", service)
}
