package pullstream

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option configures a Stream.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	metrics       *Metrics
	id            string
	initialSize   int
	highWaterMark int
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		initialSize: minAccumulatorSize,
	}
}

// WithLogger sets the logger. Streams log nothing by default.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records stream activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithID names the stream in log entries. A random UUID is used otherwise.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithInitialSize sets the initial accumulator capacity in bytes.
func WithInitialSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.initialSize = size
		}
	}
}

// WithHighWaterMark pauses the attached upstream once n bytes are buffered and
// resumes it when servicing drains the buffer below n. Zero disables it.
func WithHighWaterMark(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.highWaterMark = n
		}
	}
}

func (o *options) streamID() string {
	if o.id != "" {
		return o.id
	}
	return uuid.NewString()
}
