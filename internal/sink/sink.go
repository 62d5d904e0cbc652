// Package sink defines the consumers of normalized air-quality updates
// and the fan-out that feeds several of them from one event stream.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/iaqbridge/internal/iaq"
)

// Sink consumes device updates. Implementations must be safe for
// concurrent use; the pipeline calls Process from a single goroutine
// but sinks may be shared between pipelines.
type Sink interface {
	Process(ctx context.Context, update iaq.DeviceUpdate) error
}

// Func adapts an ordinary function to the [Sink] interface.
type Func func(ctx context.Context, update iaq.DeviceUpdate) error

// Process calls f.
func (f Func) Process(ctx context.Context, update iaq.DeviceUpdate) error {
	return f(ctx, update)
}

// Namer is implemented by sinks that want a stable name in logs and
// metrics. Sinks without one are named by their Go type.
type Namer interface {
	Name() string
}

// Named wraps s so that it reports name.
func Named(name string, s Sink) Sink {
	return named{name: name, Sink: s}
}

type named struct {
	name string
	Sink
}

func (n named) Name() string { return n.name }

// NameOf returns the name a sink is reported under.
func NameOf(s Sink) string {
	if n, ok := s.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// Log writes one structured log record per update.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log sink. A nil logger uses [slog.Default].
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Name implements [Namer].
func (l *Log) Name() string { return "log" }

// Process logs the update at info level.
func (l *Log) Process(ctx context.Context, u iaq.DeviceUpdate) error {
	l.logger.InfoContext(ctx, "update received",
		"device_id", u.DeviceID,
		"co2", u.CO2,
		"hcho", u.HCHO,
		"tvoc", u.TVOC,
		"pm25", u.PM25,
		"temperature", u.Temperature,
		"humidity", u.Humidity,
		"iq", u.IQ,
	)
	return nil
}
