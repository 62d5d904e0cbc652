package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/iaqbridge/internal/iaq"
)

// FailureObserver is notified once for every sink failure. The metrics
// registry implements it.
type FailureObserver interface {
	SinkFailed(sink string)
}

// FanOut delivers every update to an ordered list of sinks. A sink that
// returns an error or panics is logged and skipped; the remaining sinks
// still see the update.
type FanOut struct {
	sinks    []Sink
	logger   *slog.Logger
	observer FailureObserver
}

// NewFanOut creates a FanOut over sinks, invoked in the given order. A
// nil logger uses [slog.Default].
func NewFanOut(logger *slog.Logger, sinks ...Sink) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
	}
}

// SetFailureObserver registers o to be told about each sink failure.
// Must be called before the first Process.
func (f *FanOut) SetFailureObserver(o FailureObserver) {
	f.observer = o
}

// Name implements [Namer].
func (f *FanOut) Name() string { return "fanout" }

// Len returns the number of registered sinks.
func (f *FanOut) Len() int { return len(f.sinks) }

// Process invokes every sink exactly once with update, in registration
// order. The returned error joins every individual failure, each
// wrapped in a [*Error] naming the sink.
func (f *FanOut) Process(ctx context.Context, update iaq.DeviceUpdate) error {
	var errs []error
	for _, s := range f.sinks {
		if err := f.processOne(ctx, s, update); err != nil {
			name := NameOf(s)
			f.logger.Error("sink failed",
				"sink", name,
				"device_id", update.DeviceID,
				"error", err,
			)
			if f.observer != nil {
				f.observer.SinkFailed(name)
			}
			errs = append(errs, &Error{Sink: name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (f *FanOut) processOne(ctx context.Context, s Sink, update iaq.DeviceUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Process(ctx, update)
}

// Error records which sink failed.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
