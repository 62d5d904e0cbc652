// Package pipeline runs the bridge: it authenticates with the vendor
// cloud, opens the event stream, classifies every frame and hands
// updates to a sink. A session that ends is restarted with exponential
// backoff until it keeps failing for too many attempts in a row.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/iaqbridge/internal/iaq"
	"github.com/nugget/iaqbridge/internal/retry"
	"github.com/nugget/iaqbridge/internal/sink"
)

// ErrGaveUp is returned by [Orchestrator.Run] when sessions kept
// failing for the configured number of attempts.
var ErrGaveUp = errors.New("gave up reconnecting to event stream")

// State is the orchestrator's lifecycle state.
type State int32

const (
	StateAuthenticating State = iota
	StateConnected
	StateReceiving
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Authenticator obtains a session for the event stream.
type Authenticator interface {
	Login(ctx context.Context) (string, error)
}

// Stream yields raw text frames.
type Stream interface {
	// Next returns the next frame. It returns ctx.Err() once ctx is
	// done and io.EOF when the server closes the stream.
	Next(ctx context.Context) (string, error)
	Close() error
}

// Streamer opens an event stream for a session.
type Streamer interface {
	OpenStream(ctx context.Context, session string) (Stream, error)
}

// Observer is told about frames, state changes and session results. The
// metrics registry implements it.
type Observer interface {
	FrameReceived()
	FrameOutcome(outcome string)
	SetPipelineState(state int)
	SessionEnded(result string)
}

// Config controls session supervision.
type Config struct {
	// MaxAttempts is the number of consecutive failed sessions after
	// which Run gives up. 1 means a single connection attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver reports progress to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithSessionHook runs fn after every successful login, before the
// stream is opened. It is used to fetch the device list.
func WithSessionHook(fn func(ctx context.Context, session string)) Option {
	return func(o *Orchestrator) { o.onSession = fn }
}

// Orchestrator ties the authenticator, stream, classifier and sink
// together.
type Orchestrator struct {
	auth       Authenticator
	streamer   Streamer
	classifier *iaq.Classifier
	sink       sink.Sink
	cfg        Config
	logger     *slog.Logger
	observer   Observer
	onSession  func(ctx context.Context, session string)

	state atomic.Int32
}

// New creates an Orchestrator. A nil logger uses [slog.Default].
func New(auth Authenticator, streamer Streamer, classifier *iaq.Classifier, s sink.Sink, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	o := &Orchestrator{
		auth:       auth,
		streamer:   streamer,
		classifier: classifier,
		sink:       s,
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) == s {
		return
	}
	o.logger.Debug("pipeline state", "state", s.String())
	if o.observer != nil {
		o.observer.SetPipelineState(int(s))
	}
}

// Run supervises sessions until ctx is cancelled, a credential is
// rejected, or MaxAttempts consecutive sessions fail. A session that
// received at least one frame resets the failure count. Run returns nil
// when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.setState(StateTerminated)

	backoff := retry.NewBackoff(retry.Config{
		MaxAttempts:  o.cfg.MaxAttempts,
		InitialDelay: o.cfg.InitialDelay,
		MaxDelay:     o.cfg.MaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	})

	failures := 0
	for {
		received, err := o.session(ctx)
		if ctx.Err() != nil {
			return nil
		}

		result := "error"
		if received {
			result = "ok"
			failures = 0
			backoff.Reset()
		}
		if o.observer != nil {
			o.observer.SessionEnded(result)
		}

		if retry.IsNonRetryable(err) {
			o.logger.Error("event stream session failed permanently", "error", err)
			return err
		}

		failures++
		if failures >= o.cfg.MaxAttempts {
			o.logger.Error("giving up on event stream", "attempts", failures, "error", err)
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, failures, err)
		}

		delay := backoff.Next()
		o.logger.Warn("event stream session ended, reconnecting",
			"error", err,
			"attempt", failures,
			"max_attempts", o.cfg.MaxAttempts,
			"delay", delay.Round(time.Millisecond).String(),
		)
		if !retry.Sleep(ctx, delay) {
			return nil
		}
	}
}

// session runs one authenticate, open, receive cycle. It reports
// whether any frame was received and always returns the error that
// ended the session.
func (o *Orchestrator) session(ctx context.Context) (bool, error) {
	o.setState(StateAuthenticating)
	session, err := o.auth.Login(ctx)
	if err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}

	if o.onSession != nil {
		o.onSession(ctx, session)
	}

	stream, err := o.streamer.OpenStream(ctx, session)
	if err != nil {
		return false, fmt.Errorf("open event stream: %w", err)
	}
	defer stream.Close()

	o.setState(StateConnected)
	o.setState(StateReceiving)

	received := false
	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return received, errors.New("event stream closed by server")
			}
			return received, fmt.Errorf("receive: %w", err)
		}
		received = true
		o.handle(ctx, raw)
	}
}

// handle classifies one frame and forwards any update. Frames are
// handled one at a time, in arrival order.
func (o *Orchestrator) handle(ctx context.Context, raw string) {
	if o.observer != nil {
		o.observer.FrameReceived()
	}

	update, outcome, err := o.classifier.ClassifyOutcome(raw)
	if o.observer != nil {
		o.observer.FrameOutcome(string(outcome))
	}
	if err != nil {
		o.logger.Warn("skipping malformed frame", "error", err, "frame", truncate(raw, 512))
		return
	}
	if outcome != iaq.OutcomeUpdate {
		return
	}

	// Sink failures are logged by the sinks and the fan-out.
	if err := o.sink.Process(ctx, update); err != nil {
		o.logger.Debug("update not fully delivered", "device_id", update.DeviceID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
