// Package liveness tracks when each air-quality monitor was last heard
// from and periodically publishes whether it is online.
//
// Any update received for a device is proof that it is alive, so the
// MQTT sink pings the tracker for every update, and devices the cloud
// reports as online at startup are pinged once before streaming begins.
// A sweep runs every interval: a device whose last ping is older than
// one interval is reported offline, everything else online. Devices
// that have never pinged are not known to the tracker and are never
// reported.
package liveness

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 60 * time.Second

// StatusPublisher delivers a device status. Implementations must not
// block for long; the sweep calls them sequentially.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, deviceID string, online bool)
}

// StatusPublisherFunc adapts a function to [StatusPublisher].
type StatusPublisherFunc func(ctx context.Context, deviceID string, online bool)

// PublishStatus calls f.
func (f StatusPublisherFunc) PublishStatus(ctx context.Context, deviceID string, online bool) {
	f(ctx, deviceID, online)
}

// Status is the outcome of evaluating one device during a sweep.
type Status struct {
	DeviceID string
	LastSeen time.Time
	Online   bool
}

// SweepObserver is told about every completed sweep. The metrics
// registry implements it.
type SweepObserver interface {
	Swept(online, offline int)
}

// Tracker holds last-seen timestamps and runs the periodic sweep. All
// methods are safe for concurrent use.
type Tracker struct {
	interval  time.Duration
	publisher StatusPublisher
	observer  SweepObserver
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithObserver registers o to be told about each sweep.
func WithObserver(o SweepObserver) Option {
	return func(t *Tracker) { t.observer = o }
}

// New creates a Tracker that sweeps every interval and reports through
// publisher. A non-positive interval uses [DefaultInterval]; a nil
// logger uses [slog.Default].
func New(interval time.Duration, publisher StatusPublisher, logger *slog.Logger, opts ...Option) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		interval:  interval,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		lastSeen:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ping records that deviceID was heard from now. A ping never moves a
// device's last-seen time backwards.
func (t *Tracker) Ping(deviceID string) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.lastSeen[deviceID]; !ok || now.After(prev) {
		t.lastSeen[deviceID] = now
	}
}

// LastSeen returns the last ping time for deviceID.
func (t *Tracker) LastSeen(deviceID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[deviceID]
	return ts, ok
}

// Devices returns the IDs of every tracked device, sorted.
func (t *Tracker) Devices() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked devices.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}

// Start begins the periodic sweep. It returns immediately; calling it
// while a sweep is already running has no effect. The sweep ends when
// ctx is cancelled or [Tracker.Stop] is called, after which Start may
// be called again.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if t.runningLocked() {
		return
	}
	if t.cancel != nil {
		// The previous sweep ended with its context.
		t.cancel()
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx, t.done)

	t.logger.Info("liveness sweep started", "interval", t.interval.String())
}

// Stop cancels the sweep and waits for it to exit. It is a no-op when
// the sweep was never started or has already been stopped.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel = nil
	t.done = nil

	t.logger.Info("liveness sweep stopped")
}

// Running reports whether the sweep goroutine is active.
func (t *Tracker) Running() bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.runningLocked()
}

// runningLocked reports whether a sweep goroutine is live. runMu must
// be held.
func (t *Tracker) runningLocked() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep evaluates every tracked device against the current time,
// publishes each status and returns them sorted by device ID. It is
// called by the periodic task and may also be called directly.
func (t *Tracker) Sweep(ctx context.Context) []Status {
	now := t.now()

	t.mu.Lock()
	statuses := make([]Status, 0, len(t.lastSeen))
	for id, seen := range t.lastSeen {
		offline := seen.Add(t.interval).Before(now)
		statuses = append(statuses, Status{DeviceID: id, LastSeen: seen, Online: !offline})
	}
	t.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].DeviceID < statuses[j].DeviceID })

	var online, offline int
	for _, s := range statuses {
		if ctx.Err() != nil {
			return statuses
		}
		if s.Online {
			online++
		} else {
			offline++
		}
		t.logger.Debug("device liveness",
			"device_id", s.DeviceID,
			"online", s.Online,
			"last_seen", s.LastSeen.Format(time.RFC3339),
		)
		if t.publisher != nil {
			t.publisher.PublishStatus(ctx, s.DeviceID, s.Online)
		}
	}

	if t.observer != nil {
		t.observer.Swept(online, offline)
	}
	t.logger.Info("liveness sweep complete", "online", online, "offline", offline)

	return statuses
}
