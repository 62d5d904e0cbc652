package liveness

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type published struct {
	deviceID string
	online   bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) PublishStatus(_ context.Context, deviceID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{deviceID, online})
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSweep_OnlineWithinInterval(t *testing.T) {
	clock := &fakeClock{now: epoch}
	pub := &fakePublisher{}
	tr := New(time.Minute, pub, discardLogger(), WithClock(clock.Now))

	tr.Ping("FFF")
	clock.Set(epoch.Add(30 * time.Second))

	statuses := tr.Sweep(context.Background())
	if len(statuses) != 1 || !statuses[0].Online {
		t.Fatalf("Sweep() = %+v, want FFF online", statuses)
	}
	if len(pub.msgs) != 1 || pub.msgs[0] != (published{"FFF", true}) {
		t.Errorf("published = %+v, want [FFF online]", pub.msgs)
	}
}

func TestSweep_OfflineAfterInterval(t *testing.T) {
	clock := &fakeClock{now: epoch}
	pub := &fakePublisher{}
	tr := New(time.Minute, pub, discardLogger(), WithClock(clock.Now))

	tr.Ping("FFF")
	clock.Set(epoch.Add(time.Minute + time.Second))

	statuses := tr.Sweep(context.Background())
	if len(statuses) != 1 || statuses[0].Online {
		t.Fatalf("Sweep() = %+v, want FFF offline", statuses)
	}
	if pub.msgs[0] != (published{"FFF", false}) {
		t.Errorf("published = %+v, want [FFF offline]", pub.msgs)
	}
}

func TestSweep_ExactlyOneIntervalIsOnline(t *testing.T) {
	clock := &fakeClock{now: epoch}
	tr := New(time.Minute, nil, discardLogger(), WithClock(clock.Now))

	tr.Ping("FFF")
	clock.Set(epoch.Add(time.Minute))

	if s := tr.Sweep(context.Background()); !s[0].Online {
		t.Error("lastSeen+interval == now should still be online (offline only when strictly before)")
	}
}

func TestSweep_NeverPingedIsNotEvaluated(t *testing.T) {
	clock := &fakeClock{now: epoch}
	pub := &fakePublisher{}
	tr := New(time.Minute, pub, discardLogger(), WithClock(clock.Now))

	if s := tr.Sweep(context.Background()); len(s) != 0 {
		t.Errorf("Sweep() on empty tracker = %+v, want none", s)
	}

	tr.Ping("A")
	for _, s := range tr.Sweep(context.Background()) {
		if s.DeviceID != "A" {
			t.Errorf("Sweep() evaluated %q which never pinged", s.DeviceID)
		}
	}
	if pub.count() != 1 {
		t.Errorf("published %d statuses, want 1", pub.count())
	}
}

func TestPing_Monotonic(t *testing.T) {
	clock := &fakeClock{now: epoch}
	tr := New(time.Minute, nil, discardLogger(), WithClock(clock.Now))

	tr.Ping("FFF")
	clock.Set(epoch.Add(-time.Hour))
	tr.Ping("FFF")

	got, ok := tr.LastSeen("FFF")
	if !ok || !got.Equal(epoch) {
		t.Errorf("LastSeen = %v, want %v (ping must not move backwards)", got, epoch)
	}

	clock.Set(epoch.Add(time.Second))
	tr.Ping("FFF")
	if got, _ := tr.LastSeen("FFF"); !got.Equal(epoch.Add(time.Second)) {
		t.Errorf("LastSeen = %v, want advanced time", got)
	}
}

func TestPing_Concurrent(t *testing.T) {
	tr := New(time.Minute, &fakePublisher{}, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tr.Ping(string(rune('A' + i)))
				if j%50 == 0 {
					tr.Sweep(context.Background())
				}
			}
		}(i)
	}
	wg.Wait()

	if tr.Len() != 8 {
		t.Errorf("Len() = %d, want 8", tr.Len())
	}
}

func TestStartStop(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(10*time.Millisecond, pub, discardLogger())
	tr.Ping("FFF")

	ctx := context.Background()
	tr.Start(ctx)
	tr.Start(ctx) // second call must not start another sweep
	if !tr.Running() {
		t.Fatal("Running() = false after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() < 2 {
		t.Fatalf("got %d sweeps, want at least 2", pub.count())
	}

	tr.Stop()
	if tr.Running() {
		t.Error("Running() = true after Stop")
	}

	after := pub.count()
	time.Sleep(50 * time.Millisecond)
	if pub.count() != after {
		t.Errorf("sweeps continued after Stop: %d -> %d", after, pub.count())
	}

	tr.Stop() // no-op
}

func TestStart_Idempotent(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(20*time.Millisecond, pub, discardLogger())
	tr.Ping("FFF")

	tr.Start(context.Background())
	tr.Start(context.Background())
	tr.Start(context.Background())
	time.Sleep(110 * time.Millisecond)
	tr.Stop()

	// One sweep goroutine publishes at most once per tick for one device.
	if n := pub.count(); n > 6 {
		t.Errorf("published %d statuses in ~5 ticks, duplicate sweeps running", n)
	}
}

func TestStart_StopsWithContext(t *testing.T) {
	tr := New(time.Hour, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	cancel()

	// Stop still returns promptly once the goroutine has exited.
	done := make(chan struct{})
	go func() {
		tr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return after context cancellation")
	}
}

func TestStart_RestartsAfterContextCancelled(t *testing.T) {
	pub := &fakePublisher{}
	tr := New(10*time.Millisecond, pub, discardLogger())
	tr.Ping("FFF")

	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for tr.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if tr.Running() {
		t.Fatal("Running() = true after the start context was cancelled")
	}

	before := pub.count()
	tr.Start(context.Background())
	defer tr.Stop()
	if !tr.Running() {
		t.Fatal("Running() = false after restart")
	}

	deadline = time.Now().Add(2 * time.Second)
	for pub.count() < before+2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pub.count() < before+2 {
		t.Errorf("got %d sweeps after restart, want at least 2", pub.count()-before)
	}
}

func TestDevices(t *testing.T) {
	tr := New(time.Minute, nil, discardLogger())
	for _, id := range []string{"GGG", "FFF", "AAA", "FFF"} {
		tr.Ping(id)
	}
	got := tr.Devices()
	want := []string{"AAA", "FFF", "GGG"}
	if len(got) != len(want) {
		t.Fatalf("Devices() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Devices()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

type countingObserver struct{ online, offline int }

func (c *countingObserver) Swept(online, offline int) {
	c.online += online
	c.offline += offline
}

func TestSweep_Observer(t *testing.T) {
	clock := &fakeClock{now: epoch}
	obs := &countingObserver{}
	tr := New(time.Minute, nil, discardLogger(), WithClock(clock.Now), WithObserver(obs))

	tr.Ping("old")
	clock.Set(epoch.Add(2 * time.Minute))
	tr.Ping("new")
	tr.Sweep(context.Background())

	if obs.online != 1 || obs.offline != 1 {
		t.Errorf("observer = %+v, want 1 online 1 offline", obs)
	}
}
