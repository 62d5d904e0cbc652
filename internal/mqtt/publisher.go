package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/iaqbridge/internal/iaq"
	"github.com/nugget/iaqbridge/internal/retry"
	"github.com/nugget/iaqbridge/internal/worker"
)

// Message kinds, used as a log field and metric label.
const (
	KindConfig = "config"
	KindUpdate = "update"
	KindStatus = "status"
)

// Pinger records that a device was heard from. The liveness tracker
// implements it.
type Pinger interface {
	Ping(deviceID string)
}

// Recorder counts publish results. The metrics registry implements it.
type Recorder interface {
	Publish(kind, status string)
}

// PublisherConfig tunes a [Publisher]. Zero values use defaults.
type PublisherConfig struct {
	Topics Topics
	QoS    byte

	Workers   int // default 4
	QueueSize int // per worker, default 256
	// Retry bounds the attempts for each message.
	Retry retry.Config

	// Registerer, when set, receives the worker pool metrics.
	Registerer prometheus.Registerer
	Recorder   Recorder
}

// message is one queued publish.
type message struct {
	kind     string
	deviceID string
	pub      *paho.Publish
}

// Publisher is the MQTT sink. Process never waits for the broker:
// publishes are queued on a worker pool keyed by device ID and their
// failures are logged, never returned.
type Publisher struct {
	broker   Broker
	tracker  Pinger
	topics   Topics
	qos      byte
	retry    retry.Config
	recorder Recorder
	logger   *slog.Logger
	pool     *worker.Pool[message]

	mu        sync.Mutex
	announced map[string]struct{}
}

// NewPublisher creates a Publisher. Call [Publisher.Start] before the
// first update.
func NewPublisher(broker Broker, tracker Pinger, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	p := &Publisher{
		broker:    broker,
		tracker:   tracker,
		topics:    cfg.Topics,
		qos:       cfg.QoS,
		retry:     cfg.Retry,
		recorder:  cfg.Recorder,
		logger:    logger,
		announced: make(map[string]struct{}),
	}

	opts := []worker.Option[message]{
		worker.WithKey(func(m message) string { return m.deviceID }),
	}
	if cfg.Registerer != nil {
		opts = append(opts, worker.WithMetrics[message](cfg.Registerer, "iaqbridge_mqtt_publish"))
	}
	p.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, p.send, opts...)

	return p
}

// Name identifies the sink in logs and metrics.
func (p *Publisher) Name() string { return "mqtt" }

// Start launches the publish workers.
func (p *Publisher) Start(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Stop stops accepting publishes and waits up to timeout for queued
// ones to drain.
func (p *Publisher) Stop(timeout time.Duration) error {
	return p.pool.Stop(timeout)
}

// Stats reports the publish queue.
func (p *Publisher) Stats() worker.PoolStats {
	return p.pool.Stats()
}

// Process pings the tracker, announces the device if needed and queues
// the update.
func (p *Publisher) Process(_ context.Context, u iaq.DeviceUpdate) error {
	if !ValidDeviceID(u.DeviceID) {
		p.logger.Warn("mqtt update skipped, device id unusable in a topic", "device_id", u.DeviceID)
		p.record(KindUpdate, "rejected")
		return nil
	}
	p.tracker.Ping(u.DeviceID)

	if p.markAnnounced(u.DeviceID) {
		p.announce(u.DeviceID)
	}

	payload, err := json.Marshal(u)
	if err != nil {
		p.logger.Error("mqtt marshal update", "device_id", u.DeviceID, "error", err)
		return nil
	}
	p.enqueue(message{
		kind:     KindUpdate,
		deviceID: u.DeviceID,
		pub: &paho.Publish{
			Topic:   p.topics.Update(u.DeviceID),
			Payload: payload,
			QoS:     p.qos,
		},
	})
	return nil
}

// PublishStatus queues a retained "online" or "offline" message for
// deviceID.
func (p *Publisher) PublishStatus(_ context.Context, deviceID string, online bool) {
	if !ValidDeviceID(deviceID) {
		return
	}
	p.enqueue(message{
		kind:     KindStatus,
		deviceID: deviceID,
		pub: &paho.Publish{
			Topic:   p.topics.State(deviceID),
			Payload: []byte(statusPayload(online)),
			QoS:     p.qos,
			Retain:  true,
		},
	})
}

// PublishAvailability queues the bridge's own retained availability.
// It is published "online" on every broker connect; the broker
// publishes the "offline" last will if the bridge vanishes.
func (p *Publisher) PublishAvailability(online bool) {
	p.enqueue(message{
		kind: KindStatus,
		pub: &paho.Publish{
			Topic:   p.topics.Availability(),
			Payload: []byte(statusPayload(online)),
			QoS:     p.qos,
			Retain:  true,
		},
	})
}

// PublishOffline queues "offline" for every device in deviceIDs and for
// the bridge, so no retained "online" outlives a clean shutdown. Call
// it before [Publisher.Stop].
func (p *Publisher) PublishOffline(ctx context.Context, deviceIDs []string) {
	for _, id := range deviceIDs {
		p.PublishStatus(ctx, id, false)
	}
	p.PublishAvailability(false)
	p.logger.Info("mqtt offline status queued", "devices", len(deviceIDs))
}

func statusPayload(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// ResetAnnounced forgets which devices were announced, so each is
// announced again with its next update. Called on every broker
// (re-)connect.
func (p *Publisher) ResetAnnounced() {
	p.mu.Lock()
	n := len(p.announced)
	p.announced = make(map[string]struct{})
	p.mu.Unlock()

	if n > 0 {
		p.logger.Debug("mqtt discovery will be re-announced", "devices", n)
	}
}

// Announced reports whether deviceID's discovery configs have been
// queued since the last reset.
func (p *Publisher) Announced(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.announced[deviceID]
	return ok
}

// markAnnounced adds deviceID to the announced set and reports whether
// it was new.
func (p *Publisher) markAnnounced(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.announced[deviceID]; ok {
		return false
	}
	p.announced[deviceID] = struct{}{}
	return true
}

func (p *Publisher) unmarkAnnounced(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.announced, deviceID)
}

func (p *Publisher) announce(deviceID string) {
	for _, d := range DiscoveryConfigs(deviceID, p.topics) {
		payload, err := json.Marshal(d.Config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"device_id", deviceID, "channel", d.Channel, "error", err)
			continue
		}
		ok := p.enqueue(message{
			kind:     KindConfig,
			deviceID: deviceID,
			pub: &paho.Publish{
				Topic:   d.Topic,
				Payload: payload,
				QoS:     p.qos,
				Retain:  true,
			},
		})
		if !ok {
			// Try the whole announcement again on the next update.
			p.unmarkAnnounced(deviceID)
		}
	}
	p.logger.Info("mqtt discovery queued", "device_id", deviceID, "entities", len(Channels))
}

// enqueue submits m and reports whether it was accepted.
func (p *Publisher) enqueue(m message) bool {
	if err := p.pool.Submit(m); err != nil {
		p.logger.Warn("mqtt publish dropped",
			"kind", m.kind, "device_id", m.deviceID, "topic", m.pub.Topic, "error", err)
		p.record(m.kind, "dropped")
		return false
	}
	return true
}

// send runs on a pool worker.
func (p *Publisher) send(ctx context.Context, m message) error {
	err := retry.Do(ctx, p.retry, func() error {
		return p.broker.Publish(ctx, m.pub)
	})
	if err != nil {
		if m.kind == KindConfig {
			p.unmarkAnnounced(m.deviceID)
		}
		p.logger.Warn("mqtt publish failed",
			"kind", m.kind, "device_id", m.deviceID, "topic", m.pub.Topic, "error", err)
		p.record(m.kind, "error")
		return fmt.Errorf("publish %s for %s: %w", m.kind, m.deviceID, err)
	}

	p.logger.Debug("mqtt published", "kind", m.kind, "device_id", m.deviceID, "topic", m.pub.Topic)
	p.record(m.kind, "ok")
	return nil
}

func (p *Publisher) record(kind, status string) {
	if p.recorder != nil {
		p.recorder.Publish(kind, status)
	}
}
