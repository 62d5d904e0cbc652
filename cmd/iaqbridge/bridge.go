package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/iaqbridge/internal/buildinfo"
	"github.com/nugget/iaqbridge/internal/honeywell"
	"github.com/nugget/iaqbridge/internal/iaq"
	"github.com/nugget/iaqbridge/internal/liveness"
	"github.com/nugget/iaqbridge/internal/metrics"
	"github.com/nugget/iaqbridge/internal/mqtt"
	"github.com/nugget/iaqbridge/internal/pipeline"
	"github.com/nugget/iaqbridge/internal/retry"
	"github.com/nugget/iaqbridge/internal/sink"
)

const (
	brokerWaitTimeout = 30 * time.Second
	drainTimeout      = 10 * time.Second
)

// streamer adapts the Honeywell client to [pipeline.Streamer].
type streamer struct {
	client *honeywell.Client
}

func (s streamer) OpenStream(ctx context.Context, session string) (pipeline.Stream, error) {
	st, err := s.client.OpenStream(ctx, session)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// runBridge streams updates from the vendor cloud until a signal
// arrives or the pipeline gives up. With withMQTT set, updates are also
// published to the broker along with discovery and availability.
func runBridge(ctx context.Context, stdout io.Writer, configPath string, withMQTT bool) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)

	if withMQTT && !cfg.MQTT.Configured() {
		return errors.New("mqtt.broker is required for the mqtt command")
	}

	logger.Info("starting iaqbridge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"mqtt", withMQTT,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := metrics.New()
	hw := honeywell.NewClient(cfg.Honeywell, logger.With("component", "honeywell"))
	sinks := []sink.Sink{sink.NewLog(logger.With("component", "log_sink"))}

	// Background work that must outlive the signal so shutdown can
	// drain it in order.
	bgCtx := context.WithoutCancel(ctx)

	var (
		client    *mqtt.Client
		publisher *mqtt.Publisher
		tracker   *liveness.Tracker
	)
	if withMQTT {
		topics := mqtt.Topics{
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			Prefix:          cfg.MQTT.TopicPrefix,
		}
		client = mqtt.NewClient(cfg.MQTT, logger.With("component", "mqtt"))
		client.SetWill(topics.Availability(), []byte("offline"))

		tracker = liveness.New(cfg.Liveness.Interval(),
			liveness.StatusPublisherFunc(func(ctx context.Context, deviceID string, online bool) {
				publisher.PublishStatus(ctx, deviceID, online)
			}),
			logger.With("component", "liveness"),
			liveness.WithObserver(reg),
		)

		publisher = mqtt.NewPublisher(client, tracker, mqtt.PublisherConfig{
			Topics:    topics,
			QoS:       cfg.MQTT.QoSLevel(),
			Workers:   cfg.MQTT.PublishWorkers,
			QueueSize: cfg.MQTT.QueueSize,
			Retry: retry.Config{
				MaxAttempts:  cfg.MQTT.PublishRetries,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
				AddJitter:    true,
			},
			Registerer: reg.Registerer(),
			Recorder:   reg,
		}, logger.With("component", "mqtt_publisher"))

		// Discovery is retained, but a broker that lost its state
		// needs it again after every reconnect.
		client.OnConnectionUp(func() {
			publisher.ResetAnnounced()
			publisher.PublishAvailability(true)
		})

		if err := publisher.Start(bgCtx); err != nil {
			return fmt.Errorf("start mqtt publisher: %w", err)
		}
		if err := client.Connect(bgCtx); err != nil {
			return err
		}

		awaitCtx, awaitCancel := context.WithTimeout(ctx, brokerWaitTimeout)
		if err := client.AwaitConnection(awaitCtx); err != nil {
			logger.Warn("mqtt broker not reachable yet, continuing", "broker", cfg.MQTT.Broker, "error", err)
		}
		awaitCancel()

		tracker.Start(ctx)
		sinks = append(sinks, publisher)
	}

	fanout := sink.NewFanOut(logger.With("component", "sink"), sinks...)
	fanout.SetFailureObserver(reg)

	onSession := func(ctx context.Context, session string) {
		devices, err := hw.ListDevices(ctx, session)
		if err != nil {
			logger.Warn("device list unavailable", "error", err)
			return
		}
		logger.Info("devices listed", "count", len(devices))
		for _, d := range devices {
			logger.Info("device",
				"device_id", d.DeviceID,
				"serial", d.DeviceSerial,
				"online", d.Online,
				"home", d.Info.Home,
				"room", d.Info.Room,
			)
			if d.Online && tracker != nil {
				tracker.Ping(d.DeviceID)
			}
		}
	}

	orch := pipeline.New(hw, streamer{client: hw},
		iaq.NewClassifier(logger.With("component", "classifier")),
		fanout,
		pipeline.Config{
			MaxAttempts:  cfg.Reconnect.MaxAttempts,
			InitialDelay: time.Duration(cfg.Reconnect.InitialDelaySec) * time.Second,
			MaxDelay:     time.Duration(cfg.Reconnect.MaxDelaySec) * time.Second,
		},
		logger.With("component", "pipeline"),
		pipeline.WithObserver(reg),
		pipeline.WithSessionHook(onSession),
	)

	if cfg.Metrics.Listen != "" {
		health := func() any {
			doc := map[string]any{
				"status":  "ok",
				"version": buildinfo.Version,
				"uptime":  buildinfo.Uptime().Round(time.Second).String(),
				"state":   orch.State().String(),
			}
			if orch.State() == pipeline.StateTerminated {
				doc["status"] = "terminated"
			}
			if client != nil {
				doc["mqtt_connected"] = client.IsConnected()
			}
			if tracker != nil {
				doc["devices"] = tracker.Len()
			}
			return doc
		}
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Listen, health, logger.With("component", "metrics")); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	runErr := orch.Run(ctx)

	shutdown(logger, client, publisher, tracker)

	if runErr != nil {
		return runErr
	}
	logger.Info("iaqbridge stopped")
	return nil
}

// shutdown stops the liveness sweep, marks every tracked device and the
// bridge offline, drains queued publishes and disconnects from the
// broker, in that order. Nil components are skipped.
func shutdown(logger *slog.Logger, client *mqtt.Client, publisher *mqtt.Publisher, tracker *liveness.Tracker) {
	if tracker != nil {
		tracker.Stop()
	}
	if publisher != nil {
		var devices []string
		if tracker != nil {
			devices = tracker.Devices()
		}
		// A clean disconnect discards the will, so say it ourselves.
		publisher.PublishOffline(context.Background(), devices)

		if err := publisher.Stop(drainTimeout); err != nil {
			logger.Warn("mqtt publish queue not drained", "error", err)
		}
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}
}
