package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/iaqbridge/internal/config"
)

// ErrNotStarted is returned by [Client] methods called before
// [Client.Connect].
var ErrNotStarted = errors.New("mqtt client not started")

// Broker is the part of an MQTT connection the publisher needs.
type Broker interface {
	Publish(ctx context.Context, msg *paho.Publish) error
}

// Client owns the broker connection. autopaho reconnects in the
// background; the callbacks registered with [Client.OnConnectionUp]
// run after every successful (re-)connect.
type Client struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger

	mu   sync.Mutex
	cm   *autopaho.ConnectionManager
	onUp []func()
	will *paho.WillMessage

	connected atomic.Bool
}

// NewClient creates a Client but does not connect. An empty client_id
// gets a random "iaqbridge-" prefixed one.
func NewClient(cfg config.MQTTConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ClientID
	if id == "" {
		id = "iaqbridge-" + uuid.NewString()[:8]
	}
	return &Client{
		cfg:      cfg,
		clientID: id,
		logger:   logger,
	}
}

// ClientID returns the MQTT client identifier in use.
func (c *Client) ClientID() string { return c.clientID }

// OnConnectionUp registers fn to run after each successful connect.
// Register callbacks before calling Connect.
func (c *Client) OnConnectionUp(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUp = append(c.onUp, fn)
}

// SetWill registers a retained last-will message the broker publishes
// if the connection drops without a clean disconnect. Call it before
// Connect.
func (c *Client) SetWill(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.will = &paho.WillMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     c.cfg.QoSLevel(),
		Retain:  true,
	}
}

// Connect starts the connection manager. It returns once the manager is
// running; the first connection may not be up yet; use
// [Client.AwaitConnection] to wait for it.
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	keepAlive := c.cfg.KeepAliveSec
	if keepAlive <= 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(keepAlive),
		CleanStartOnInitialConnection: true,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", c.clientID)

			c.mu.Lock()
			hooks := append([]func(){}, c.onUp...)
			c.mu.Unlock()
			for _, fn := range hooks {
				fn()
			}
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("mqtt connection error", "broker", c.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	c.mu.Lock()
	pahoCfg.WillMessage = c.will
	c.mu.Unlock()

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()
	return nil
}

func (c *Client) manager() *autopaho.ConnectionManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cm
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// IsConnected reports whether the last connection attempt succeeded and
// no disconnect has been seen since.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Publish sends msg. It fails fast while the connection is down.
func (c *Client) Publish(ctx context.Context, msg *paho.Publish) error {
	cm := c.manager()
	if cm == nil {
		return ErrNotStarted
	}
	if _, err := cm.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Disconnect closes the connection, waiting at most until ctx expires.
func (c *Client) Disconnect(ctx context.Context) error {
	cm := c.manager()
	if cm == nil {
		return nil
	}
	c.connected.Store(false)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	if err := cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	c.logger.Info("mqtt disconnected", "broker", c.cfg.Broker)
	return nil
}
