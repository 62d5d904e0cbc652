// Package config handles iaqbridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nugget/iaqbridge/internal/paths"
)

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultAPIURL          = "https://iaq.honcloud.honeywell.com.cn"
	DefaultStreamURL       = "wss://acscloud.honeywell.com.cn:443/v1/00100002/phone/connect"
	DefaultUserAgent       = "AirQuality/3.0.13 (iPhone; iOS 13.3.1; Scale/3.00s"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultTopicPrefix     = "honeywell"
	DefaultQoS             = byte(1)
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/iaqbridge/config.yaml, /etc/iaqbridge/config.yaml.
func DefaultSearchPaths() []string {
	search := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		search = append(search, filepath.Join(home, ".config", "iaqbridge", "config.yaml"))
	}

	search = append(search, "/etc/iaqbridge/config.yaml")
	return search
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all iaqbridge configuration.
type Config struct {
	Honeywell HoneywellConfig `yaml:"honeywell"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// HoneywellConfig defines the vendor cloud account and endpoints.
type HoneywellConfig struct {
	PhoneNumber string `yaml:"phone_number"`
	Password    string `yaml:"password"`
	// PhoneUUID identifies this client to the cloud as a paired phone.
	// When empty a UUID is generated once and kept in data_dir.
	PhoneUUID string `yaml:"phone_uuid"`

	APIURL    string `yaml:"api_url"`
	StreamURL string `yaml:"stream_url"`
	UserAgent string `yaml:"user_agent"`

	// InsecureSkipVerify disables TLS certificate checks against the
	// vendor cloud, whose certificate chain is not always trusted by
	// stock CA bundles.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	TimeoutSec     int `yaml:"timeout_sec"`      // HTTP request timeout (default 30)
	ReadTimeoutSec int `yaml:"read_timeout_sec"` // event stream idle limit, 0 = none
}

// Timeout returns the HTTP request timeout.
func (c HoneywellConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ReadTimeout returns the event stream idle limit (zero disables it).
func (c HoneywellConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// MQTTConfig defines the MQTT broker connection and topic layout.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://, mqtts://, ssl://, ws://
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
	QoS             *int   `yaml:"qos"` // nil means the default, 1
	KeepAliveSec    int    `yaml:"keep_alive_sec"`

	PublishWorkers int `yaml:"publish_workers"` // default 4
	QueueSize      int `yaml:"queue_size"`      // per worker, default 256
	PublishRetries int `yaml:"publish_retries"` // attempts per message, default 3
}

// QoSLevel returns the publish QoS. Validate has already checked the
// range.
func (c MQTTConfig) QoSLevel() byte {
	if c.QoS == nil {
		return DefaultQoS
	}
	return byte(*c.QoS)
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// LivenessConfig controls the device online/offline sweep.
type LivenessConfig struct {
	IntervalSec int `yaml:"interval_sec"` // default 60
}

// Interval returns the sweep period.
func (c LivenessConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// ReconnectConfig controls supervision of the vendor event stream.
// MaxAttempts of 1 means a single connection attempt per process.
type ReconnectConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`      // default 10
	InitialDelaySec int `yaml:"initial_delay_sec"` // default 2
	MaxDelaySec     int `yaml:"max_delay_sec"`     // default 300
}

// MetricsConfig defines the optional Prometheus/health listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9464"; empty disables
}

// Load reads configuration from a YAML file. A .env file in the same
// directory, if present, is loaded into the environment first so that
// ${VAR} references can be resolved from it. Variables already set in
// the environment take precedence over the .env file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Honeywell.APIURL == "" {
		c.Honeywell.APIURL = DefaultAPIURL
	}
	if c.Honeywell.StreamURL == "" {
		c.Honeywell.StreamURL = DefaultStreamURL
	}
	if c.Honeywell.UserAgent == "" {
		c.Honeywell.UserAgent = DefaultUserAgent
	}
	if c.Honeywell.TimeoutSec <= 0 {
		c.Honeywell.TimeoutSec = 30
	}

	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.MQTT.QoS == nil {
		qos := int(DefaultQoS)
		c.MQTT.QoS = &qos
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.PublishWorkers <= 0 {
		c.MQTT.PublishWorkers = 4
	}
	if c.MQTT.QueueSize <= 0 {
		c.MQTT.QueueSize = 256
	}
	if c.MQTT.PublishRetries <= 0 {
		c.MQTT.PublishRetries = 3
	}

	if c.Liveness.IntervalSec <= 0 {
		c.Liveness.IntervalSec = 60
	}

	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 10
	}
	if c.Reconnect.InitialDelaySec <= 0 {
		c.Reconnect.InitialDelaySec = 2
	}
	if c.Reconnect.MaxDelaySec <= 0 {
		c.Reconnect.MaxDelaySec = 300
	}

	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.DataDir = paths.ExpandHome(c.DataDir)
}

// Validate checks that the configuration is usable. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Honeywell.PhoneNumber == "" {
		errs = append(errs, errors.New("honeywell.phone_number is required"))
	}
	if c.Honeywell.Password == "" {
		errs = append(errs, errors.New("honeywell.password is required"))
	}
	if q := c.MQTT.QoS; q != nil && (*q < 0 || *q > 2) {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", *q))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat))
	}

	return errors.Join(errs...)
}
