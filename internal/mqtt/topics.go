package mqtt

import (
	"strings"

	"github.com/nugget/iaqbridge/internal/config"
)

// Topics builds the topic names for a device. Zero fields use the
// config defaults.
type Topics struct {
	DiscoveryPrefix string
	Prefix          string
}

func (t Topics) discovery() string {
	if t.DiscoveryPrefix == "" {
		return config.DefaultDiscoveryPrefix
	}
	return t.DiscoveryPrefix
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return config.DefaultTopicPrefix
	}
	return t.Prefix
}

// Config is the retained discovery topic for one channel of deviceID.
func (t Topics) Config(deviceID, channel string) string {
	return t.discovery() + "/sensor/" + deviceID + "/" + channel + "/config"
}

// Update carries the JSON-serialized update for deviceID.
func (t Topics) Update(deviceID string) string {
	return t.prefix() + "/" + deviceID + "/update"
}

// State carries "online" or "offline" for deviceID.
func (t Topics) State(deviceID string) string {
	return t.prefix() + "/" + deviceID + "/state"
}

// Availability carries "online" or "offline" for the bridge itself. It
// is the broker-held last will, so it reads "offline" whenever the
// bridge is gone.
func (t Topics) Availability() string {
	return t.prefix() + "/availability"
}

// ValidDeviceID reports whether id can be used as a single topic level:
// non-empty, and free of the separator, the wildcards and NUL.
func ValidDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#\x00")
}
