package mqtt

import (
	"github.com/nugget/iaqbridge/internal/buildinfo"
)

const (
	manufacturer = "Honeywell"
	model        = "Honeywell Air Quality Monitor"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every entity of one monitor, so HA groups them under a single device
// page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// Availability is one entry of a discovery payload's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// Origin names the software that published a discovery payload.
type Origin struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version,omitempty"`
	SupportURL string `json:"support_url,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message.
type SensorConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic,omitempty"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode,omitempty"`
	Device              DeviceInfo     `json:"device"`
	Origin              *Origin        `json:"origin,omitempty"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	UnitOfMeasurement   string         `json:"unit_of_measurement,omitempty"`
	ValueTemplate       string         `json:"value_template"`
	EnabledByDefault    bool           `json:"enabled_by_default"`
}

// Channel describes one measurement a monitor reports.
type Channel struct {
	// ID is the discovery topic segment and unique_id suffix.
	ID string
	// Field is the DeviceUpdate JSON field the value is read from.
	Field       string
	Name        string
	DeviceClass string
	Unit        string
}

// Channels are the seven sensors announced for every monitor, in
// announcement order.
var Channels = []Channel{
	{ID: "temperature", Field: "temperature", Name: "HAQ Temperature", DeviceClass: "temperature", Unit: "°C"},
	{ID: "humidity", Field: "humidity", Name: "HAQ Humidity", DeviceClass: "humidity", Unit: "%"},
	{ID: "pm25", Field: "pm25", Name: "HAQ PM2.5", DeviceClass: "pm25", Unit: "µg/m³"},
	{ID: "tvoc", Field: "tvoc", Name: "HAQ TVOC", DeviceClass: "volatile_organic_compounds", Unit: "µg/m³"},
	// HA has no formaldehyde class.
	{ID: "hcho", Field: "hcho", Name: "HAQ HCHO", Unit: "µg/m³"},
	{ID: "co2", Field: "co2", Name: "HAQ CO₂", DeviceClass: "carbon_dioxide", Unit: "ppm"},
	// The aqi device class is unitless in HA.
	{ID: "aqi", Field: "iq", Name: "HAQ AQI", DeviceClass: "aqi"},
}

// NewDeviceInfo returns the device block for the monitor deviceID.
func NewDeviceInfo(deviceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{deviceID},
		Name:         "Honeywell Air Quality " + deviceID,
		Manufacturer: manufacturer,
		Model:        model,
		SWVersion:    buildinfo.Version,
	}
}

// Discovery is one discovery message ready to publish.
type Discovery struct {
	Channel string
	Topic   string
	Config  SensorConfig
}

// DiscoveryConfigs returns the discovery messages for deviceID, one per
// entry in [Channels]. The result depends only on its arguments.
func DiscoveryConfigs(deviceID string, topics Topics) []Discovery {
	device := NewDeviceInfo(deviceID)
	origin := &Origin{Name: "iaqbridge", SWVersion: buildinfo.Version}
	update := topics.Update(deviceID)
	// Available only while both the monitor and the bridge are.
	availability := []Availability{
		{Topic: topics.State(deviceID)},
		{Topic: topics.Availability()},
	}

	out := make([]Discovery, 0, len(Channels))
	for _, ch := range Channels {
		out = append(out, Discovery{
			Channel: ch.ID,
			Topic:   topics.Config(deviceID, ch.ID),
			Config: SensorConfig{
				Name:                ch.Name,
				UniqueID:            deviceID + "_" + ch.ID,
				StateTopic:          update,
				JSONAttributesTopic: update,
				Availability:        availability,
				AvailabilityMode:    "all",
				Device:              device,
				Origin:              origin,
				DeviceClass:         ch.DeviceClass,
				StateClass:          "measurement",
				UnitOfMeasurement:   ch.Unit,
				ValueTemplate:       "{{ value_json." + ch.Field + " }}",
				EnabledByDefault:    true,
			},
		})
	}
	return out
}
