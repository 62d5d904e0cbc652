package mqtt

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestTopics(t *testing.T) {
	tests := []struct {
		name   string
		topics Topics
		config string
		update string
		state  string
		avail  string
	}{
		{
			name:   "defaults",
			topics: Topics{},
			config: "homeassistant/sensor/FFF/co2/config",
			update: "honeywell/FFF/update",
			state:  "honeywell/FFF/state",
			avail:  "honeywell/availability",
		},
		{
			name:   "custom prefixes",
			topics: Topics{DiscoveryPrefix: "ha", Prefix: "iaq"},
			config: "ha/sensor/FFF/co2/config",
			update: "iaq/FFF/update",
			state:  "iaq/FFF/state",
			avail:  "iaq/availability",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.topics.Config("FFF", "co2"); got != tt.config {
				t.Errorf("Config() = %q, want %q", got, tt.config)
			}
			if got := tt.topics.Update("FFF"); got != tt.update {
				t.Errorf("Update() = %q, want %q", got, tt.update)
			}
			if got := tt.topics.State("FFF"); got != tt.state {
				t.Errorf("State() = %q, want %q", got, tt.state)
			}
			if got := tt.topics.Availability(); got != tt.avail {
				t.Errorf("Availability() = %q, want %q", got, tt.avail)
			}
		})
	}
}

func TestValidDeviceID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"FFF", true},
		{"A1B2-C3_d4.e5", true},
		{"", false},
		{"a/b", false},
		{"a+b", false},
		{"a#", false},
		{"a\x00b", false},
	}
	for _, tt := range tests {
		if got := ValidDeviceID(tt.id); got != tt.want {
			t.Errorf("ValidDeviceID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestDiscoveryConfigs_Deterministic(t *testing.T) {
	a := DiscoveryConfigs("FFF", Topics{})
	b := DiscoveryConfigs("FFF", Topics{})
	if !reflect.DeepEqual(a, b) {
		t.Error("DiscoveryConfigs is not a pure function of its inputs")
	}
}

func TestDiscoveryConfigs_Channels(t *testing.T) {
	configs := DiscoveryConfigs("FFF", Topics{})
	if len(configs) != 7 {
		t.Fatalf("got %d configs, want 7", len(configs))
	}

	want := map[string]struct {
		deviceClass string
		unit        string
		template    string
	}{
		"temperature": {"temperature", "°C", "{{ value_json.temperature }}"},
		"humidity":    {"humidity", "%", "{{ value_json.humidity }}"},
		"pm25":        {"pm25", "µg/m³", "{{ value_json.pm25 }}"},
		"tvoc":        {"volatile_organic_compounds", "µg/m³", "{{ value_json.tvoc }}"},
		"hcho":        {"", "µg/m³", "{{ value_json.hcho }}"},
		"co2":         {"carbon_dioxide", "ppm", "{{ value_json.co2 }}"},
		"aqi":         {"aqi", "", "{{ value_json.iq }}"},
	}

	for _, d := range configs {
		w, ok := want[d.Channel]
		if !ok {
			t.Errorf("unexpected channel %q", d.Channel)
			continue
		}
		c := d.Config
		if c.DeviceClass != w.deviceClass {
			t.Errorf("%s device_class = %q, want %q", d.Channel, c.DeviceClass, w.deviceClass)
		}
		if c.UnitOfMeasurement != w.unit {
			t.Errorf("%s unit = %q, want %q", d.Channel, c.UnitOfMeasurement, w.unit)
		}
		if c.ValueTemplate != w.template {
			t.Errorf("%s value_template = %q, want %q", d.Channel, c.ValueTemplate, w.template)
		}
		if c.UniqueID != "FFF_"+d.Channel {
			t.Errorf("%s unique_id = %q", d.Channel, c.UniqueID)
		}
		if c.StateClass != "measurement" || !c.EnabledByDefault {
			t.Errorf("%s state_class/enabled = %q/%v", d.Channel, c.StateClass, c.EnabledByDefault)
		}
		if c.Device.Manufacturer != "Honeywell" || c.Device.Model != "Honeywell Air Quality Monitor" {
			t.Errorf("%s device = %+v", d.Channel, c.Device)
		}
	}
}

func TestSensorConfig_JSONKeys(t *testing.T) {
	payload, err := json.Marshal(DiscoveryConfigs("FFF", Topics{})[0].Config)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	for _, key := range []string{
		"availability", "device", "device_class", "enabled_by_default",
		"json_attributes_topic", "name", "state_class", "state_topic",
		"unique_id", "unit_of_measurement", "value_template", "origin",
	} {
		if _, ok := doc[key]; !ok {
			t.Errorf("discovery payload missing %q", key)
		}
	}

	device := doc["device"].(map[string]any)
	for _, key := range []string{"identifiers", "manufacturer", "model", "name"} {
		if _, ok := device[key]; !ok {
			t.Errorf("device block missing %q", key)
		}
	}
}
