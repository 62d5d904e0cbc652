// Package iaq defines the normalized air-quality update record and the
// classifier that turns raw vendor event stream frames into it.
package iaq

// DeviceUpdate is one sensor reading event from an air-quality monitor.
// Measurement values are kept exactly as the vendor encodes them; an
// empty string means the monitor did not report that channel, which is
// distinct from a reading of "0".
//
// The JSON field names match the vendor frame so Home Assistant value
// templates can address them directly (value_json.co2, value_json.iq).
type DeviceUpdate struct {
	DeviceID    string `json:"deviceId"`
	CO2         string `json:"co2"`
	HCHO        string `json:"hcho"`
	TVOC        string `json:"tvoc"`
	PM25        string `json:"pm25"`
	Temperature string `json:"temperature"`
	Humidity    string `json:"humidity"`
	IQ          string `json:"iq"`
}
