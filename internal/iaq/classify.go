package iaq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Frame types sent on the vendor event stream.
const (
	TypeData         = "IAQGetData"
	TypeLanguage     = "IAQLanguage"
	TypeOnlineStatus = "OnlineStatus"
	TypeUnknown      = "Unknown"
)

// Outcome labels what Classify did with a frame. It is used as a metric
// label and in logs.
type Outcome string

const (
	OutcomeUpdate    Outcome = "update"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeMalformed Outcome = "malformed"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrMissingDeviceID is returned for data frames without a deviceId.
	ErrMissingDeviceID = errors.New("data frame without deviceId")
)

// Classifier parses raw event stream frames. It is stateless and safe
// for concurrent use.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier creates a Classifier that reports ignored and unknown
// frames to logger. A nil logger uses [slog.Default].
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

// Classify parses raw and returns the update it carries. ok is false
// for frames that carry no reading (benign broadcasts and unrecognized
// types); those are logged, never returned as errors. A non-nil error
// means raw could not be interpreted at all.
func (c *Classifier) Classify(raw string) (DeviceUpdate, bool, error) {
	update, outcome, err := c.classify(raw)
	return update, outcome == OutcomeUpdate, err
}

// ClassifyOutcome is [Classifier.Classify] with the outcome label.
func (c *Classifier) ClassifyOutcome(raw string) (DeviceUpdate, Outcome, error) {
	return c.classify(raw)
}

func (c *Classifier) classify(raw string) (DeviceUpdate, Outcome, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return DeviceUpdate{}, OutcomeMalformed, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if fields == nil {
		return DeviceUpdate{}, OutcomeMalformed, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	frameType := text(fields, "type")
	if frameType == "" {
		frameType = TypeUnknown
	}

	switch frameType {
	case TypeData:
		if unit := text(fields, "temperatureUnit"); unit != "" {
			c.logger.Debug("device temperature unit",
				"device_id", text(fields, "deviceId"), "unit", unit)
		}

		update := DeviceUpdate{
			DeviceID:    text(fields, "deviceId"),
			CO2:         text(fields, "co2"),
			HCHO:        text(fields, "hcho"),
			TVOC:        text(fields, "tvoc"),
			PM25:        text(fields, "pm25"),
			Temperature: text(fields, "temperature"),
			Humidity:    text(fields, "humidity"),
			IQ:          text(fields, "iq"),
		}
		if update.DeviceID == "" {
			return DeviceUpdate{}, OutcomeMalformed, ErrMissingDeviceID
		}
		return update, OutcomeUpdate, nil

	case TypeLanguage, TypeOnlineStatus:
		c.logger.Debug("ignoring broadcast frame",
			"type", frameType, "device_id", text(fields, "deviceId"))
		return DeviceUpdate{}, OutcomeIgnored, nil

	default:
		c.logger.Error("received frame with unknown type",
			"type", frameType, "frame", raw)
		return DeviceUpdate{}, OutcomeUnknown, nil
	}
}

// text returns the field as a string. JSON strings are unquoted, other
// scalars keep their literal encoding (the vendor occasionally sends
// numbers), and absent or null fields yield "".
func text(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	switch lit := string(v); lit {
	case "null":
		return ""
	default:
		if len(lit) > 0 && (lit[0] == '{' || lit[0] == '[') {
			return ""
		}
		return lit
	}
}
