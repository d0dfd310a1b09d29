package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

// GPSMessage is the location payload published by devices. device_id,
// vehicle_id, timestamp, latitude and longitude are required; everything
// else is optional.
type GPSMessage struct {
	DeviceID  string    `json:"device_id"`
	VehicleID string    `json:"vehicle_id"`
	Timestamp time.Time `json:"timestamp"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *float64 `json:"altitude"`

	Speed   *float64 `json:"speed"`
	Heading *float64 `json:"heading"`

	Satellites *int     `json:"satellites"`
	HDOP       *float64 `json:"hdop"`
	Accuracy   *float64 `json:"accuracy"`

	BatteryLevel *int     `json:"battery_level"`
	Ignition     *bool    `json:"ignition"`
	Odometer     *float64 `json:"odometer"`
	FuelLevel    *float64 `json:"fuel_level"`
}

// DecodeGPSMessage parses and validates a raw location payload. The raw map
// is kept alongside the typed message for forward compatibility.
func DecodeGPSMessage(payload []byte) (*GPSMessage, model.JSONMap, error) {
	var msg GPSMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var missing []string
	if msg.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	if msg.VehicleID == "" {
		missing = append(missing, "vehicle_id")
	}
	if msg.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if msg.Latitude == nil {
		missing = append(missing, "latitude")
	}
	if msg.Longitude == nil {
		missing = append(missing, "longitude")
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("missing required fields: %v", missing)
	}

	var raw model.JSONMap
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	return &msg, raw, nil
}

// ToSample converts the message into a telemetry sample stamped with the
// server receive time.
func (m *GPSMessage) ToSample(raw model.JSONMap, receivedAt time.Time) *model.TelemetrySample {
	return &model.TelemetrySample{
		VehicleID:    m.VehicleID,
		DeviceID:     m.DeviceID,
		Latitude:     *m.Latitude,
		Longitude:    *m.Longitude,
		Altitude:     m.Altitude,
		Speed:        m.Speed,
		Heading:      m.Heading,
		Accuracy:     m.Accuracy,
		Satellites:   m.Satellites,
		HDOP:         m.HDOP,
		Odometer:     m.Odometer,
		FuelLevel:    m.FuelLevel,
		BatteryLevel: m.BatteryLevel,
		Ignition:     m.Ignition,
		RecordedAt:   m.Timestamp,
		ReceivedAt:   receivedAt,
		Raw:          raw,
	}
}
