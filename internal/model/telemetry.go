package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a generic JSON object stored in a jsonb column
type JSONMap map[string]interface{}

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}
	return json.Unmarshal(data, m)
}

// TelemetrySample is one raw GPS report from a device. Samples are created on
// ingestion, consumed once by the processor and never mutated after storage.
type TelemetrySample struct {
	VehicleID string `json:"vehicle_id"`
	DeviceID  string `json:"device_id"`

	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`

	Speed   *float64 `json:"speed,omitempty"`   // km/h
	Heading *float64 `json:"heading,omitempty"` // degrees 0-360

	Accuracy   *float64 `json:"accuracy,omitempty"` // meters
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`

	Odometer     *float64 `json:"odometer,omitempty"`   // kilometers
	FuelLevel    *float64 `json:"fuel_level,omitempty"` // percent
	BatteryLevel *int     `json:"battery_level,omitempty"`
	Ignition     *bool    `json:"ignition,omitempty"`

	RecordedAt time.Time `json:"recorded_at"` // device clock
	ReceivedAt time.Time `json:"received_at"` // server clock

	Raw JSONMap `json:"raw_data,omitempty"`
}

// ProcessedLocation is the enriched form of a TelemetrySample produced by the
// location processor. Immutable once emitted.
type ProcessedLocation struct {
	Sample *TelemetrySample `json:"sample"`

	IsValid          bool     `json:"is_valid"`
	ValidationErrors []string `json:"validation_errors,omitempty"`

	Address string `json:"address,omitempty"`

	// Movement analysis. Nil only for the first sample seen for a vehicle.
	DistanceFromLast *float64 `json:"distance_from_last,omitempty"` // meters
	TimeSinceLast    *float64 `json:"time_since_last,omitempty"`    // seconds
	IsMoving         bool     `json:"is_moving"`
	IsSpeeding       bool     `json:"is_speeding"`
	SpeedLimit       *float64 `json:"speed_limit,omitempty"` // km/h

	// Geofence analysis
	CurrentGeofences   []uint              `json:"current_geofences,omitempty"`
	GeofenceViolations []GeofenceViolation `json:"geofence_violations,omitempty"`

	// Trip analysis
	TripID      string `json:"trip_id,omitempty"`
	IsTripStart bool   `json:"is_trip_start"`
	IsTripEnd   bool   `json:"is_trip_end"`

	AlertsTriggered []Alert `json:"alerts_triggered,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`
}

// Invalid marks the location invalid with the given reasons.
func (p *ProcessedLocation) Invalid(errs ...string) *ProcessedLocation {
	p.IsValid = false
	p.ValidationErrors = append(p.ValidationErrors, errs...)
	return p
}

// GeofenceViolation records a spatial or speed rule breach.
type GeofenceViolation struct {
	GeofenceID    uint      `json:"geofence_id"`
	GeofenceName  string    `json:"geofence_name"`
	ViolationType string    `json:"violation_type"` // entry, exit, speed_violation
	VehicleID     string    `json:"vehicle_id"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Speed         *float64  `json:"speed,omitempty"`
	Severity      string    `json:"severity"` // low, medium, high, critical
	Description   string    `json:"description"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// LocationUpdate is the fan-out payload broadcast to subscribed clients.
type LocationUpdate struct {
	VehicleID  string    `json:"vehicle_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	IsMoving   bool      `json:"is_moving"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Location is the persisted form of a telemetry sample plus derived fields.
type Location struct {
	ID        string `json:"id" gorm:"type:uuid;primaryKey"`
	VehicleID string `json:"vehicle_id" gorm:"size:255;not null;index"`
	DeviceID  string `json:"device_id" gorm:"size:255;index"`

	Latitude  float64  `json:"latitude" gorm:"not null"`
	Longitude float64  `json:"longitude" gorm:"not null"`
	Altitude  *float64 `json:"altitude"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`

	Accuracy   *float64 `json:"accuracy"`
	Satellites *int     `json:"satellites"`
	HDOP       *float64 `json:"hdop" gorm:"column:hdop"`

	Odometer     *float64 `json:"odometer"`
	FuelLevel    *float64 `json:"fuel_level"`
	BatteryLevel *int     `json:"battery_level"`

	DistanceFromLast *float64 `json:"distance_from_last"`
	TimeSinceLast    *float64 `json:"time_since_last"`
	IsMoving         bool     `json:"is_moving"`
	IsSpeeding       bool     `json:"is_speeding"`
	TripID           string   `json:"trip_id" gorm:"size:36;index"`

	Raw JSONMap `json:"raw_data" gorm:"type:jsonb;column:raw_data"`

	RecordedAt time.Time `json:"recorded_at" gorm:"not null;index"`
	ReceivedAt time.Time `json:"received_at" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Location) TableName() string {
	return "locations"
}

// CurrentLocation is the last-writer-wins per-vehicle position record.
type CurrentLocation struct {
	VehicleID     string    `json:"vehicle_id" gorm:"size:255;primaryKey"`
	Latitude      float64   `json:"latitude" gorm:"not null"`
	Longitude     float64   `json:"longitude" gorm:"not null"`
	Speed         *float64  `json:"speed"`
	Heading       *float64  `json:"heading"`
	Address       string    `json:"address" gorm:"type:text"`
	IsOnline      bool      `json:"is_online" gorm:"default:true"`
	SignalQuality int       `json:"signal_quality"`
	LastUpdate    time.Time `json:"last_update" gorm:"not null"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (CurrentLocation) TableName() string {
	return "current_locations"
}
