package model

import (
	"fmt"
	"time"
)

// AlertType classifies an alert.
type AlertType string

const (
	AlertTypeSpeedViolation    AlertType = "speed_violation"
	AlertTypeGeofenceViolation AlertType = "geofence_violation"
)

// AlertSeverity levels
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertStatus lifecycle: active -> acknowledged -> resolved.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Alert is a severity-classified notification describing a violation.
type Alert struct {
	ID        string        `json:"id" gorm:"type:uuid;primaryKey"`
	VehicleID string        `json:"vehicle_id" gorm:"size:255;not null;index"`
	DeviceID  string        `json:"device_id,omitempty" gorm:"size:255"`
	Type      AlertType     `json:"type" gorm:"size:50;not null"`
	Severity  AlertSeverity `json:"severity" gorm:"size:20;not null;default:medium"`
	Status    AlertStatus   `json:"status" gorm:"size:20;not null;default:active;index"`
	Title     string        `json:"title" gorm:"size:255"`
	Message   string        `json:"message" gorm:"type:text;not null"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	Speed      *float64 `json:"speed,omitempty"`
	SpeedLimit *float64 `json:"speed_limit,omitempty"`

	GeofenceID   *uint  `json:"geofence_id,omitempty"`
	GeofenceName string `json:"geofence_name,omitempty" gorm:"size:100"`

	AcknowledgedBy *string    `json:"acknowledged_by,omitempty" gorm:"size:255"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     *string    `json:"resolved_by,omitempty" gorm:"size:255"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Alert) TableName() string {
	return "alerts"
}

// Acknowledge moves an active alert to acknowledged.
func (a *Alert) Acknowledge(userID string, at time.Time) error {
	if a.Status != AlertStatusActive {
		return fmt.Errorf("alert %s is %s, not active", a.ID, a.Status)
	}
	a.Status = AlertStatusAcknowledged
	a.AcknowledgedBy = &userID
	a.AcknowledgedAt = &at
	return nil
}

// Resolve moves an acknowledged (or active) alert to resolved.
func (a *Alert) Resolve(userID string, at time.Time) error {
	if a.Status == AlertStatusResolved {
		return fmt.Errorf("alert %s is already resolved", a.ID)
	}
	a.Status = AlertStatusResolved
	a.ResolvedBy = &userID
	a.ResolvedAt = &at
	return nil
}
