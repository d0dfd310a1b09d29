package model

import (
	"time"

	"gorm.io/gorm"
)

// Geofence is a named spatial region with containment and optional
// speed-limit rules.
type Geofence struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	Name        string         `json:"name" gorm:"size:100;not null"`
	Description string         `json:"description"`
	Type        string         `json:"type" gorm:"size:20;not null"` // circle, polygon
	Coordinates JSONMap        `json:"coordinates" gorm:"type:jsonb;not null"`
	MaxSpeed    *float64       `json:"max_speed"` // km/h, overrides the default limit
	IsActive    bool           `json:"is_active" gorm:"default:true;index"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}

func (Geofence) TableName() string {
	return "geofences"
}

// GeofenceEvent is a persisted entry/exit/speed event for a geofence.
type GeofenceEvent struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	GeofenceID  uint      `json:"geofence_id" gorm:"not null;index"`
	VehicleID   string    `json:"vehicle_id" gorm:"size:255;not null;index"`
	EventType   string    `json:"event_type" gorm:"size:20;not null"` // entry, exit, speed_violation
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Speed       *float64  `json:"speed"`
	TriggeredAt time.Time `json:"triggered_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (GeofenceEvent) TableName() string {
	return "geofence_events"
}

// CircleCoordinates is the payload of a circle geofence:
//
//	{"center": {"lat": 10.0, "lng": 106.0}, "radius": 1000}
type CircleCoordinates struct {
	Center struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"center"`
	Radius float64 `json:"radius"` // meters
}

// PolygonCoordinates is the payload of a polygon geofence:
//
//	{"points": [{"lat": ..., "lng": ...}, ...]}
type PolygonCoordinates struct {
	Points []struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"points"`
}
