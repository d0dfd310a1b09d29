package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

// Store is the persistence layer: Postgres for durable records, Redis for
// hot per-vehicle and alert caches.
type Store struct {
	db    *gorm.DB
	redis *redis.Client
}

// New creates a Store on established connections.
func New(db *gorm.DB, redisClient *redis.Client) *Store {
	return &Store{db: db, redis: redisClient}
}

// RunMigrations applies pending SQL migrations.
func RunMigrations(sourceURL, databaseURL string) error {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// SaveLocation persists the sample verbatim plus derived fields.
func (s *Store) SaveLocation(ctx context.Context, processed *model.ProcessedLocation) error {
	sample := processed.Sample
	row := &model.Location{
		ID:               uuid.NewString(),
		VehicleID:        sample.VehicleID,
		DeviceID:         sample.DeviceID,
		Latitude:         sample.Latitude,
		Longitude:        sample.Longitude,
		Altitude:         sample.Altitude,
		Speed:            sample.Speed,
		Heading:          sample.Heading,
		Accuracy:         sample.Accuracy,
		Satellites:       sample.Satellites,
		HDOP:             sample.HDOP,
		Odometer:         sample.Odometer,
		FuelLevel:        sample.FuelLevel,
		BatteryLevel:     sample.BatteryLevel,
		DistanceFromLast: processed.DistanceFromLast,
		TimeSinceLast:    processed.TimeSinceLast,
		IsMoving:         processed.IsMoving,
		IsSpeeding:       processed.IsSpeeding,
		TripID:           processed.TripID,
		Raw:              sample.Raw,
		RecordedAt:       sample.RecordedAt,
		ReceivedAt:       sample.ReceivedAt,
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// UpsertCurrentLocation updates the last-writer-wins per-vehicle position,
// keyed by vehicle id with no conflict detection, and refreshes the Redis
// hot copy.
func (s *Store) UpsertCurrentLocation(ctx context.Context, processed *model.ProcessedLocation) error {
	sample := processed.Sample

	// Signal quality derived from satellite count
	quality := 70
	if sample.Satellites != nil && *sample.Satellites >= 8 {
		quality = 95
	}

	row := &model.CurrentLocation{
		VehicleID:     sample.VehicleID,
		Latitude:      sample.Latitude,
		Longitude:     sample.Longitude,
		Speed:         sample.Speed,
		Heading:       sample.Heading,
		Address:       processed.Address,
		IsOnline:      true,
		SignalQuality: quality,
		LastUpdate:    sample.RecordedAt,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "vehicle_id"}},
		UpdateAll: true,
	}).Create(row).Error
	if err != nil {
		return err
	}

	key := fmt.Sprintf("fleet:current:%s", sample.VehicleID)
	if data, merr := json.Marshal(row); merr == nil {
		if rerr := s.redis.Set(ctx, key, data, 24*time.Hour).Err(); rerr != nil {
			log.Printf("[Store] Failed to cache current location: %v", rerr)
		}
	}
	return nil
}

// SaveGeofenceEvent persists an entry/exit/speed event.
func (s *Store) SaveGeofenceEvent(ctx context.Context, event *model.GeofenceEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// SaveAlert persists an alert and pushes it onto the bounded recent-alerts
// list in Redis.
func (s *Store) SaveAlert(ctx context.Context, alert *model.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return err
	}

	if data, err := json.Marshal(alert); err == nil {
		listKey := "fleet:alerts:recent"
		s.redis.LPush(ctx, listKey, data)
		s.redis.LTrim(ctx, listKey, 0, 99)
	}
	return nil
}

// RecentAlerts returns alerts created at or after since, newest first.
func (s *Store) RecentAlerts(ctx context.Context, since time.Time, limit int) ([]model.Alert, error) {
	var alerts []model.Alert
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

// ActiveGeofencesContaining returns all active geofences whose boundary
// contains the point.
func (s *Store) ActiveGeofencesContaining(ctx context.Context, lat, lng float64) ([]model.Geofence, error) {
	var fences []model.Geofence
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&fences).Error; err != nil {
		return nil, err
	}

	var containing []model.Geofence
	for _, fence := range fences {
		inside, err := Contains(&fence, lat, lng)
		if err != nil {
			log.Printf("[Store] Skipping geofence %d: %v", fence.ID, err)
			continue
		}
		if inside {
			containing = append(containing, fence)
		}
	}
	return containing, nil
}

// TouchDeviceShadow refreshes the device heartbeat shadow in Redis.
func (s *Store) TouchDeviceShadow(ctx context.Context, deviceID string, fields map[string]interface{}) error {
	key := fmt.Sprintf("fleet:shadow:%s", deviceID)
	merged := map[string]interface{}{"ts": time.Now().Unix()}
	for k, v := range fields {
		merged[k] = v
	}
	if err := s.redis.HSet(ctx, key, merged).Err(); err != nil {
		return err
	}
	return s.redis.Expire(ctx, key, 24*time.Hour).Err()
}

// Ping verifies both backing stores are reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
