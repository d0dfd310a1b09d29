package processor

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

const (
	earthRadiusMeters = 6371000

	// Movement classification thresholds
	movingSpeedKmh     = 5
	movingDistanceM    = 50
	maxRealisticSpeed  = 300 // km/h

	// Timestamp sanity window relative to received-at. Values exactly at
	// the bound are accepted.
	maxFutureSkew = 5 * time.Minute
	maxPastSkew   = 7 * 24 * time.Hour
)

// Store is the persistence collaborator the processor writes through.
type Store interface {
	// ActiveGeofencesContaining returns all active geofences whose boundary
	// contains the point.
	ActiveGeofencesContaining(ctx context.Context, lat, lng float64) ([]model.Geofence, error)
	SaveLocation(ctx context.Context, loc *model.ProcessedLocation) error
	UpsertCurrentLocation(ctx context.Context, loc *model.ProcessedLocation) error
	SaveGeofenceEvent(ctx context.Context, event *model.GeofenceEvent) error
	SaveAlert(ctx context.Context, alert *model.Alert) error
}

// Processor is the stateful per-vehicle location pipeline.
type Processor struct {
	store             Store
	defaultSpeedLimit float64
	cache             *vehicleCache
	now               func() time.Time
}

// New creates a Processor.
func New(store Store, defaultSpeedLimit float64, cacheTTL time.Duration) *Processor {
	return &Processor{
		store:             store,
		defaultSpeedLimit: defaultSpeedLimit,
		cache:             newVehicleCache(cacheTTL),
		now:               time.Now,
	}
}

// Start runs background maintenance until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	go p.cache.startJanitor(ctx)
}

// CachedVehicles reports the number of vehicles with cached state.
func (p *Processor) CachedVehicles() int {
	return p.cache.len()
}

// Process runs a telemetry sample through the full pipeline and returns the
// enriched location. Steps after validation are best effort: a failure in
// one step is logged and the remaining steps still run, so a persistence
// outage never blocks alert emission or the cache update.
func (p *Processor) Process(ctx context.Context, sample *model.TelemetrySample) *model.ProcessedLocation {
	processed := &model.ProcessedLocation{
		Sample:      sample,
		IsValid:     true,
		ProcessedAt: p.now(),
	}

	// Step 1: validation. Invalid samples short-circuit before any state
	// mutation so they cannot poison the per-vehicle cache.
	if errs := validate(sample); len(errs) > 0 {
		log.Printf("[Processor] Invalid sample for vehicle %s: %v", sample.VehicleID, errs)
		return processed.Invalid(errs...)
	}

	state := p.cache.acquire(sample.VehicleID)
	defer state.mu.Unlock()

	p.analyzeMovement(processed, state)
	currentFences := p.checkGeofences(ctx, processed, state)
	p.analyzeTrip(processed, state)
	p.persist(ctx, processed)
	p.emitAlerts(ctx, processed)

	// Step 7: cache update, unconditional for valid samples so the next
	// sample always has a reference point.
	state.lastSample = sample
	state.wasMoving = processed.IsMoving
	state.geofences = currentFences
	state.tripID = processed.TripID
	if processed.IsTripEnd {
		state.tripID = ""
	}
	state.lastSeen = p.now()

	return processed
}

// validate applies the coordinate, sanity and timestamp invariants.
func validate(s *model.TelemetrySample) []string {
	var errs []string

	if s.Latitude < -90 || s.Latitude > 90 {
		errs = append(errs, fmt.Sprintf("latitude %v out of range", s.Latitude))
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		errs = append(errs, fmt.Sprintf("longitude %v out of range", s.Longitude))
	}
	// (0,0) is the no-fix sentinel many devices report
	if s.Latitude == 0 && s.Longitude == 0 {
		errs = append(errs, "coordinates (0,0) indicate no GPS fix")
	}
	if s.Speed != nil && (*s.Speed < 0 || *s.Speed > maxRealisticSpeed) {
		errs = append(errs, fmt.Sprintf("speed %v km/h is unrealistic", *s.Speed))
	}

	ref := s.ReceivedAt
	if ref.IsZero() {
		ref = time.Now().UTC()
	}
	if s.RecordedAt.After(ref.Add(maxFutureSkew)) {
		errs = append(errs, "recorded_at too far in the future")
	}
	if s.RecordedAt.Before(ref.Add(-maxPastSkew)) {
		errs = append(errs, "recorded_at too far in the past")
	}

	return errs
}

// analyzeMovement computes distance/time deltas against the cached last
// sample and classifies moving/speeding.
func (p *Processor) analyzeMovement(processed *model.ProcessedLocation, state *vehicleState) {
	sample := processed.Sample

	if last := state.lastSample; last != nil {
		distance := distanceMeters(last.Latitude, last.Longitude, sample.Latitude, sample.Longitude)
		elapsed := sample.RecordedAt.Sub(last.RecordedAt).Seconds()
		processed.DistanceFromLast = &distance
		processed.TimeSinceLast = &elapsed
	}

	switch {
	case sample.Speed != nil && *sample.Speed > movingSpeedKmh:
		processed.IsMoving = true
	case processed.DistanceFromLast != nil && *processed.DistanceFromLast > movingDistanceM:
		processed.IsMoving = true
	}

	limit := p.defaultSpeedLimit
	processed.SpeedLimit = &limit
	if sample.Speed != nil && *sample.Speed > limit {
		processed.IsSpeeding = true
	}
}

// checkGeofences queries containing geofences, applies their speed limits
// and diffs against the previous containment set. Entry fires for every
// gained geofence, exit for every lost one. Returns the current id->name set
// for the cache.
func (p *Processor) checkGeofences(ctx context.Context, processed *model.ProcessedLocation, state *vehicleState) map[uint]string {
	sample := processed.Sample
	current := make(map[uint]string)

	fences, err := p.store.ActiveGeofencesContaining(ctx, sample.Latitude, sample.Longitude)
	if err != nil {
		log.Printf("[Processor] Geofence query failed for vehicle %s: %v", sample.VehicleID, err)
		// Carry the previous set forward so a transient store error does
		// not fire spurious exit events on the next sample.
		return state.geofences
	}

	for _, fence := range fences {
		current[fence.ID] = fence.Name
		processed.CurrentGeofences = append(processed.CurrentGeofences, fence.ID)

		if fence.MaxSpeed == nil {
			continue
		}
		// The effective limit is the minimum of the default and every
		// containing geofence's limit. A fence limit above the current
		// limit never relaxes it.
		if processed.SpeedLimit == nil || *fence.MaxSpeed < *processed.SpeedLimit {
			limit := *fence.MaxSpeed
			processed.SpeedLimit = &limit
			processed.IsSpeeding = sample.Speed != nil && *sample.Speed > limit
		}
		if sample.Speed != nil && *sample.Speed > *fence.MaxSpeed {
			processed.GeofenceViolations = append(processed.GeofenceViolations, model.GeofenceViolation{
				GeofenceID:    fence.ID,
				GeofenceName:  fence.Name,
				ViolationType: "speed_violation",
				VehicleID:     sample.VehicleID,
				Latitude:      sample.Latitude,
				Longitude:     sample.Longitude,
				Speed:         sample.Speed,
				Severity:      string(model.AlertSeverityHigh),
				Description:   fmt.Sprintf("Speed %.0f km/h exceeds limit %.0f km/h in %s", *sample.Speed, *fence.MaxSpeed, fence.Name),
				OccurredAt:    sample.RecordedAt,
			})
		}
	}

	for id, name := range current {
		if _, ok := state.geofences[id]; !ok {
			processed.GeofenceViolations = append(processed.GeofenceViolations, p.boundaryViolation(sample, id, name, "entry"))
		}
	}
	for id, name := range state.geofences {
		if _, ok := current[id]; !ok {
			processed.GeofenceViolations = append(processed.GeofenceViolations, p.boundaryViolation(sample, id, name, "exit"))
		}
	}

	for _, v := range processed.GeofenceViolations {
		event := &model.GeofenceEvent{
			GeofenceID:  v.GeofenceID,
			VehicleID:   v.VehicleID,
			EventType:   v.ViolationType,
			Latitude:    v.Latitude,
			Longitude:   v.Longitude,
			Speed:       v.Speed,
			TriggeredAt: v.OccurredAt,
		}
		if err := p.store.SaveGeofenceEvent(ctx, event); err != nil {
			log.Printf("[Processor] Failed to save geofence event: %v", err)
		}
	}

	return current
}

func (p *Processor) boundaryViolation(sample *model.TelemetrySample, id uint, name, kind string) model.GeofenceViolation {
	return model.GeofenceViolation{
		GeofenceID:    id,
		GeofenceName:  name,
		ViolationType: kind,
		VehicleID:     sample.VehicleID,
		Latitude:      sample.Latitude,
		Longitude:     sample.Longitude,
		Speed:         sample.Speed,
		Severity:      string(model.AlertSeverityMedium),
		Description:   fmt.Sprintf("Vehicle %s %s geofence %s", sample.VehicleID, kindVerb(kind), name),
		OccurredAt:    sample.RecordedAt,
	}
}

func kindVerb(kind string) string {
	if kind == "entry" {
		return "entered"
	}
	return "exited"
}

// analyzeTrip applies the two-state trip heuristic: a trip starts on the
// transition to moving, ends when a moving vehicle reports not moving.
func (p *Processor) analyzeTrip(processed *model.ProcessedLocation, state *vehicleState) {
	hadPrior := state.lastSample != nil

	if processed.IsMoving {
		if !hadPrior || !state.wasMoving {
			processed.IsTripStart = true
			processed.TripID = uuid.NewString()
		} else {
			processed.TripID = state.tripID
		}
		return
	}

	if hadPrior && state.wasMoving {
		processed.IsTripEnd = true
		processed.TripID = state.tripID
	}
}

// persist writes the enriched record and the per-vehicle current location.
func (p *Processor) persist(ctx context.Context, processed *model.ProcessedLocation) {
	if err := p.store.SaveLocation(ctx, processed); err != nil {
		log.Printf("[Processor] Failed to store location for vehicle %s: %v", processed.Sample.VehicleID, err)
	}
	if err := p.store.UpsertCurrentLocation(ctx, processed); err != nil {
		log.Printf("[Processor] Failed to update current location for vehicle %s: %v", processed.Sample.VehicleID, err)
	}
}

// emitAlerts builds alerts from the speeding flag and geofence violations,
// persists them best effort and attaches them to the processed location for
// the caller to fan out.
func (p *Processor) emitAlerts(ctx context.Context, processed *model.ProcessedLocation) {
	sample := processed.Sample

	if processed.IsSpeeding {
		speed := *sample.Speed
		alert := model.Alert{
			ID:         uuid.NewString(),
			VehicleID:  sample.VehicleID,
			DeviceID:   sample.DeviceID,
			Type:       model.AlertTypeSpeedViolation,
			Severity:   model.AlertSeverityHigh,
			Status:     model.AlertStatusActive,
			Title:      "Speed limit exceeded",
			Message:    fmt.Sprintf("Vehicle exceeded speed limit: %.0f km/h", speed),
			Latitude:   &sample.Latitude,
			Longitude:  &sample.Longitude,
			Speed:      sample.Speed,
			SpeedLimit: processed.SpeedLimit,
			CreatedAt:  processed.ProcessedAt,
		}
		processed.AlertsTriggered = append(processed.AlertsTriggered, alert)
	}

	for _, v := range processed.GeofenceViolations {
		v := v
		alert := model.Alert{
			ID:           uuid.NewString(),
			VehicleID:    sample.VehicleID,
			DeviceID:     sample.DeviceID,
			Type:         model.AlertTypeGeofenceViolation,
			Severity:     model.AlertSeverity(v.Severity),
			Status:       model.AlertStatusActive,
			Title:        fmt.Sprintf("Geofence %s", v.ViolationType),
			Message:      v.Description,
			Latitude:     &sample.Latitude,
			Longitude:    &sample.Longitude,
			Speed:        sample.Speed,
			GeofenceID:   &v.GeofenceID,
			GeofenceName: v.GeofenceName,
			CreatedAt:    processed.ProcessedAt,
		}
		processed.AlertsTriggered = append(processed.AlertsTriggered, alert)
	}

	for i := range processed.AlertsTriggered {
		if err := p.store.SaveAlert(ctx, &processed.AlertsTriggered[i]); err != nil {
			log.Printf("[Processor] Failed to save alert: %v", err)
		}
	}
}

// distanceMeters calculates the great-circle distance between two points
// using the Haversine formula.
func distanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
