package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

// NATS subjects connecting the processor to the fan-out hub.
const (
	SubjectLocationUpdate = "fleet.location.update"
	SubjectAlert          = "fleet.alert"
)

// AlertSubject returns the vehicle-specific alert subject.
func AlertSubject(vehicleID string) string {
	return fmt.Sprintf("%s.%s", SubjectAlert, vehicleID)
}

// Bus publishes processed-location events over NATS.
type Bus struct {
	nc *nats.Conn
}

// New creates a Bus on an established NATS connection.
func New(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// PublishLocationUpdate publishes a location update for fan-out.
func (b *Bus) PublishLocationUpdate(update *model.LocationUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return b.nc.Publish(SubjectLocationUpdate, data)
}

// PublishAlert publishes an alert on the shared subject and on the
// vehicle-specific subject. The hub consumes the shared subject; the
// per-vehicle subject exists for external consumers (dispatch tooling,
// per-fleet integrations) that only want one vehicle's alerts.
func (b *Bus) PublishAlert(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(SubjectAlert, data); err != nil {
		return err
	}
	return b.nc.Publish(AlertSubject(alert.VehicleID), data)
}
