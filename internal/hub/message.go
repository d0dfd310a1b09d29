package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Inbound message types
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeGetAlerts   = "get_alerts"
)

// Outbound message types
const (
	TypeConnectionEstablished   = "connection_established"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypePong                    = "pong"
	TypeAlert                   = "alert"
	TypeLocationUpdate          = "location_update"
	TypeAlertsList              = "alerts_list"
	TypeError                   = "error"
)

// Subscription keys
const (
	SubscriptionAlerts      = "alerts"
	SubscriptionAllVehicles = "all_vehicles"
)

// VehicleSubscription returns the subscription key for one vehicle.
func VehicleSubscription(vehicleID string) string {
	return "vehicle_" + vehicleID
}

// Envelope is the duplex client protocol message format.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
}

// NewEnvelope builds an outbound envelope with a fresh message id.
func NewEnvelope(msgType string, data interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	return &Envelope{
		Type:      msgType,
		Data:      raw,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}, nil
}

// subscribePayload is the data of subscribe/unsubscribe messages.
type subscribePayload struct {
	SubscriptionType string `json:"subscription_type"`
}
