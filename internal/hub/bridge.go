package hub

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"github.com/QuocHuannn/fleet-tracker/internal/bus"
	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

// BusBridge feeds NATS events from the processing pipeline into the
// manager's broadcast operations.
type BusBridge struct {
	subs []*nats.Subscription
}

// AttachBus subscribes the manager to location and alert subjects.
func AttachBus(nc *nats.Conn, m *Manager) (*BusBridge, error) {
	bridge := &BusBridge{}

	locSub, err := nc.Subscribe(bus.SubjectLocationUpdate, func(msg *nats.Msg) {
		var update model.LocationUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			log.Printf("[Hub] Failed to unmarshal location update: %v", err)
			return
		}
		m.BroadcastLocationUpdate(&update)
	})
	if err != nil {
		return nil, err
	}
	bridge.subs = append(bridge.subs, locSub)

	alertSub, err := nc.Subscribe(bus.SubjectAlert, func(msg *nats.Msg) {
		var alert model.Alert
		if err := json.Unmarshal(msg.Data, &alert); err != nil {
			log.Printf("[Hub] Failed to unmarshal alert: %v", err)
			return
		}
		m.BroadcastAlert(&alert)
	})
	if err != nil {
		bridge.Close()
		return nil, err
	}
	bridge.subs = append(bridge.subs, alertSub)

	log.Println("[Hub] Subscribed to location and alert updates")
	return bridge, nil
}

// Close drops the NATS subscriptions.
func (b *BusBridge) Close() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
}
