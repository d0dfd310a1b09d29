package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/QuocHuannn/fleet-tracker/internal/config"
	"github.com/QuocHuannn/fleet-tracker/internal/model"
	"github.com/QuocHuannn/fleet-tracker/internal/processor"
)

// Topic tree the ingestor subscribes to and publishes on.
const (
	topicLocation  = "fleet/vehicles/+/location"
	topicStatus    = "fleet/vehicles/+/status"
	topicHeartbeat = "fleet/devices/+/heartbeat"
	topicBroadcast = "fleet/system/broadcast"
)

// Publisher receives the processed output for fan-out.
type Publisher interface {
	PublishLocationUpdate(update *model.LocationUpdate) error
	PublishAlert(alert *model.Alert) error
}

// ShadowStore keeps device liveness records.
type ShadowStore interface {
	TouchDeviceShadow(ctx context.Context, deviceID string, fields map[string]interface{}) error
}

// Ingestor owns the MQTT connection, decodes device telemetry and drives the
// location processor. A lost connection is retried with bounded exponential
// backoff; on exhaustion the ingestor reports itself unhealthy while the rest
// of the system keeps serving already-ingested data.
type Ingestor struct {
	cfg       *config.Config
	processor *processor.Processor
	publisher Publisher
	shadows   ShadowStore

	client  mqtt.Client
	healthy atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an Ingestor.
func New(cfg *config.Config, proc *processor.Processor, publisher Publisher, shadows ShadowStore) *Ingestor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		cfg:       cfg,
		processor: proc,
		publisher: publisher,
		shadows:   shadows,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start connects to the broker. An initial connection failure is not fatal:
// the reconnect loop keeps trying in the background.
func (i *Ingestor) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(i.cfg.MQTTBrokerURL).
		SetClientID(fmt.Sprintf("%s-%s", i.cfg.MQTTClientID, uuid.NewString()[:8])).
		SetUsername(i.cfg.MQTTUsername).
		SetPassword(i.cfg.MQTTPassword).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOnConnectHandler(i.onConnect).
		SetConnectionLostHandler(i.onConnectionLost)

	i.client = mqtt.NewClient(opts)

	if token := i.client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("[Ingest] Initial MQTT connection failed: %v", token.Error())
		go i.reconnect()
		return nil
	}
	return nil
}

// Stop cancels reconnection attempts and closes the broker connection.
func (i *Ingestor) Stop() {
	i.cancel()
	if i.client != nil && i.client.IsConnected() {
		i.client.Disconnect(250)
	}
	i.healthy.Store(false)
	log.Println("[Ingest] Stopped")
}

// Healthy reports whether the broker connection is up.
func (i *Ingestor) Healthy() bool {
	return i.healthy.Load()
}

func (i *Ingestor) onConnect(client mqtt.Client) {
	subscriptions := map[string]mqtt.MessageHandler{
		topicLocation:  i.handleLocation,
		topicStatus:    i.handleStatus,
		topicHeartbeat: i.handleHeartbeat,
		topicBroadcast: i.handleBroadcast,
	}

	for topic, handler := range subscriptions {
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			log.Printf("[Ingest] Failed to subscribe to %s: %v", topic, token.Error())
			continue
		}
		log.Printf("[Ingest] Subscribed to %s", topic)
	}

	i.healthy.Store(true)
	log.Printf("[Ingest] Connected to MQTT broker at %s", i.cfg.MQTTBrokerURL)
}

func (i *Ingestor) onConnectionLost(client mqtt.Client, err error) {
	i.healthy.Store(false)
	log.Printf("[Ingest] MQTT connection lost: %v", err)

	select {
	case <-i.ctx.Done():
		return
	default:
		go i.reconnect()
	}
}

// reconnect retries with exponential backoff, bounded by the configured
// maximum attempt count.
func (i *Ingestor) reconnect() {
	for attempt := 0; attempt < i.cfg.MQTTMaxReconnects; attempt++ {
		delay := i.cfg.MQTTReconnectBase * (1 << uint(attempt))

		select {
		case <-i.ctx.Done():
			return
		case <-time.After(delay):
		}

		if token := i.client.Connect(); token.Wait() && token.Error() == nil {
			log.Printf("[Ingest] MQTT reconnected after %d attempts", attempt+1)
			return
		}
		log.Printf("[Ingest] MQTT reconnect attempt %d failed", attempt+1)
	}

	log.Printf("[Ingest] MQTT reconnection failed after %d attempts, ingestor marked down", i.cfg.MQTTMaxReconnects)
}

// parseTopic recovers the message category and entity id from a topic like
// fleet/vehicles/{id}/location or fleet/system/broadcast.
func parseTopic(topic string) (category, entityID string) {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 4 && parts[0] == "fleet":
		return parts[3], parts[2]
	case len(parts) == 3 && parts[0] == "fleet" && parts[1] == "system":
		return parts[2], ""
	default:
		return "", ""
	}
}

// handleLocation decodes a GPS message, runs it through the processor and
// publishes the result. Malformed payloads are logged and dropped; a
// downstream failure never aborts the message loop.
func (i *Ingestor) handleLocation(_ mqtt.Client, msg mqtt.Message) {
	_, topicVehicle := parseTopic(msg.Topic())

	gps, raw, err := DecodeGPSMessage(msg.Payload())
	if err != nil {
		log.Printf("[Ingest] Dropping malformed location message on %s: %v", msg.Topic(), err)
		return
	}
	if topicVehicle != "" && topicVehicle != gps.VehicleID {
		log.Printf("[Ingest] Topic vehicle %s differs from payload vehicle %s", topicVehicle, gps.VehicleID)
	}

	sample := gps.ToSample(raw, time.Now().UTC())
	processed := i.processor.Process(i.ctx, sample)
	if !processed.IsValid {
		return
	}

	update := &model.LocationUpdate{
		VehicleID:  sample.VehicleID,
		DeviceID:   sample.DeviceID,
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		Speed:      sample.Speed,
		Heading:    sample.Heading,
		IsMoving:   processed.IsMoving,
		RecordedAt: sample.RecordedAt,
	}
	if err := i.publisher.PublishLocationUpdate(update); err != nil {
		log.Printf("[Ingest] Failed to publish location update: %v", err)
	}

	for idx := range processed.AlertsTriggered {
		if err := i.publisher.PublishAlert(&processed.AlertsTriggered[idx]); err != nil {
			log.Printf("[Ingest] Failed to publish alert: %v", err)
		}
	}
}

func (i *Ingestor) handleStatus(_ mqtt.Client, msg mqtt.Message) {
	var status struct {
		VehicleID string `json:"vehicle_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(msg.Payload(), &status); err != nil {
		log.Printf("[Ingest] Dropping malformed status message: %v", err)
		return
	}
	log.Printf("[Ingest] Vehicle %s status: %s", status.VehicleID, status.Status)
}

func (i *Ingestor) handleHeartbeat(_ mqtt.Client, msg mqtt.Message) {
	var hb struct {
		DeviceID       string `json:"device_id"`
		BatteryLevel   *int   `json:"battery_level"`
		SignalStrength *int   `json:"signal_strength"`
	}
	if err := json.Unmarshal(msg.Payload(), &hb); err != nil || hb.DeviceID == "" {
		log.Printf("[Ingest] Dropping malformed heartbeat message: %v", err)
		return
	}

	fields := map[string]interface{}{}
	if hb.BatteryLevel != nil {
		fields["battery"] = *hb.BatteryLevel
	}
	if hb.SignalStrength != nil {
		fields["signal"] = *hb.SignalStrength
	}
	if err := i.shadows.TouchDeviceShadow(i.ctx, hb.DeviceID, fields); err != nil {
		log.Printf("[Ingest] Failed to update device shadow for %s: %v", hb.DeviceID, err)
	}
}

func (i *Ingestor) handleBroadcast(_ mqtt.Client, msg mqtt.Message) {
	var bc struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(msg.Payload(), &bc); err != nil {
		log.Printf("[Ingest] Dropping malformed broadcast message: %v", err)
		return
	}
	log.Printf("[Ingest] System broadcast [%s]: %s", bc.Type, bc.Message)
}

// PublishCommand sends a command to a vehicle device on its command topic.
func (i *Ingestor) PublishCommand(vehicleID, command string, data map[string]interface{}) error {
	if i.client == nil || !i.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"command":   command,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sender":    "fleet-tracker",
	})
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("fleet/vehicles/%s/commands", vehicleID)
	if token := i.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("[Ingest] Sent command to %s: %s", vehicleID, command)
	return nil
}
