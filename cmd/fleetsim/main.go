// fleetsim publishes simulated GPS traffic for testing the tracker against
// a real MQTT broker.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type waypoint struct {
	lat  float64
	lng  float64
	name string
}

// Sample routes in Ho Chi Minh City.
var routes = [][]waypoint{
	{
		{10.8231, 106.6297, "Ben Thanh Market"},
		{10.8127, 106.6256, "Nguyen Hue"},
		{10.7769, 106.7009, "Phu My Hung"},
		{10.7411, 106.7203, "Crescent Mall"},
	},
	{
		{10.8189, 106.6520, "Tan Son Nhat Airport"},
		{10.8145, 106.6443, "Airport Road"},
		{10.7879, 106.6465, "District 3"},
		{10.7769, 106.6297, "City Center"},
	},
	{
		{10.8505, 106.7717, "Thu Duc"},
		{10.8275, 106.7344, "Binh Thanh"},
		{10.8048, 106.6944, "District 2"},
		{10.7867, 106.6297, "District 1"},
	},
}

type vehicleSim struct {
	vehicleID string
	deviceID  string
	route     []waypoint

	targetIdx int
	lat       float64
	lng       float64
	speed     float64
	heading   int
	odometer  float64
	fuelLevel float64
}

func newVehicleSim(index int, route []waypoint) *vehicleSim {
	return &vehicleSim{
		vehicleID: fmt.Sprintf("VEHICLE_%03d", index+1),
		deviceID:  fmt.Sprintf("GPS_DEVICE_%03d", index+1),
		route:     route,
		lat:       route[0].lat,
		lng:       route[0].lng,
		odometer:  10000 + rand.Float64()*40000,
		fuelLevel: 20 + rand.Float64()*80,
	}
}

// step advances the vehicle towards its current waypoint, wrapping around the
// route when the waypoint is reached.
func (v *vehicleSim) step() {
	target := v.route[v.targetIdx]
	latDiff := target.lat - v.lat
	lngDiff := target.lng - v.lng
	distance := math.Sqrt(latDiff*latDiff + lngDiff*lngDiff)

	// Roughly 100m in degrees
	if distance < 0.001 {
		v.targetIdx = (v.targetIdx + 1) % len(v.route)
		v.speed = 30 + rand.Float64()*50
		return
	}

	const moveStep = 0.001
	v.lat += (latDiff / distance) * moveStep
	v.lng += (lngDiff / distance) * moveStep

	v.heading = (int(math.Atan2(lngDiff, latDiff)*180/math.Pi) + 360) % 360
	v.odometer += 0.1
	v.fuelLevel = math.Max(0, v.fuelLevel-0.01)
}

func (v *vehicleSim) locationPayload() map[string]interface{} {
	return map[string]interface{}{
		"device_id":     v.deviceID,
		"vehicle_id":    v.vehicleID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"latitude":      v.lat,
		"longitude":     v.lng,
		"altitude":      50 + rand.Float64()*150,
		"speed":         v.speed,
		"heading":       v.heading,
		"satellites":    6 + rand.Intn(7),
		"hdop":          0.8 + rand.Float64()*1.2,
		"accuracy":      3 + rand.Float64()*12,
		"battery_level": 70 + rand.Intn(31),
		"ignition":      true,
		"odometer":      v.odometer,
		"fuel_level":    v.fuelLevel,
	}
}

func (v *vehicleSim) heartbeatPayload() map[string]interface{} {
	return map[string]interface{}{
		"device_id":       v.deviceID,
		"vehicle_id":      v.vehicleID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"battery_level":   80 + rand.Intn(21),
		"signal_strength": 60 + rand.Intn(41),
		"temperature":     20 + rand.Float64()*25,
		"status":          "online",
	}
}

func (v *vehicleSim) run(client mqtt.Client, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Sim] Started vehicle %s", v.vehicleID)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			v.step()

			publish(client, fmt.Sprintf("fleet/vehicles/%s/location", v.vehicleID), v.locationPayload())

			// Occasional device heartbeat
			if rand.Float64() < 0.2 {
				publish(client, fmt.Sprintf("fleet/devices/%s/heartbeat", v.deviceID), v.heartbeatPayload())
			}
		}
	}
}

func publish(client mqtt.Client, topic string, payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Sim] Failed to marshal payload: %v", err)
		return
	}
	if token := client.Publish(topic, 1, false, data); token.Wait() && token.Error() != nil {
		log.Printf("[Sim] Publish to %s failed: %v", topic, token.Error())
	}
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	vehicles := flag.Int("vehicles", 3, "number of vehicles to simulate")
	interval := flag.Duration("interval", 5*time.Second, "update interval")
	flag.Parse()

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID(fmt.Sprintf("fleet-sim-%d", time.Now().Unix())).
		SetUsername(*username).
		SetPassword(*password)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("[Sim] Failed to connect to MQTT broker: %v", token.Error())
	}
	log.Printf("[Sim] Connected to MQTT broker at %s", *broker)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *vehicles; i++ {
		sim := newVehicleSim(i, routes[i%len(routes)])
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.run(client, *interval, done)
		}()
	}
	log.Printf("[Sim] Simulating %d vehicles every %s", *vehicles, *interval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Sim] Stopping...")
	close(done)
	wg.Wait()
	client.Disconnect(250)
	log.Println("[Sim] Stopped")
}
