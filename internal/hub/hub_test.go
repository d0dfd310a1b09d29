package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	failAt int // fail sends once this many messages have gone out, -1 disables
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failAt: -1}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt >= 0 && len(f.sent) >= f.failAt {
		return errors.New("broken pipe")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) envelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	envs := make([]Envelope, 0, len(f.sent))
	for _, data := range f.sent {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("malformed envelope on wire: %v", err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (f *fakeTransport) countType(t *testing.T, msgType string) int {
	n := 0
	for _, env := range f.envelopes(t) {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

type fakeAlertStore struct {
	alerts []model.Alert
	err    error
}

func (f *fakeAlertStore) RecentAlerts(ctx context.Context, since time.Time, limit int) ([]model.Alert, error) {
	return f.alerts, f.err
}

func TestConnectSendsWelcome(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()

	connID := m.Connect(transport, "user-1", nil)
	if connID == "" {
		t.Fatal("expected a connection id")
	}

	envs := transport.envelopes(t)
	if len(envs) != 1 || envs[0].Type != TypeConnectionEstablished {
		t.Fatalf("expected a connection_established envelope, got %+v", envs)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(envs[0].Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["connection_id"] != connID || data["user_id"] != "user-1" {
		t.Errorf("welcome payload = %v", data)
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	m := NewManager(nil, 10)

	subscriber := newFakeTransport()
	bystander := newFakeTransport()
	subID := m.Connect(subscriber, "user-1", nil)
	m.Connect(bystander, "user-2", nil)

	m.Subscribe(subID, VehicleSubscription("42"))

	m.BroadcastLocationUpdate(&model.LocationUpdate{VehicleID: "42", Latitude: 10, Longitude: 106})

	if n := subscriber.countType(t, TypeLocationUpdate); n != 1 {
		t.Errorf("subscriber received %d location updates, want 1", n)
	}
	if n := bystander.countType(t, TypeLocationUpdate); n != 0 {
		t.Errorf("bystander received %d location updates, want 0", n)
	}
}

func TestBroadcastDeduplicatesOverlappingSubscriptions(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	// Both keys match the same alert
	m.Subscribe(connID, SubscriptionAlerts)
	m.Subscribe(connID, VehicleSubscription("42"))

	m.BroadcastAlert(&model.Alert{ID: "a1", VehicleID: "42"})

	if n := transport.countType(t, TypeAlert); n != 1 {
		t.Errorf("received %d alert copies, want exactly 1", n)
	}
}

func TestAllVehiclesSubscriptionReceivesEveryUpdate(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	m.Subscribe(connID, SubscriptionAllVehicles)

	m.BroadcastLocationUpdate(&model.LocationUpdate{VehicleID: "1"})
	m.BroadcastLocationUpdate(&model.LocationUpdate{VehicleID: "2"})

	if n := transport.countType(t, TypeLocationUpdate); n != 2 {
		t.Errorf("received %d location updates, want 2", n)
	}
}

func TestFanOutFailureIsolatesConnection(t *testing.T) {
	m := NewManager(nil, 10)

	healthy := newFakeTransport()
	broken := newFakeTransport()

	healthyID := m.Connect(healthy, "user-1", nil)
	brokenID := m.Connect(broken, "user-2", nil)
	m.Subscribe(healthyID, SubscriptionAlerts)
	m.Subscribe(brokenID, SubscriptionAlerts)

	// Fail everything after the welcome message
	broken.mu.Lock()
	broken.failAt = len(broken.sent)
	broken.mu.Unlock()

	m.BroadcastAlert(&model.Alert{ID: "a1", VehicleID: "42"})

	if n := healthy.countType(t, TypeAlert); n != 1 {
		t.Errorf("healthy connection received %d alerts, want 1", n)
	}

	stats := m.Stats()
	if stats["total_connections"] != 1 {
		t.Errorf("total_connections = %v, want 1 after broken conn removed", stats["total_connections"])
	}
	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Error("broken transport must be closed")
	}
}

func TestOfflineQueueBoundedInOrderReplay(t *testing.T) {
	m := NewManager(nil, 3)

	// Queue 5 messages for an offline user; only the last 3 survive
	for i := 0; i < 5; i++ {
		env, _ := NewEnvelope(TypeAlert, map[string]int{"seq": i})
		m.SendToUser("user-1", env)
	}

	transport := newFakeTransport()
	m.Connect(transport, "user-1", nil)

	envs := transport.envelopes(t)
	if len(envs) != 4 {
		t.Fatalf("received %d envelopes, want welcome + 3 replayed", len(envs))
	}
	if envs[0].Type != TypeConnectionEstablished {
		t.Errorf("first envelope = %s, want connection_established", envs[0].Type)
	}

	for i, env := range envs[1:] {
		var data map[string]int
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatal(err)
		}
		if want := i + 2; data["seq"] != want {
			t.Errorf("replayed message %d has seq %d, want %d", i, data["seq"], want)
		}
	}

	// Replayed queue is drained
	if m.Stats()["queued_messages"] != 0 {
		t.Error("queue must be drained after replay")
	}
}

func TestSendToUserDeliversToAllConnections(t *testing.T) {
	m := NewManager(nil, 10)

	first := newFakeTransport()
	second := newFakeTransport()
	m.Connect(first, "user-1", nil)
	m.Connect(second, "user-1", nil)

	env, _ := NewEnvelope(TypeAlert, map[string]string{"id": "a1"})
	m.SendToUser("user-1", env)

	if first.countType(t, TypeAlert) != 1 || second.countType(t, TypeAlert) != 1 {
		t.Error("both connections of the user must receive the message")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)
	m.Subscribe(connID, SubscriptionAlerts)

	m.Disconnect(connID)
	m.Disconnect(connID)

	stats := m.Stats()
	if stats["total_connections"] != 0 || stats["total_users"] != 0 {
		t.Errorf("stats after disconnect = %v", stats)
	}

	// A broadcast after disconnect reaches nobody and does not panic
	m.BroadcastAlert(&model.Alert{ID: "a1", VehicleID: "42"})
}

func TestSubscribeIsIdempotent(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	m.Subscribe(connID, SubscriptionAlerts)
	m.Subscribe(connID, SubscriptionAlerts)

	m.BroadcastAlert(&model.Alert{ID: "a1", VehicleID: "42"})
	if n := transport.countType(t, TypeAlert); n != 1 {
		t.Errorf("received %d alerts after duplicate subscribe, want 1", n)
	}

	// Unsubscribing twice is fine too
	m.Unsubscribe(connID, SubscriptionAlerts)
	m.Unsubscribe(connID, SubscriptionAlerts)
	m.BroadcastAlert(&model.Alert{ID: "a2", VehicleID: "42"})
	if n := transport.countType(t, TypeAlert); n != 1 {
		t.Errorf("received %d alerts after unsubscribe, want still 1", n)
	}
}

func marshalEnvelope(t *testing.T, msgType string, data interface{}) []byte {
	t.Helper()
	env, err := NewEnvelope(msgType, data)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestHandleSubscribeMessage(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	raw := marshalEnvelope(t, TypeSubscribe, map[string]string{"subscription_type": "alerts"})
	m.HandleMessage(context.Background(), connID, raw)

	if n := transport.countType(t, TypeSubscriptionConfirmed); n != 1 {
		t.Errorf("received %d subscription confirmations, want 1", n)
	}

	m.BroadcastAlert(&model.Alert{ID: "a1", VehicleID: "42"})
	if n := transport.countType(t, TypeAlert); n != 1 {
		t.Error("subscription via message must take effect")
	}
}

func TestHandleSubscribeMissingType(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	raw := marshalEnvelope(t, TypeSubscribe, map[string]string{})
	m.HandleMessage(context.Background(), connID, raw)

	if n := transport.countType(t, TypeError); n != 1 {
		t.Errorf("received %d error envelopes, want 1", n)
	}
	// Connection stays open
	if m.Stats()["total_connections"] != 1 {
		t.Error("protocol error must not drop the connection")
	}
}

func TestHandlePingRespondsWithPong(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	env, _ := NewEnvelope(TypePing, nil)
	raw, _ := json.Marshal(env)
	m.HandleMessage(context.Background(), connID, raw)

	var pong *Envelope
	envs := transport.envelopes(t)
	for i := range envs {
		if envs[i].Type == TypePong {
			pong = &envs[i]
		}
	}
	if pong == nil {
		t.Fatal("expected a pong envelope")
	}

	var data map[string]string
	if err := json.Unmarshal(pong.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["original_message_id"] != env.MessageID {
		t.Errorf("pong original_message_id = %q, want %q", data["original_message_id"], env.MessageID)
	}
}

func TestHandleMalformedMessage(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	m.HandleMessage(context.Background(), connID, []byte("{not json"))

	if n := transport.countType(t, TypeError); n != 1 {
		t.Errorf("received %d error envelopes, want 1", n)
	}
}

func TestHandleUnknownMessageType(t *testing.T) {
	m := NewManager(nil, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	raw := marshalEnvelope(t, "frobnicate", nil)
	m.HandleMessage(context.Background(), connID, raw)

	if n := transport.countType(t, TypeError); n != 1 {
		t.Errorf("received %d error envelopes, want 1", n)
	}
}

func TestHandleGetAlerts(t *testing.T) {
	store := &fakeAlertStore{alerts: []model.Alert{
		{ID: "a1", VehicleID: "42"},
		{ID: "a2", VehicleID: "43"},
	}}
	m := NewManager(store, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	raw := marshalEnvelope(t, TypeGetAlerts, nil)
	m.HandleMessage(context.Background(), connID, raw)

	var list *Envelope
	envs := transport.envelopes(t)
	for i := range envs {
		if envs[i].Type == TypeAlertsList {
			list = &envs[i]
		}
	}
	if list == nil {
		t.Fatal("expected an alerts_list envelope")
	}

	var data struct {
		Alerts []model.Alert `json:"alerts"`
	}
	if err := json.Unmarshal(list.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.Alerts) != 2 {
		t.Errorf("alerts_list contains %d alerts, want 2", len(data.Alerts))
	}
}

func TestHandleGetAlertsStoreError(t *testing.T) {
	m := NewManager(&fakeAlertStore{err: errors.New("db down")}, 10)
	transport := newFakeTransport()
	connID := m.Connect(transport, "user-1", nil)

	raw := marshalEnvelope(t, TypeGetAlerts, nil)
	m.HandleMessage(context.Background(), connID, raw)

	if n := transport.countType(t, TypeError); n != 1 {
		t.Errorf("received %d error envelopes, want 1", n)
	}
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	m := NewManager(nil, 10)
	first := newFakeTransport()
	second := newFakeTransport()
	m.Connect(first, "user-1", nil)
	m.Connect(second, "user-2", nil)

	m.Close()

	if m.Stats()["total_connections"] != 0 {
		t.Error("close must disconnect all clients")
	}
	if !first.closed || !second.closed {
		t.Error("close must close every transport")
	}
}
