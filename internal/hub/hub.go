package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

// Transport is one client's outbound channel. Implementations must be safe
// to close more than once.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// AlertStore answers get_alerts requests.
type AlertStore interface {
	RecentAlerts(ctx context.Context, since time.Time, limit int) ([]model.Alert, error)
}

// Conn is one live duplex client session. A connection belongs to exactly
// one user; a user may own several connections.
type Conn struct {
	ID     string
	UserID string

	transport Transport
	// sendMu serializes writes so messages to a single connection are
	// delivered in submission order.
	sendMu sync.Mutex

	subscriptions map[string]struct{}
	lastActivity  time.Time
	clientInfo    map[string]interface{}
}

func (c *Conn) send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.Send(data)
}

// Manager maintains the connection table, per-user connection sets,
// subscription indices and the bounded offline queue. All mutation of this
// shared state goes through its public operations.
type Manager struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	userConns map[string]map[string]struct{}
	subs      map[string]map[string]struct{}
	queues    map[string][]*Envelope

	replayWindow int
	alerts       AlertStore
	now          func() time.Time
}

// NewManager creates a Manager. replayWindow bounds the per-user offline
// queue to the most recent N messages.
func NewManager(alerts AlertStore, replayWindow int) *Manager {
	if replayWindow <= 0 {
		replayWindow = 10
	}
	return &Manager{
		conns:        make(map[string]*Conn),
		userConns:    make(map[string]map[string]struct{}),
		subs:         make(map[string]map[string]struct{}),
		queues:       make(map[string][]*Envelope),
		replayWindow: replayWindow,
		alerts:       alerts,
		now:          time.Now,
	}
}

// Connect registers an authenticated transport, sends the welcome message
// and replays any messages queued for the user while offline.
func (m *Manager) Connect(transport Transport, userID string, clientInfo map[string]interface{}) string {
	conn := &Conn{
		ID:            uuid.NewString(),
		UserID:        userID,
		transport:     transport,
		subscriptions: make(map[string]struct{}),
		lastActivity:  m.now(),
		clientInfo:    clientInfo,
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	if m.userConns[userID] == nil {
		m.userConns[userID] = make(map[string]struct{})
	}
	m.userConns[userID][conn.ID] = struct{}{}
	queued := m.queues[userID]
	delete(m.queues, userID)
	m.mu.Unlock()

	welcome, _ := NewEnvelope(TypeConnectionEstablished, map[string]interface{}{
		"connection_id": conn.ID,
		"user_id":       userID,
		"server_time":   m.now().UTC().Format(time.RFC3339),
	})
	m.deliver(conn, welcome)

	// Replay in original order, already bounded at queue time.
	for _, env := range queued {
		m.deliver(conn, env)
	}

	log.Printf("[Hub] Client connected: user=%s conn=%s", userID, conn.ID)
	return conn.ID
}

// Disconnect removes the connection from every subscription index, from its
// user's connection set and from the connection table. Safe to call more
// than once.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}

	for key := range conn.subscriptions {
		m.removeSubscriberLocked(connID, key)
	}

	if set, ok := m.userConns[conn.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.userConns, conn.UserID)
		}
	}
	delete(m.conns, connID)
	m.mu.Unlock()

	conn.transport.Close()
	log.Printf("[Hub] Client disconnected: user=%s conn=%s", conn.UserID, connID)
}

// Subscribe adds the connection to a subscription key. Re-subscribing is a
// no-op, not an error.
func (m *Manager) Subscribe(connID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false
	}
	conn.subscriptions[key] = struct{}{}
	if m.subs[key] == nil {
		m.subs[key] = make(map[string]struct{})
	}
	m.subs[key][connID] = struct{}{}
	return true
}

// Unsubscribe removes the connection from a subscription key. Idempotent.
func (m *Manager) Unsubscribe(connID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[connID]; ok {
		delete(conn.subscriptions, key)
	}
	m.removeSubscriberLocked(connID, key)
}

func (m *Manager) removeSubscriberLocked(connID, key string) {
	if set, ok := m.subs[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.subs, key)
		}
	}
}

// BroadcastAlert delivers an alert to every connection subscribed to the
// alerts channel or to the alert's vehicle, exactly once per connection.
func (m *Manager) BroadcastAlert(alert *model.Alert) {
	env, err := NewEnvelope(TypeAlert, alert)
	if err != nil {
		log.Printf("[Hub] Failed to encode alert: %v", err)
		return
	}

	targets := m.collectTargets(SubscriptionAlerts, VehicleSubscription(alert.VehicleID))
	m.fanOut(targets, env)
}

// BroadcastLocationUpdate delivers a location update to connections
// subscribed to the vehicle or to all vehicles.
func (m *Manager) BroadcastLocationUpdate(update *model.LocationUpdate) {
	env, err := NewEnvelope(TypeLocationUpdate, update)
	if err != nil {
		log.Printf("[Hub] Failed to encode location update: %v", err)
		return
	}

	targets := m.collectTargets(VehicleSubscription(update.VehicleID), SubscriptionAllVehicles)
	m.fanOut(targets, env)
}

// collectTargets returns the de-duplicated connection set subscribed to any
// of the given keys.
func (m *Manager) collectTargets(keys ...string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var targets []*Conn
	for _, key := range keys {
		for connID := range m.subs[key] {
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			if conn, ok := m.conns[connID]; ok {
				targets = append(targets, conn)
			}
		}
	}
	return targets
}

// fanOut is best effort per recipient: a send failure disconnects only that
// connection and never aborts delivery to the rest.
func (m *Manager) fanOut(targets []*Conn, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Hub] Failed to marshal envelope: %v", err)
		return
	}
	for _, conn := range targets {
		if err := conn.send(data); err != nil {
			log.Printf("[Hub] Send failed for conn %s, disconnecting: %v", conn.ID, err)
			m.Disconnect(conn.ID)
		}
	}
}

// SendToUser delivers to all of a user's open connections, or queues the
// message when the user is offline. The queue keeps only the most recent
// replayWindow messages.
func (m *Manager) SendToUser(userID string, env *Envelope) {
	m.mu.Lock()
	connIDs, online := m.userConns[userID]
	var targets []*Conn
	if online {
		for id := range connIDs {
			if conn, ok := m.conns[id]; ok {
				targets = append(targets, conn)
			}
		}
	} else {
		queue := append(m.queues[userID], env)
		if len(queue) > m.replayWindow {
			queue = queue[len(queue)-m.replayWindow:]
		}
		m.queues[userID] = queue
	}
	m.mu.Unlock()

	for _, conn := range targets {
		m.deliver(conn, env)
	}
}

// deliver sends one envelope to one connection, disconnecting it on failure.
func (m *Manager) deliver(conn *Conn, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Hub] Failed to marshal envelope: %v", err)
		return
	}
	if err := conn.send(data); err != nil {
		log.Printf("[Hub] Send failed for conn %s, disconnecting: %v", conn.ID, err)
		m.Disconnect(conn.ID)
	}
}

// HandleMessage routes one inbound client message. Protocol errors are
// answered with an error envelope; the connection stays open.
func (m *Manager) HandleMessage(ctx context.Context, connID string, raw []byte) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		conn.lastActivity = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.sendError(conn, "Invalid message format")
		return
	}

	switch env.Type {
	case TypeSubscribe:
		m.handleSubscribe(conn, &env)
	case TypeUnsubscribe:
		m.handleUnsubscribe(conn, &env)
	case TypePing:
		m.handlePing(conn, &env)
	case TypeGetAlerts:
		m.handleGetAlerts(ctx, conn)
	default:
		log.Printf("[Hub] Unknown message type from conn %s: %s", connID, env.Type)
		m.sendError(conn, "Unknown message type")
	}
}

func (m *Manager) handleSubscribe(conn *Conn, env *Envelope) {
	var payload subscribePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SubscriptionType == "" {
		m.sendError(conn, "Missing subscription_type")
		return
	}

	m.Subscribe(conn.ID, payload.SubscriptionType)

	response, _ := NewEnvelope(TypeSubscriptionConfirmed, map[string]string{
		"subscription_type": payload.SubscriptionType,
		"message":           "Subscribed to " + payload.SubscriptionType,
	})
	m.deliver(conn, response)
	log.Printf("[Hub] Conn %s subscribed to %s", conn.ID, payload.SubscriptionType)
}

func (m *Manager) handleUnsubscribe(conn *Conn, env *Envelope) {
	var payload subscribePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SubscriptionType == "" {
		m.sendError(conn, "Missing subscription_type")
		return
	}

	m.Unsubscribe(conn.ID, payload.SubscriptionType)

	response, _ := NewEnvelope(TypeUnsubscriptionConfirmed, map[string]string{
		"subscription_type": payload.SubscriptionType,
		"message":           "Unsubscribed from " + payload.SubscriptionType,
	})
	m.deliver(conn, response)
}

func (m *Manager) handlePing(conn *Conn, env *Envelope) {
	pong, _ := NewEnvelope(TypePong, map[string]string{
		"server_time":         m.now().UTC().Format(time.RFC3339),
		"original_message_id": env.MessageID,
	})
	m.deliver(conn, pong)
}

func (m *Manager) handleGetAlerts(ctx context.Context, conn *Conn) {
	if m.alerts == nil {
		m.sendError(conn, "Alerts unavailable")
		return
	}

	alerts, err := m.alerts.RecentAlerts(ctx, m.now().Add(-24*time.Hour), 50)
	if err != nil {
		log.Printf("[Hub] Failed to load alerts: %v", err)
		m.sendError(conn, "Failed to get alerts")
		return
	}

	response, _ := NewEnvelope(TypeAlertsList, map[string]interface{}{"alerts": alerts})
	m.deliver(conn, response)
}

func (m *Manager) sendError(conn *Conn, message string) {
	env, _ := NewEnvelope(TypeError, map[string]string{"message": message})
	m.deliver(conn, env)
}

// Stats reports manager counters for the stats endpoint.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make(map[string]int, len(m.subs))
	for key, set := range m.subs {
		subs[key] = len(set)
	}
	queued := 0
	for _, q := range m.queues {
		queued += len(q)
	}

	return map[string]interface{}{
		"total_connections": len(m.conns),
		"total_users":       len(m.userConns),
		"subscriptions":     subs,
		"queued_messages":   queued,
	}
}

// Close disconnects every client.
func (m *Manager) Close() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}
