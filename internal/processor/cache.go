package processor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/QuocHuannn/fleet-tracker/internal/model"
)

// sweepInterval is how often the janitor scans for silent vehicles.
const sweepInterval = 10 * time.Minute

// vehicleState is the per-vehicle processing state. The entry mutex
// serializes the whole read-modify-write pipeline for one vehicle so two
// concurrent samples never compute deltas against a half-updated entry.
type vehicleState struct {
	mu sync.Mutex

	lastSample *model.TelemetrySample
	wasMoving  bool
	geofences  map[uint]string // geofence id -> name at the last sample
	tripID     string
	lastSeen   time.Time
}

// vehicleCache holds the latest sample per vehicle. Entries for vehicles
// that stay silent longer than ttl are evicted by the janitor.
type vehicleCache struct {
	mu      sync.Mutex
	entries map[string]*vehicleState
	ttl     time.Duration
}

func newVehicleCache(ttl time.Duration) *vehicleCache {
	return &vehicleCache{
		entries: make(map[string]*vehicleState),
		ttl:     ttl,
	}
}

// acquire returns the locked state entry for a vehicle, creating it on first
// use. The caller must release the entry mutex when done.
func (c *vehicleCache) acquire(vehicleID string) *vehicleState {
	c.mu.Lock()
	state, ok := c.entries[vehicleID]
	if !ok {
		state = &vehicleState{}
		c.entries[vehicleID] = state
	}
	c.mu.Unlock()

	state.mu.Lock()
	return state
}

func (c *vehicleCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictStale drops entries not touched since now-ttl. Entries with an
// in-flight sample are skipped and picked up on the next sweep.
func (c *vehicleCache) evictStale(now time.Time) int {
	cutoff := now.Add(-c.ttl)
	evicted := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, state := range c.entries {
		if !state.mu.TryLock() {
			continue
		}
		if state.lastSeen.Before(cutoff) {
			delete(c.entries, id)
			evicted++
		}
		state.mu.Unlock()
	}
	return evicted
}

// startJanitor runs the eviction sweep until ctx is cancelled.
func (c *vehicleCache) startJanitor(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := c.evictStale(now); n > 0 {
				log.Printf("[Processor] Evicted %d silent vehicles from cache", n)
			}
		}
	}
}
