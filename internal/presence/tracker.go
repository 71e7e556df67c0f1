package presence

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Publisher announces presence transitions on the shared broker.
type Publisher interface {
	PublishPresence(ctx context.Context, update models.PresenceUpdate) error
}

// Config holds the tracker's loop intervals and heartbeat TTL.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	CleanupInterval   time.Duration
}

func (c *Config) norm() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 45 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
}

// Tracker maintains the process-local connection registry and coordinates
// global online/offline state through the shared store.
type Tracker struct {
	mu sync.Mutex
	// userID -> connIDs on this process. The value records whether the
	// connection's increment reached the shared counter; only those
	// connections may decrement it on close.
	local map[int]map[string]bool

	store Store
	pub   Publisher
	conf  Config
}

// NewTracker constructs a Tracker.
func NewTracker(store Store, pub Publisher, conf Config) *Tracker {
	conf.norm()
	return &Tracker{
		local: make(map[int]map[string]bool),
		store: store,
		pub:   pub,
		conf:  conf,
	}
}

// Register records a newly opened connection. When the user's global
// connection count transitions 0->1 an online event is published.
func (t *Tracker) Register(ctx context.Context, userID int, connID string) {
	t.mu.Lock()
	conns, ok := t.local[userID]
	if !ok {
		conns = make(map[string]bool)
		t.local[userID] = conns
	}
	conns[connID] = false
	observability.SetPresenceLocalUsers(len(t.local))
	t.mu.Unlock()

	count, err := t.store.Connect(ctx, userID, t.conf.HeartbeatTTL)
	if err != nil {
		// Degraded mode: presence stays process-local until the store recovers.
		log.Printf("presence connect failed user=%d: %v", userID, err)
		return
	}

	t.mu.Lock()
	conns, ok = t.local[userID]
	_, present := conns[connID]
	if ok && present {
		conns[connID] = true
	}
	t.mu.Unlock()
	if !present {
		// The connection closed while the connect call was in flight and
		// its Deregister skipped the decrement; undo ours.
		if count, err := t.store.Disconnect(ctx, userID); err == nil && count <= 0 {
			t.publish(ctx, models.PresenceUpdate{
				UserID: userID,
				Status: models.PresenceOffline,
				At:     time.Now().UTC(),
			})
		}
		return
	}

	if count == 1 {
		t.publish(ctx, models.PresenceUpdate{
			UserID: userID,
			Status: models.PresenceOnline,
			At:     time.Now().UTC(),
		})
	}
}

// Deregister records a closed connection. When the user's global count
// drops to zero an offline event is published.
func (t *Tracker) Deregister(ctx context.Context, userID int, connID string) {
	t.mu.Lock()
	counted := false
	if conns, ok := t.local[userID]; ok {
		counted = conns[connID]
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.local, userID)
		}
	}
	observability.SetPresenceLocalUsers(len(t.local))
	t.mu.Unlock()

	// A connection whose increment never reached the shared counter must
	// not decrement it: that would force offline a user still connected
	// through another instance.
	if !counted {
		return
	}

	count, err := t.store.Disconnect(ctx, userID)
	if err != nil {
		log.Printf("presence disconnect failed user=%d: %v", userID, err)
		return
	}
	if count <= 0 {
		t.publish(ctx, models.PresenceUpdate{
			UserID: userID,
			Status: models.PresenceOffline,
			At:     time.Now().UTC(),
		})
	}
}

// LocalOnlineUserIDs answers from process-local state only.
func (t *Tracker) LocalOnlineUserIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int, 0, len(t.local))
	for userID := range t.local {
		ids = append(ids, userID)
	}
	sort.Ints(ids)
	return ids
}

// OnlineUserIDs reads the globally-visible online set. On store failure it
// falls back to local visibility.
func (t *Tracker) OnlineUserIDs(ctx context.Context) ([]int, error) {
	ids, err := t.store.OnlineUserIDs(ctx)
	if err != nil {
		log.Printf("presence online query failed, falling back to local: %v", err)
		return t.LocalOnlineUserIDs(), nil
	}
	sort.Ints(ids)
	return ids, nil
}

// Run drives the heartbeat and cleanup loops until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	heartbeat := time.NewTicker(t.conf.HeartbeatInterval)
	cleanup := time.NewTicker(t.conf.CleanupInterval)
	defer heartbeat.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			t.runHeartbeat(ctx)
		case <-cleanup.C:
			t.runCleanup(ctx)
		}
	}
}

// runHeartbeat proves liveness for every user with a locally-open
// connection; the counter itself carries no expiry.
func (t *Tracker) runHeartbeat(ctx context.Context) {
	users := t.LocalOnlineUserIDs()
	if len(users) == 0 {
		return
	}
	if err := t.store.Heartbeat(ctx, users, t.conf.HeartbeatTTL); err != nil {
		log.Printf("presence heartbeat failed: %v", err)
	}
}

// runCleanup forces offline any user whose heartbeat expired, which means
// the instance holding their connections crashed without deregistering.
func (t *Tracker) runCleanup(ctx context.Context) {
	stale, err := t.store.Reap(ctx)
	if err != nil {
		log.Printf("presence cleanup failed: %v", err)
	}
	for _, userID := range stale {
		log.Printf("presence cleanup: forcing user=%d offline (stale heartbeat)", userID)
		t.publish(ctx, models.PresenceUpdate{
			UserID: userID,
			Status: models.PresenceOffline,
			At:     time.Now().UTC(),
			Stale:  true,
		})
	}
}

func (t *Tracker) publish(ctx context.Context, update models.PresenceUpdate) {
	if t.pub == nil {
		return
	}
	if err := t.pub.PublishPresence(ctx, update); err != nil {
		log.Printf("presence publish failed user=%d status=%s: %v", update.UserID, update.Status, err)
	}
}
