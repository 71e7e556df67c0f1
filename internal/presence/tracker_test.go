package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/models"
)

// fakeStore keeps the refcount logic in memory so tracker behavior can be
// exercised without Redis.
type fakeStore struct {
	mu     sync.Mutex
	counts map[int]int64
	stale  []int

	failConnect   bool
	failOnline    bool
	disconnects   int
	heartbeats    [][]int
	heartbeatTTLs []time.Duration
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[int]int64)}
}

func (s *fakeStore) Connect(_ context.Context, userID int, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConnect {
		return 0, errors.New("store unavailable")
	}
	s.counts[userID]++
	return s.counts[userID], nil
}

func (s *fakeStore) Disconnect(_ context.Context, userID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.counts[userID]--
	count := s.counts[userID]
	if count <= 0 {
		delete(s.counts, userID)
	}
	return count, nil
}

func (s *fakeStore) count(userID int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[userID]
}

func (s *fakeStore) Heartbeat(_ context.Context, userIDs []int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats = append(s.heartbeats, userIDs)
	s.heartbeatTTLs = append(s.heartbeatTTLs, ttl)
	return nil
}

func (s *fakeStore) OnlineUserIDs(_ context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOnline {
		return nil, errors.New("store unavailable")
	}
	ids := make([]int, 0, len(s.counts))
	for userID := range s.counts {
		ids = append(ids, userID)
	}
	return ids, nil
}

func (s *fakeStore) Reap(_ context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := s.stale
	s.stale = nil
	return stale, nil
}

type publisherRecorder struct {
	mu      sync.Mutex
	updates []models.PresenceUpdate
}

func (p *publisherRecorder) PublishPresence(_ context.Context, update models.PresenceUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *publisherRecorder) all() []models.PresenceUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PresenceUpdate(nil), p.updates...)
}

func TestRegisterPublishesOnlineOnceGlobally(t *testing.T) {
	store := newFakeStore()
	pub := &publisherRecorder{}
	tracker := NewTracker(store, pub, Config{})
	ctx := context.Background()

	tracker.Register(ctx, 1, "c1")
	tracker.Register(ctx, 1, "c2")

	updates := pub.all()
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0].UserID)
	assert.Equal(t, models.PresenceOnline, updates[0].Status)
	assert.False(t, updates[0].Stale)
}

func TestDeregisterPublishesOfflineOnLastConnection(t *testing.T) {
	store := newFakeStore()
	pub := &publisherRecorder{}
	tracker := NewTracker(store, pub, Config{})
	ctx := context.Background()

	tracker.Register(ctx, 1, "c1")
	tracker.Register(ctx, 1, "c2")
	tracker.Deregister(ctx, 1, "c1")

	require.Len(t, pub.all(), 1) // still only the online event

	tracker.Deregister(ctx, 1, "c2")

	updates := pub.all()
	require.Len(t, updates, 2)
	assert.Equal(t, models.PresenceOffline, updates[1].Status)
	assert.Empty(t, tracker.LocalOnlineUserIDs())
}

func TestLocalOnlineUserIDsSorted(t *testing.T) {
	tracker := NewTracker(newFakeStore(), &publisherRecorder{}, Config{})
	ctx := context.Background()

	tracker.Register(ctx, 9, "c1")
	tracker.Register(ctx, 2, "c2")
	tracker.Register(ctx, 5, "c3")

	assert.Equal(t, []int{2, 5, 9}, tracker.LocalOnlineUserIDs())
}

func TestOnlineUserIDsFallsBackToLocal(t *testing.T) {
	store := newFakeStore()
	tracker := NewTracker(store, &publisherRecorder{}, Config{})
	ctx := context.Background()

	tracker.Register(ctx, 3, "c1")
	store.failOnline = true

	ids, err := tracker.OnlineUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, ids)
}

func TestRegisterDegradedModeStaysLocal(t *testing.T) {
	store := newFakeStore()
	store.failConnect = true
	pub := &publisherRecorder{}
	tracker := NewTracker(store, pub, Config{})

	tracker.Register(context.Background(), 1, "c1")

	// No global event, but the user stays locally visible.
	assert.Empty(t, pub.all())
	assert.Equal(t, []int{1}, tracker.LocalOnlineUserIDs())
}

func TestDeregisterSkipsCounterWhenConnectNeverReachedStore(t *testing.T) {
	store := newFakeStore()
	pubA := &publisherRecorder{}
	pubB := &publisherRecorder{}
	instanceA := NewTracker(store, pubA, Config{})
	instanceB := NewTracker(store, pubB, Config{})
	ctx := context.Background()

	// User 1 is online through instance B; instance A's connect hits a
	// broker blip and never increments the shared counter.
	instanceB.Register(ctx, 1, "b1")
	store.failConnect = true
	instanceA.Register(ctx, 1, "a1")
	store.failConnect = false

	instanceA.Deregister(ctx, 1, "a1")

	// The uncounted connection must not decrement: user 1 stays online.
	assert.Equal(t, int64(1), store.count(1))
	assert.Zero(t, store.disconnects)
	assert.Empty(t, pubA.all())
	assert.Equal(t, []int{1}, instanceB.LocalOnlineUserIDs())

	online, err := instanceA.OnlineUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, online)
}

func TestHeartbeatRefreshesLocalUsers(t *testing.T) {
	store := newFakeStore()
	tracker := NewTracker(store, &publisherRecorder{}, Config{HeartbeatTTL: 45 * time.Second})
	ctx := context.Background()

	tracker.Register(ctx, 1, "c1")
	tracker.Register(ctx, 2, "c2")

	tracker.runHeartbeat(ctx)

	require.Len(t, store.heartbeats, 1)
	assert.Equal(t, []int{1, 2}, store.heartbeats[0])
	assert.Equal(t, 45*time.Second, store.heartbeatTTLs[0])
}

func TestHeartbeatSkipsWhenIdle(t *testing.T) {
	store := newFakeStore()
	tracker := NewTracker(store, &publisherRecorder{}, Config{})

	tracker.runHeartbeat(context.Background())

	assert.Empty(t, store.heartbeats)
}

func TestCleanupPublishesStaleOffline(t *testing.T) {
	store := newFakeStore()
	store.stale = []int{4, 8}
	pub := &publisherRecorder{}
	tracker := NewTracker(store, pub, Config{})

	tracker.runCleanup(context.Background())

	updates := pub.all()
	require.Len(t, updates, 2)
	for _, update := range updates {
		assert.Equal(t, models.PresenceOffline, update.Status)
		assert.True(t, update.Stale)
	}
}

func TestCleanupReportsEachStaleUserOnce(t *testing.T) {
	store := newFakeStore()
	store.stale = []int{4}
	pubA := &publisherRecorder{}
	pubB := &publisherRecorder{}
	instanceA := NewTracker(store, pubA, Config{})
	instanceB := NewTracker(store, pubB, Config{})
	ctx := context.Background()

	// Both instances run their cleanup loop against the shared store; the
	// store reports each removal at most once, so one transition yields one
	// offline event.
	instanceA.runCleanup(ctx)
	instanceB.runCleanup(ctx)

	require.Len(t, pubA.all(), 1)
	assert.True(t, pubA.all()[0].Stale)
	assert.Empty(t, pubB.all())
}

func TestConfigDefaults(t *testing.T) {
	conf := Config{}
	conf.norm()

	assert.Equal(t, 15*time.Second, conf.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, conf.HeartbeatTTL)
	assert.Equal(t, 60*time.Second, conf.CleanupInterval)
}
