package ws

import (
	"encoding/json"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/models"
)

type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool

	inWrite    atomic.Int32
	overlapped atomic.Bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.inWrite.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	runtime.Gosched()
	defer c.inWrite.Add(-1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write failed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) events(t *testing.T) []models.ServerEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]models.ServerEvent, 0, len(c.frames))
	for _, frame := range c.frames {
		var event models.ServerEvent
		require.NoError(t, json.Unmarshal(frame, &event))
		events = append(events, event)
	}
	return events
}

func register(hub *Hub, userID int, connID string) *fakeConn {
	conn := &fakeConn{}
	hub.Register(conn, ConnInfo{ConnID: connID, UserID: userID})
	return conn
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub()
	conn := register(hub, 1, "c1")
	hub.JoinRoom(5, conn)

	require.Len(t, hub.userConns, 1)
	require.Len(t, hub.rooms, 1)

	hub.Unregister(conn)
	assert.Empty(t, hub.userConns)
	assert.Empty(t, hub.rooms)
	assert.Empty(t, hub.info)
}

func TestFanOutNewMessageExcludesSenderEverywhere(t *testing.T) {
	hub := NewHub()
	senderPhone := register(hub, 1, "c1")
	senderLaptop := register(hub, 1, "c2")
	receiver := register(hub, 2, "c3")

	// All three connections view the conversation room. Exclusion must be
	// by user id, not connection id: both sender devices stay silent.
	hub.JoinRoom(10, senderPhone)
	hub.JoinRoom(10, senderLaptop)
	hub.JoinRoom(10, receiver)

	msg := models.Message{ID: 7, ConversationID: 10, SenderID: 1, Text: "hi"}
	hub.FanOutNewMessage(10, []int{1, 2}, 1, msg)

	assert.Empty(t, senderPhone.events(t))
	assert.Empty(t, senderLaptop.events(t))

	events := receiver.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventNewMessage, events[0].Type)
	assert.Equal(t, 7, events[0].Message.ID)
}

func TestFanOutWritesOncePerConnection(t *testing.T) {
	hub := NewHub()
	receiver := register(hub, 2, "c1")

	// The connection is both in the conversation room and in the user's
	// private room: delivery must still be a single frame.
	hub.JoinRoom(10, receiver)

	msg := models.Message{ID: 7, ConversationID: 10, SenderID: 1}
	hub.FanOutNewMessage(10, []int{1, 2}, 1, msg)

	assert.Len(t, receiver.events(t), 1)
}

func TestFanOutReachesUserRoomWithoutJoin(t *testing.T) {
	hub := NewHub()
	receiver := register(hub, 2, "c1")

	// User 2 never joined the conversation room; the private user room
	// still delivers.
	msg := models.Message{ID: 7, ConversationID: 10, SenderID: 1}
	hub.FanOutNewMessage(10, []int{1, 2}, 1, msg)

	assert.Len(t, receiver.events(t), 1)
}

func TestFanOutStatusIncludesSender(t *testing.T) {
	hub := NewHub()
	sender := register(hub, 1, "c1")
	receiver := register(hub, 2, "c2")

	msg := models.Message{ID: 7, ConversationID: 10, SenderID: 1, Status: models.StatusRead}
	hub.FanOutStatus(10, []int{1, 2}, msg)

	require.Len(t, sender.events(t), 1)
	require.Len(t, receiver.events(t), 1)
	assert.Equal(t, models.EventMessageStatus, sender.events(t)[0].Type)
}

func TestBroadcastPresenceReachesAllConnections(t *testing.T) {
	hub := NewHub()
	a := register(hub, 1, "c1")
	b := register(hub, 2, "c2")

	hub.BroadcastPresence(models.PresenceUpdate{UserID: 3, Status: models.PresenceOnline})

	for _, conn := range []*fakeConn{a, b} {
		events := conn.events(t)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventPresenceUpdate, events[0].Type)
		assert.Equal(t, 3, events[0].Presence.UserID)
	}
}

func TestWritesToOneConnectionAreSerialized(t *testing.T) {
	hub := NewHub()
	conn := register(hub, 1, "c1")
	hub.JoinRoom(10, conn)

	// Echoes, relay fan-out and the pending sweep all write to the same
	// connection from their own goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.BroadcastPresence(models.PresenceUpdate{UserID: 2, Status: models.PresenceOnline})
				hub.SendToConn(conn, models.ServerEvent{Type: models.EventError, Error: "busy"})
				hub.FanOutStatus(10, []int{1}, models.Message{ID: 1, ConversationID: 10})
			}
		}()
	}
	wg.Wait()

	assert.False(t, conn.overlapped.Load(), "concurrent WriteMessage calls on one connection")
	assert.Len(t, conn.events(t), 8*50*3)
}

func TestWriteFailureDropsConnection(t *testing.T) {
	hub := NewHub()
	broken := &fakeConn{failWrites: true}
	hub.Register(broken, ConnInfo{ConnID: "c1", UserID: 1})

	hub.BroadcastPresence(models.PresenceUpdate{UserID: 2, Status: models.PresenceOffline})

	assert.True(t, broken.closed)
	_, ok := hub.Info(broken)
	assert.False(t, ok)
}
