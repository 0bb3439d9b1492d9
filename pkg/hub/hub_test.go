package hub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bjpl/backendsim/pkg/model"
)

func testConfig() Config {
	return Config{
		OpenDelay:         time.Millisecond,
		JitterMin:         0,
		JitterMax:         2 * time.Millisecond,
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  3 * time.Minute,
		QueueSize:         32,
	}
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(testConfig(), nil)
}

// waitFor polls cond until it holds or the deadline passes. Deliveries
// are jittered, so assertions about arrival must poll.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// awaitNotification drains the channel until a notification of the given
// type arrives.
func awaitNotification(t *testing.T, ch <-chan model.Notification, msgType string) model.Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %q", msgType)
			}
			if n.Type == msgType {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification %q", msgType)
		}
	}
}

func TestCreateClientLifecycle(t *testing.T) {
	h := newTestHub(t)

	c, err := h.CreateClient("alice", map[string]string{"device": "test"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	if got := h.ClientState("alice"); got != StateConnecting {
		t.Fatalf("ClientState: want connecting got %s", got)
	}

	n := awaitNotification(t, c.Notifications(), "open")
	if n.Timestamp.IsZero() {
		t.Fatalf("open notification missing timestamp")
	}
	waitFor(t, "client open", func() bool { return h.ClientState("alice") == StateOpen })

	if _, err := h.CreateClient("alice", nil); !errors.Is(err, ErrClientExists) {
		t.Fatalf("duplicate CreateClient: want ErrClientExists got %v", err)
	}
	if got := h.ClientCount(); got != 1 {
		t.Fatalf("ClientCount: want 1 got %d", got)
	}
}

func TestRemoveClientClosesStream(t *testing.T) {
	h := newTestHub(t)

	c, err := h.CreateClient("alice", nil)
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	awaitNotification(t, c.Notifications(), "open")

	if !h.RemoveClient("alice") {
		t.Fatalf("RemoveClient: want true")
	}
	if got := h.ClientState("alice"); got != StateClosed {
		t.Fatalf("ClientState after remove: want closed got %s", got)
	}

	awaitNotification(t, c.Notifications(), "close")
	// After "close" the channel must eventually report closed.
	waitFor(t, "channel close", func() bool {
		select {
		case _, ok := <-c.Notifications():
			return !ok
		default:
			return false
		}
	})

	if h.RemoveClient("alice") {
		t.Fatalf("RemoveClient twice: want false")
	}
}

func TestJoinRoomNotifiesExistingMembers(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	b, _ := h.CreateClient("bob", nil)
	awaitNotification(t, a.Notifications(), "open")
	awaitNotification(t, b.Notifications(), "open")

	if !h.JoinRoom("alice", "lobby") {
		t.Fatalf("JoinRoom alice: want true")
	}
	if !h.RoomExists("lobby") {
		t.Fatalf("RoomExists: lobby should be created lazily")
	}

	if !h.JoinRoom("bob", "lobby") {
		t.Fatalf("JoinRoom bob: want true")
	}

	n := awaitNotification(t, a.Notifications(), "user-joined")
	if n.Room != "lobby" || n.From != "bob" {
		t.Fatalf("user-joined: want room=lobby from=bob got room=%s from=%s", n.Room, n.From)
	}

	// The joiner itself must not hear its own join.
	select {
	case n := <-b.Notifications():
		if n.Type == "user-joined" && n.From == "bob" {
			t.Fatalf("joiner received its own user-joined")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveRoomDeletesEmptyRoom(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	awaitNotification(t, a.Notifications(), "open")

	h.JoinRoom("alice", "lobby")
	if !h.LeaveRoom("alice", "lobby") {
		t.Fatalf("LeaveRoom: want true")
	}
	if h.RoomExists("lobby") {
		t.Fatalf("empty room should be deleted immediately")
	}
	if h.LeaveRoom("alice", "lobby") {
		t.Fatalf("LeaveRoom non-member: want false")
	}
}

func TestRoomBroadcastReachesMembersNotSender(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	b, _ := h.CreateClient("bob", nil)
	c, _ := h.CreateClient("carol", nil)
	for _, cl := range []*Client{a, b, c} {
		awaitNotification(t, cl.Notifications(), "open")
	}
	waitFor(t, "all open", func() bool {
		return h.ClientState("alice") == StateOpen &&
			h.ClientState("bob") == StateOpen &&
			h.ClientState("carol") == StateOpen
	})

	h.JoinRoom("alice", "lobby")
	h.JoinRoom("bob", "lobby")

	msg, _ := json.Marshal(map[string]any{
		"type":    "broadcast",
		"payload": map[string]any{"room": "lobby", "data": map[string]string{"text": "hi"}},
	})
	if err := h.SendMessage("alice", msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	n := awaitNotification(t, b.Notifications(), "message")
	if n.Room != "lobby" || n.From != "alice" {
		t.Fatalf("message: want room=lobby from=alice got room=%s from=%s", n.Room, n.From)
	}

	// Neither the sender nor the non-member may receive it.
	for _, tc := range []struct {
		name string
		ch   <-chan model.Notification
	}{{"sender", a.Notifications()}, {"non-member", c.Notifications()}} {
		select {
		case n := <-tc.ch:
			if n.Type == "message" {
				t.Fatalf("%s received room broadcast", tc.name)
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestDirectMessage(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	b, _ := h.CreateClient("bob", nil)
	awaitNotification(t, a.Notifications(), "open")
	awaitNotification(t, b.Notifications(), "open")

	msg, _ := json.Marshal(map[string]any{
		"type":    "direct-message",
		"payload": map[string]any{"to": "bob", "data": map[string]string{"text": "psst"}},
	})
	if err := h.SendMessage("alice", msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	n := awaitNotification(t, b.Notifications(), "message")
	if n.From != "alice" {
		t.Fatalf("direct message: want from=alice got %s", n.From)
	}

	conf := awaitNotification(t, a.Notifications(), "delivered")
	var body map[string]any
	if err := json.Unmarshal(conf.Payload, &body); err != nil {
		t.Fatalf("delivered payload: %v", err)
	}
	if body["to"] != "bob" {
		t.Fatalf("delivered confirmation: want to=bob got %v", body["to"])
	}
}

func TestSendMessageMalformed(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	awaitNotification(t, a.Notifications(), "open")

	if err := h.SendMessage("alice", []byte("{not json")); err != nil {
		t.Fatalf("malformed message must not fail the hub: %v", err)
	}
	awaitNotification(t, a.Notifications(), "error")

	msg, _ := json.Marshal(map[string]any{"type": "no-such-type"})
	if err := h.SendMessage("alice", msg); err != nil {
		t.Fatalf("unknown type must not fail the hub: %v", err)
	}
	awaitNotification(t, a.Notifications(), "error")

	if err := h.SendMessage("ghost", []byte(`{"type":"ping"}`)); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("unknown sender: want ErrUnknownClient got %v", err)
	}
}

func TestPingPong(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	awaitNotification(t, a.Notifications(), "open")

	if err := h.SendMessage("alice", []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	awaitNotification(t, a.Notifications(), "pong")
}

func TestContentUpdateBroadcastsToAll(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	b, _ := h.CreateClient("bob", nil)
	awaitNotification(t, a.Notifications(), "open")
	awaitNotification(t, b.Notifications(), "open")

	msg, _ := json.Marshal(map[string]any{
		"type":    "content-update",
		"payload": map[string]string{"page": "home"},
	})
	if err := h.SendMessage("alice", msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	awaitNotification(t, b.Notifications(), "content-updated")
	select {
	case n := <-a.Notifications():
		if n.Type == "content-updated" {
			t.Fatalf("originator received its own content update")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHeartbeatEvictsIdleClients(t *testing.T) {
	current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := New(testConfig(), nil, WithClock(func() time.Time { return current }))

	a, _ := h.CreateClient("alice", nil)
	b, _ := h.CreateClient("bob", nil)
	awaitNotification(t, a.Notifications(), "open")
	awaitNotification(t, b.Notifications(), "open")

	// Bob stays active, alice goes quiet past the timeout.
	current = current.Add(2 * time.Minute)
	h.touch("bob")
	current = current.Add(2 * time.Minute)

	h.heartbeat()

	if h.ClientState("alice") != StateClosed {
		t.Fatalf("idle client should be evicted")
	}
	if h.ClientState("bob") != StateOpen {
		t.Fatalf("active client must survive the sweep")
	}
	awaitNotification(t, b.Notifications(), "ping")
}

func TestRemoveClientNotifiesRooms(t *testing.T) {
	h := newTestHub(t)

	a, _ := h.CreateClient("alice", nil)
	b, _ := h.CreateClient("bob", nil)
	awaitNotification(t, a.Notifications(), "open")
	awaitNotification(t, b.Notifications(), "open")

	h.JoinRoom("alice", "lobby")
	h.JoinRoom("bob", "lobby")
	awaitNotification(t, a.Notifications(), "user-joined")

	h.RemoveClient("bob")

	n := awaitNotification(t, a.Notifications(), "user-left")
	if n.From != "bob" || n.Room != "lobby" {
		t.Fatalf("user-left: want from=bob room=lobby got from=%s room=%s", n.From, n.Room)
	}
	if members := h.RoomMembers("lobby"); len(members) != 1 || members[0] != "alice" {
		t.Fatalf("RoomMembers: want [alice] got %v", members)
	}
}
