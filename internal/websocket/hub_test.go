package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"emoji-chat/internal/testutil"
)

func newTestClient(hub *Hub, userID string) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, 256),
		userID: userID,
	}
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return hub, cancel
}

// receive waits for the next frame on ch
func receive(ch <-chan []byte, timeout time.Duration) ([]byte, bool) {
	select {
	case msg, ok := <-ch:
		return msg, ok
	case <-time.After(timeout):
		return nil, false
	}
}

// settle gives the hub loop time to drain its queues
func settle() {
	time.Sleep(50 * time.Millisecond)
}

func TestHub_NewHub(t *testing.T) {
	hub := NewHub()

	testutil.AssertNotNil(t, hub)
	testutil.AssertNotNil(t, hub.clients)
	testutil.AssertNotNil(t, hub.rooms)
	testutil.AssertNotNil(t, hub.broadcast)
	testutil.AssertNotNil(t, hub.direct)
	testutil.AssertNotNil(t, hub.register)
	testutil.AssertNotNil(t, hub.unregister)
	testutil.AssertNotNil(t, hub.done)
}

func TestHub_ContextCancellation(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)
	go func() {
		errChan <- hub.Run(ctx)
	}()

	cancel()

	select {
	case err := <-errChan:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop within timeout")
	}

	// Calls after shutdown must not block
	done := make(chan struct{})
	go func() {
		hub.Broadcast("room", []byte("late"))
		hub.Unregister(newTestClient(hub, "u1"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub calls blocked after shutdown")
	}
}

func TestHub_GracefulShutdown(t *testing.T) {
	hub, cancel := runHub(t)

	client := newTestClient(hub, "u1")
	hub.Register(client)
	cancel()

	if _, ok := receive(client.send, time.Second); ok {
		t.Error("Expected send channel to be closed after shutdown")
	}
}

func TestHub_RegisterAfterShutdown(t *testing.T) {
	hub, cancel := runHub(t)
	cancel()
	<-hub.done

	client := newTestClient(hub, "u1")
	hub.Register(client)

	if _, ok := receive(client.send, time.Second); ok {
		t.Error("Expected send channel to be closed")
	}
}

func TestHub_BroadcastFollowsRooms(t *testing.T) {
	hub, _ := runHub(t)

	alice := newTestClient(hub, "alice")
	bob := newTestClient(hub, "bob")
	hub.Register(alice)
	hub.Register(bob)
	hub.SetRooms(alice, []string{"r1", "r2"}, nil)
	hub.SetRooms(bob, []string{"r2"}, nil)
	settle()

	hub.Broadcast("r1", []byte("to r1"))
	hub.Broadcast("r2", []byte("to r2"))

	msg, ok := receive(alice.send, time.Second)
	testutil.AssertTrue(t, ok, "alice should receive r1 frame")
	testutil.AssertEqual(t, string(msg), "to r1")
	msg, ok = receive(alice.send, time.Second)
	testutil.AssertTrue(t, ok, "alice should receive r2 frame")
	testutil.AssertEqual(t, string(msg), "to r2")

	msg, ok = receive(bob.send, time.Second)
	testutil.AssertTrue(t, ok, "bob should receive r2 frame")
	testutil.AssertEqual(t, string(msg), "to r2")
	_, ok = receive(bob.send, 50*time.Millisecond)
	testutil.AssertFalse(t, ok, "bob is not in r1")
}

func TestHub_SetRoomsReplacesMembership(t *testing.T) {
	hub, _ := runHub(t)

	client := newTestClient(hub, "u1")
	hub.Register(client)
	hub.SetRooms(client, []string{"r1"}, nil)
	settle()
	hub.SetRooms(client, []string{"r2"}, nil)
	settle()

	hub.Broadcast("r1", []byte("old room"))
	hub.Broadcast("r2", []byte("new room"))

	msg, ok := receive(client.send, time.Second)
	testutil.AssertTrue(t, ok, "expected a frame")
	testutil.AssertEqual(t, string(msg), "new room")
	_, ok = receive(client.send, 50*time.Millisecond)
	testutil.AssertFalse(t, ok, "left room should not deliver")
}

func TestHub_UnregisterClient(t *testing.T) {
	hub, _ := runHub(t)

	client := newTestClient(hub, "u1")
	hub.Register(client)
	hub.SetRooms(client, []string{"r1"}, nil)
	settle()

	hub.Unregister(client)
	hub.Unregister(client)

	if _, ok := receive(client.send, time.Second); ok {
		t.Error("Expected send channel to be closed")
	}

	hub.Broadcast("r1", []byte("after unregister"))
	hub.Send(client, []byte("direct after unregister"))
	settle()
}

func TestHub_SendIsDirect(t *testing.T) {
	hub, _ := runHub(t)

	alice := newTestClient(hub, "alice")
	bob := newTestClient(hub, "bob")
	hub.Register(alice)
	hub.Register(bob)

	hub.Send(alice, []byte("just alice"))

	msg, ok := receive(alice.send, time.Second)
	testutil.AssertTrue(t, ok, "alice should receive")
	testutil.AssertEqual(t, string(msg), "just alice")
	_, ok = receive(bob.send, 50*time.Millisecond)
	testutil.AssertFalse(t, ok, "bob should not receive")
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	hub, _ := runHub(t)

	slow := &Client{hub: hub, send: make(chan []byte, 1), userID: "slow"}
	hub.Register(slow)
	hub.SetRooms(slow, []string{"r1"}, nil)
	settle()

	hub.Broadcast("r1", []byte("1"))
	hub.Broadcast("r1", []byte("2"))
	settle()

	msg, ok := receive(slow.send, time.Second)
	testutil.AssertTrue(t, ok, "first frame should be buffered")
	testutil.AssertEqual(t, string(msg), "1")
	_, ok = receive(slow.send, time.Second)
	testutil.AssertFalse(t, ok, "slow client should be closed")
}

func TestHub_SetRoomsDeliversFrame(t *testing.T) {
	hub, _ := runHub(t)

	client := newTestClient(hub, "u1")
	hub.Register(client)
	hub.SetRooms(client, []string{"r1"}, []byte("rooms frame"))
	settle()
	hub.Broadcast("r1", []byte("after join"))

	msg, ok := receive(client.send, time.Second)
	testutil.AssertTrue(t, ok, "expected rooms frame")
	testutil.AssertEqual(t, string(msg), "rooms frame")
	msg, ok = receive(client.send, time.Second)
	testutil.AssertTrue(t, ok, "expected broadcast")
	testutil.AssertEqual(t, string(msg), "after join")
}

func TestHub_PublishMessageCreated(t *testing.T) {
	hub, _ := runHub(t)

	client := newTestClient(hub, "u2")
	hub.Register(client)
	hub.SetRooms(client, []string{"r1"}, nil)
	settle()

	msg := testutil.NewTestMessage(testutil.WithMessageRoomID("r1"), testutil.WithContent("🍕"))
	testutil.AssertNoError(t, hub.PublishMessageCreated(context.Background(), msg))

	data, ok := receive(client.send, time.Second)
	testutil.AssertTrue(t, ok, "expected message frame")

	var frame MessageFrame
	testutil.AssertNoError(t, json.Unmarshal(data, &frame))
	testutil.AssertEqual(t, frame.Type, FrameMessageCreated)
	testutil.AssertEqual(t, frame.Message.ID, msg.ID)
	testutil.AssertEqual(t, frame.Message.Content, "🍕")
}
