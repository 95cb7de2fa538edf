package chatserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

type allowAll struct{}

func (allowAll) IsParticipant(ctx context.Context, userID uint64, roomID string) bool {
	return true
}

type allowOnly struct {
	userID uint64
}

func (a allowOnly) IsParticipant(ctx context.Context, userID uint64, roomID string) bool {
	return userID == a.userID
}

type stubHistory struct {
	msgs []Message
}

func (h *stubHistory) Append(ctx context.Context, msg Message) error {
	return nil
}

func (h *stubHistory) LoadRecent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	return h.msgs, nil
}

func testConfig() Config {
	return Config{
		PresenceGrace: 300 * time.Millisecond,
		TypingWindow:  200 * time.Millisecond,
		RoomIdleGrace: time.Hour,
		SweepInterval: time.Hour,
		BackfillLimit: 50,
	}
}

func nextEvent(t *testing.T, sess *Session) map[string]any {
	t.Helper()

	select {
	case frame := <-sess.Out():
		ev := map[string]any{}

		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("couldn't decode frame %q: %v", frame, err)
		}

		return ev

	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")

		return nil
	}
}

func expectEvent(t *testing.T, sess *Session, wantType string) map[string]any {
	t.Helper()

	ev := nextEvent(t, sess)

	if ev["type"] != wantType {
		t.Fatalf("expected %q event, got %v", wantType, ev)
	}

	return ev
}

func expectSilence(t *testing.T, sess *Session, d time.Duration) {
	t.Helper()

	select {
	case frame := <-sess.Out():
		t.Fatalf("expected no event, got %s", frame)

	case <-time.After(d):
	}
}

func TestSubscribeSendsSnapshotAndJoin(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	if err := sv.Subscribe(context.Background(), alice, "E1"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	snapshot := expectEvent(t, alice, EventPresenceSnapshot)

	if snapshot["room_id"] != "E1" {
		t.Fatalf("snapshot for wrong room: %v", snapshot)
	}

	if err := sv.Subscribe(context.Background(), bob, "E1"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	snapshot = expectEvent(t, bob, EventPresenceSnapshot)

	online := snapshot["online_user_ids"].([]any)

	if len(online) != 2 {
		t.Fatalf("expected 2 online users in snapshot, got %v", online)
	}

	join := expectEvent(t, alice, EventJoin)

	if join["user_id"] != float64(2) {
		t.Fatalf("expected join for user 2, got %v", join)
	}
}

func TestSubscribeDenied(t *testing.T) {
	sv := NewServer(allowOnly{userID: 1}, nil, nil, testConfig())
	defer sv.Close()

	mallory := sv.Connect(66)

	err := sv.Subscribe(context.Background(), mallory, "E1")

	if err != ErrDenied {
		t.Fatalf("expected ErrDenied, got %v", err)
	}

	// The connection survives a denial and other operations still work
	// for rooms the user can join.
	alice := sv.Connect(1)

	if err := sv.Subscribe(context.Background(), alice, "E1"); err != nil {
		t.Fatalf("subscribe failed after denial: %v", err)
	}
}

func TestSendRequiresSubscription(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)

	if _, err := sv.Send(alice, "E1", "hello", ""); err != ErrNotSubscribed {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestPerRoomTotalOrder(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E1")

	expectEvent(t, alice, EventPresenceSnapshot)
	expectEvent(t, alice, EventJoin)
	expectEvent(t, bob, EventPresenceSnapshot)

	const total = 25

	for i := 0; i < total; i++ {
		if _, err := sv.Send(alice, "E1", fmt.Sprintf("msg-%d", i), ""); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	for _, sess := range []*Session{alice, bob} {
		for i := 0; i < total; i++ {
			ev := expectEvent(t, sess, EventMessage)

			if seq := ev["sequence"].(float64); seq != float64(i+1) {
				t.Fatalf("session %s observed sequence %v at position %d", sess.ID, seq, i)
			}
		}
	}
}

func TestPublishStampsIdentity(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	mustSubscribe(t, sv, alice, "E1")

	msg, err := sv.Send(alice, "E1", "hi", "t1")

	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if msg.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", msg.Sequence)
	}

	if msg.ServerID != "E1-1" {
		t.Fatalf("expected server id E1-1, got %q", msg.ServerID)
	}

	if msg.ClientTempID != "t1" {
		t.Fatalf("client temp id not carried through: %q", msg.ClientTempID)
	}

	if msg.ServerTimestamp.IsZero() {
		t.Fatal("server timestamp not stamped")
	}
}

func TestPersistHookReceivesEveryMessage(t *testing.T) {
	var mu sync.Mutex
	persisted := []Message{}

	persist := func(msg Message) {
		mu.Lock()
		defer mu.Unlock()
		persisted = append(persisted, msg)
	}

	sv := NewServer(allowAll{}, nil, persist, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	mustSubscribe(t, sv, alice, "E1")

	sv.Send(alice, "E1", "one", "")
	sv.Send(alice, "E1", "two", "")

	deadline := time.Now().Add(time.Second)

	for {
		mu.Lock()
		n := len(persisted)
		mu.Unlock()

		if n == 2 {
			return
		}

		if time.Now().After(deadline) {
			t.Fatalf("expected 2 persisted messages, got %d", n)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestBackfillPrecedesLiveMessages(t *testing.T) {
	history := &stubHistory{msgs: []Message{
		{RoomID: "E1", ServerID: "E1-1", SenderID: 9, Content: "old-1", Sequence: 1},
		{RoomID: "E1", ServerID: "E1-2", SenderID: 9, Content: "old-2", Sequence: 2},
	}}

	sv := NewServer(allowAll{}, history, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	mustSubscribe(t, sv, alice, "E1")

	first := expectEvent(t, alice, EventMessage)

	if first["content"] != "old-1" {
		t.Fatalf("expected backfill first, got %v", first)
	}

	second := expectEvent(t, alice, EventMessage)

	if second["content"] != "old-2" {
		t.Fatalf("expected backfill in order, got %v", second)
	}

	expectEvent(t, alice, EventPresenceSnapshot)
}

func TestPresenceDebounceAbsorbsReconnect(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E1")

	expectEvent(t, alice, EventPresenceSnapshot)
	expectEvent(t, alice, EventJoin)
	expectEvent(t, bob, EventPresenceSnapshot)

	// Alice drops and comes straight back on a fresh session.
	sv.Disconnect(alice)

	alice2 := sv.Connect(1)
	mustSubscribe(t, sv, alice2, "E1")
	expectEvent(t, alice2, EventPresenceSnapshot)

	// Bob must observe neither a leave nor a join for the flap.
	expectSilence(t, bob, 600*time.Millisecond)
}

func TestPresenceOfflineAfterGrace(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E1")

	expectEvent(t, bob, EventPresenceSnapshot)

	sv.Disconnect(alice)

	leave := expectEvent(t, bob, EventLeave)

	if leave["user_id"] != float64(1) {
		t.Fatalf("expected leave for user 1, got %v", leave)
	}

	expectSilence(t, bob, 400*time.Millisecond)
}

func TestSecondSessionKeepsUserOnline(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	alicePhone := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, alicePhone, "E1")
	mustSubscribe(t, sv, bob, "E1")

	expectEvent(t, bob, EventPresenceSnapshot)

	// Only one of Alice's sessions drops; she stays online.
	sv.Disconnect(alicePhone)

	expectSilence(t, bob, 600*time.Millisecond)
}

func TestTypingStartBroadcastOncePerStreak(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E1")

	expectEvent(t, bob, EventPresenceSnapshot)

	// Keystroke storm within one streak.
	for i := 0; i < 5; i++ {
		if err := sv.StartTyping(alice, "E1"); err != nil {
			t.Fatalf("start typing failed: %v", err)
		}
	}

	start := expectEvent(t, bob, EventTypingStart)

	if start["user_id"] != float64(1) {
		t.Fatalf("expected typing start for user 1, got %v", start)
	}

	stop := expectEvent(t, bob, EventTypingStop)

	if stop["user_id"] != float64(1) {
		t.Fatalf("expected typing stop for user 1, got %v", stop)
	}

	// Exactly one stop; the expiry must not fire again.
	expectSilence(t, bob, 500*time.Millisecond)
}

func TestExplicitTypingStop(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E1")

	expectEvent(t, bob, EventPresenceSnapshot)

	sv.StartTyping(alice, "E1")
	expectEvent(t, bob, EventTypingStart)

	sv.StopTyping(alice, "E1")
	expectEvent(t, bob, EventTypingStop)

	// The expiry timer was cancelled, no second stop.
	expectSilence(t, bob, 500*time.Millisecond)
}

func TestSendEndsTypingStreak(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E1")

	expectEvent(t, bob, EventPresenceSnapshot)

	sv.StartTyping(alice, "E1")
	expectEvent(t, bob, EventTypingStart)

	sv.Send(alice, "E1", "done typing", "")

	expectEvent(t, bob, EventMessage)
	expectEvent(t, bob, EventTypingStop)
}

func TestCrossRoomIsolation(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E2")

	expectEvent(t, bob, EventPresenceSnapshot)

	sv.Send(alice, "E1", "room one only", "")

	expectSilence(t, bob, 200*time.Millisecond)

	// Sequences are per room.
	msg, _ := sv.Send(bob, "E2", "first here", "")

	if msg.Sequence != 1 {
		t.Fatalf("expected sequence 1 in a fresh room, got %d", msg.Sequence)
	}
}

func TestOnlineUsers(t *testing.T) {
	sv := NewServer(allowAll{}, nil, nil, testConfig())
	defer sv.Close()

	if got := sv.OnlineUsers("E1"); len(got) != 0 {
		t.Fatalf("expected an unknown room to read as empty, got %v", got)
	}

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	mustSubscribe(t, sv, alice, "E1")
	mustSubscribe(t, sv, bob, "E1")

	if got := sv.OnlineUsers("E1"); len(got) != 2 {
		t.Fatalf("expected 2 online users, got %v", got)
	}

	sv.Disconnect(bob)

	// Inside the grace window the user still reads as online.
	if got := sv.OnlineUsers("E1"); len(got) != 2 {
		t.Fatalf("expected 2 online users inside the grace window, got %v", got)
	}

	expectEvent(t, alice, EventPresenceSnapshot)
	expectEvent(t, alice, EventJoin)
	expectEvent(t, alice, EventLeave)

	if got := sv.OnlineUsers("E1"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected only user 1 online after the grace lapse, got %v", got)
	}
}

func mustSubscribe(t *testing.T, sv *Server, sess *Session, roomID string) {
	t.Helper()

	if err := sv.Subscribe(context.Background(), sess, roomID); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
}
