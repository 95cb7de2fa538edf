package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	chatserver "github.com/macwilko/eventchat/chat_server"
)

func confirmed(tempID string, seq uint64) chatserver.Message {
	return chatserver.Message{
		RoomID:          "E1",
		ServerID:        fmt.Sprintf("E1-%d", seq),
		ClientTempID:    tempID,
		SenderID:        1,
		Content:         "hello",
		ServerTimestamp: time.Now().UTC(),
		Sequence:        seq,
	}
}

func TestSendEchoesPendingImmediately(t *testing.T) {
	v := NewView("E1", nil, time.Second)

	tempID, err := v.Send(1, "hello")

	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	entries := v.Entries()

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	if entries[0].State != Pending {
		t.Fatalf("expected pending echo, got %s", entries[0].State)
	}

	if entries[0].ClientTempID != tempID {
		t.Fatal("echo not keyed by the returned temp id")
	}

	if entries[0].Message.Content != "hello" {
		t.Fatalf("echo lost its content: %q", entries[0].Message.Content)
	}
}

func TestConfirmationReplacesInPlace(t *testing.T) {
	v := NewView("E1", nil, time.Second)

	tempID, _ := v.Send(1, "hello")

	// Another participant's message lands after the echo.
	v.Apply(chatserver.Message{
		RoomID: "E1", ServerID: "E1-2", SenderID: 2, Content: "hi back", Sequence: 2,
	})

	v.Apply(confirmed(tempID, 1))

	entries := v.Entries()

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	// The confirmation lands in the echo's original position, it does not
	// append a second copy.
	if entries[0].ClientTempID != tempID || entries[0].State != Confirmed {
		t.Fatalf("echo not confirmed in place: %+v", entries[0])
	}

	if entries[0].Message.Sequence != 1 || entries[0].Message.ServerID == "" {
		t.Fatalf("confirmed entry missing server identity: %+v", entries[0].Message)
	}
}

func TestApplyIsIdempotentPerServerID(t *testing.T) {
	v := NewView("E1", nil, time.Second)

	msg := chatserver.Message{
		RoomID: "E1", ServerID: "E1-7", SenderID: 2, Content: "once", Sequence: 7,
	}

	v.Apply(msg)
	v.Apply(msg)
	v.Apply(msg)

	if n := len(v.Entries()); n != 1 {
		t.Fatalf("expected 1 entry after duplicate applies, got %d", n)
	}
}

func TestOwnEchoBackfilledTwiceStaysSingle(t *testing.T) {
	v := NewView("E1", nil, time.Second)

	tempID, _ := v.Send(1, "hello")

	msg := confirmed(tempID, 1)

	// Live confirmation followed by the same message in a reconnect
	// backfill.
	v.Apply(msg)
	v.Apply(msg)

	entries := v.Entries()

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	if entries[0].State != Confirmed {
		t.Fatalf("expected confirmed, got %s", entries[0].State)
	}
}

func TestTimeoutMarksFailed(t *testing.T) {
	v := NewView("E1", nil, 50*time.Millisecond)

	v.Send(1, "lost")

	waitForState(t, v, 0, Failed)

	// The failed echo stays visible.
	if n := len(v.Entries()); n != 1 {
		t.Fatalf("failed entry disappeared, %d entries", n)
	}
}

func TestTransportErrorFailsImmediately(t *testing.T) {
	boom := errors.New("socket gone")

	v := NewView("E1", func(roomID, content, tempID string) error {
		return boom
	}, time.Minute)

	_, err := v.Send(1, "hello")

	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}

	entries := v.Entries()

	if entries[0].State != Failed {
		t.Fatalf("expected immediate failure, got %s", entries[0].State)
	}
}

func TestResendOnlyAfterFailure(t *testing.T) {
	sent := []string{}

	v := NewView("E1", func(roomID, content, tempID string) error {
		sent = append(sent, tempID)

		return nil
	}, 50*time.Millisecond)

	tempID, _ := v.Send(1, "flaky")

	if err := v.Resend(tempID); err != ErrNotFailed {
		t.Fatalf("expected ErrNotFailed while pending, got %v", err)
	}

	waitForState(t, v, 0, Failed)

	if err := v.Resend(tempID); err != nil {
		t.Fatalf("resend failed: %v", err)
	}

	if len(sent) != 2 || sent[0] != tempID || sent[1] != tempID {
		t.Fatalf("resend must reuse the original temp id, got %v", sent)
	}

	if v.Entries()[0].State != Pending {
		t.Fatalf("expected pending after resend, got %s", v.Entries()[0].State)
	}

	if err := v.Resend("no-such-id"); err != ErrUnknownMessage {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestLateConfirmationAfterFailure(t *testing.T) {
	v := NewView("E1", nil, 50*time.Millisecond)

	tempID, _ := v.Send(1, "slow server")

	waitForState(t, v, 0, Failed)

	// The server did get it, the confirmation was just late. It must still
	// reconcile in place so the user never sees the message doubled.
	v.Apply(confirmed(tempID, 1))

	entries := v.Entries()

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	if entries[0].State != Confirmed {
		t.Fatalf("expected late confirmation, got %s", entries[0].State)
	}
}

func TestEndToEndOptimisticRoundTrip(t *testing.T) {
	sv := chatserver.NewServer(nil, nil, nil, chatserver.Config{
		PresenceGrace: 100 * time.Millisecond,
		TypingWindow:  100 * time.Millisecond,
	})
	defer sv.Close()

	alice := sv.Connect(1)
	bob := sv.Connect(2)

	ctx := context.Background()

	if err := sv.Subscribe(ctx, alice, "E1"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := sv.Subscribe(ctx, bob, "E1"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	aliceView := NewView("E1", func(roomID, content, tempID string) error {
		_, err := sv.Send(alice, roomID, content, tempID)

		return err
	}, time.Second)

	bobView := NewView("E1", nil, time.Second)

	tempID, err := aliceView.Send(1, "hey everyone")

	if err != nil {
		t.Fatalf("optimistic send failed: %v", err)
	}

	applyFrom(t, alice, aliceView)
	applyFrom(t, bob, bobView)

	aliceEntries := aliceView.Entries()

	if len(aliceEntries) != 1 || aliceEntries[0].State != Confirmed {
		t.Fatalf("sender view not reconciled: %+v", aliceEntries)
	}

	if aliceEntries[0].ClientTempID != tempID {
		t.Fatal("sender view lost the temp id mapping")
	}

	bobEntries := bobView.Entries()

	if len(bobEntries) != 1 || bobEntries[0].State != Confirmed {
		t.Fatalf("receiver view wrong: %+v", bobEntries)
	}

	if bobEntries[0].Message.ServerID != aliceEntries[0].Message.ServerID {
		t.Fatal("sender and receiver disagree on the server id")
	}
}

// applyFrom drains the session outbox until it applies one message event.
func applyFrom(t *testing.T, sess *chatserver.Session, v *View) {
	t.Helper()

	for {
		select {
		case frame := <-sess.Out():
			var ev chatserver.MessageEvent

			if err := json.Unmarshal(frame, &ev); err != nil || ev.Type != chatserver.EventMessage {
				continue
			}

			v.Apply(ev.Message)

			return

		case <-time.After(2 * time.Second):
			t.Fatal("no message event arrived")
		}
	}
}

func waitForState(t *testing.T, v *View, idx int, want State) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		entries := v.Entries()

		if len(entries) > idx && entries[idx].State == want {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("entry %d never reached %s", idx, want)
}
