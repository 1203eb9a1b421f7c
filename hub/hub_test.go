package hub

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"boardsync/domain"
)

func newTestSession(id string, user domain.UserRef, buffer int) *session {
	return &session{id: id, user: user, send: make(chan []byte, buffer)}
}

func drain(t *testing.T, s *session) Envelope {
	t.Helper()
	select {
	case frame := <-s.send:
		var env Envelope
		if err := sonic.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return Envelope{}
	}
}

func presenceMessage(t *testing.T, env Envelope) string {
	t.Helper()
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %T, want object", env.Payload)
	}
	msg, _ := payload["message"].(string)
	return msg
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestJoinAnnouncesPresenceAndRoster(t *testing.T) {
	h := New(quietLogger())
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy", Name: "Amy"}, 8)
	bob := newTestSession("c2", domain.UserRef{ID: "u-bob", Name: "Bob"}, 8)

	h.join("board-1", amy)
	// Amy sees her own join and the initial roster.
	env := drain(t, amy)
	if env.Event != domain.EventUserJoined {
		t.Fatalf("event = %s, want user_joined", env.Event)
	}
	if msg := presenceMessage(t, env); msg != "Amy joined the board" {
		t.Fatalf("message = %q, want \"Amy joined the board\"", msg)
	}
	if env := drain(t, amy); env.Event != domain.EventOnlineUsers {
		t.Fatalf("event = %s, want online_users", env.Event)
	}

	h.join("board-1", bob)
	env = drain(t, amy)
	if env.Event != domain.EventUserJoined {
		t.Fatalf("event = %s, want user_joined", env.Event)
	}
	if msg := presenceMessage(t, env); msg != "Bob joined the board" {
		t.Fatalf("message = %q, want \"Bob joined the board\"", msg)
	}
	env = drain(t, amy)
	if env.Event != domain.EventOnlineUsers {
		t.Fatalf("event = %s, want online_users", env.Event)
	}

	roster := h.Roster("board-1")
	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	h := New(quietLogger())
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy", Name: "Amy"}, 8)
	bob := newTestSession("c2", domain.UserRef{ID: "u-bob", Name: "Bob"}, 8)
	h.join("board-1", amy)
	h.join("board-1", bob)
	for len(amy.send) > 0 {
		<-amy.send
	}

	h.leave("board-1", bob)

	env := drain(t, amy)
	if env.Event != domain.EventUserLeft {
		t.Fatalf("event = %s, want user_left", env.Event)
	}
	if msg := presenceMessage(t, env); msg != "Bob left the board" {
		t.Fatalf("message = %q, want \"Bob left the board\"", msg)
	}
	if len(h.Roster("board-1")) != 1 {
		t.Fatalf("roster = %v, want only amy", h.Roster("board-1"))
	}
}

func TestBroadcastReachesWholeRoomInOrder(t *testing.T) {
	h := New(quietLogger())
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy"}, 16)
	bob := newTestSession("c2", domain.UserRef{ID: "u-bob"}, 16)
	h.join("board-1", amy)
	h.join("board-1", bob)
	for len(amy.send) > 0 {
		<-amy.send
	}
	for len(bob.send) > 0 {
		<-bob.send
	}

	h.Broadcast("board-1", domain.EventTaskCreated, map[string]string{"seq": "1"})
	h.Broadcast("board-1", domain.EventTaskUpdated, map[string]string{"seq": "2"})
	h.Broadcast("board-1", domain.EventTaskDeleted, map[string]string{"seq": "3"})

	want := []string{domain.EventTaskCreated, domain.EventTaskUpdated, domain.EventTaskDeleted}
	for _, s := range []*session{amy, bob} {
		for _, event := range want {
			env := drain(t, s)
			if env.Event != event {
				t.Fatalf("session %s got %s, want %s", s.id, env.Event, event)
			}
		}
	}
}

func TestBroadcastScopedToBoard(t *testing.T) {
	h := New(quietLogger())
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy"}, 8)
	bob := newTestSession("c2", domain.UserRef{ID: "u-bob"}, 8)
	h.join("board-1", amy)
	h.join("board-2", bob)
	for len(bob.send) > 0 {
		<-bob.send
	}

	h.Broadcast("board-1", domain.EventTaskCreated, nil)

	if len(bob.send) != 0 {
		t.Fatalf("board-2 session received %d frames, want 0", len(bob.send))
	}
}

func TestRelaySkipsOrigin(t *testing.T) {
	h := New(quietLogger())
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy"}, 8)
	bob := newTestSession("c2", domain.UserRef{ID: "u-bob"}, 8)
	h.join("board-1", amy)
	h.join("board-1", bob)
	for len(amy.send) > 0 {
		<-amy.send
	}
	for len(bob.send) > 0 {
		<-bob.send
	}

	h.relay("board-1", domain.EventTaskTyping, domain.EditingEvent{TaskID: "t1", User: amy.user}, amy)

	if env := drain(t, bob); env.Event != domain.EventTaskTyping {
		t.Fatalf("event = %s, want task_typing", env.Event)
	}
	if len(amy.send) != 0 {
		t.Fatalf("origin received %d frames, want 0", len(amy.send))
	}
}

func TestStalledSessionIsDropped(t *testing.T) {
	h := New(quietLogger())
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy"}, 16)
	// Buffer of two holds exactly the join announcements, so the next
	// fan-out overflows.
	slow := newTestSession("c2", domain.UserRef{ID: "u-slow"}, 2)
	h.join("board-1", amy)
	h.join("board-1", slow)
	for len(amy.send) > 0 {
		<-amy.send
	}

	h.Broadcast("board-1", domain.EventTaskCreated, nil)

	if len(h.Roster("board-1")) != 1 {
		t.Fatalf("roster = %v, want slow session evicted", h.Roster("board-1"))
	}
	// The slow session's channel is closed so its write pump can exit.
	select {
	case _, ok := <-slow.send:
		if ok {
			// Drain until closed.
			for range slow.send {
			}
		}
	case <-time.After(time.Second):
		t.Fatal("send channel never closed")
	}
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	h := New(quietLogger())
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy"}, 8)
	h.join("board-1", amy)
	h.join("board-2", amy)

	h.disconnect(amy)

	if len(h.Roster("board-1")) != 0 || len(h.Roster("board-2")) != 0 {
		t.Fatal("session still present after disconnect")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(boardID, event string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func TestPresenceEventsStayLocal(t *testing.T) {
	h := New(quietLogger())
	pub := &recordingPublisher{}
	h.SetPublisher(pub)
	amy := newTestSession("c1", domain.UserRef{ID: "u-amy", Name: "Amy"}, 8)

	h.join("board-1", amy)
	h.Broadcast("board-1", domain.EventTaskCreated, map[string]string{"taskId": "t1"})
	h.leave("board-1", amy)

	got := pub.published()
	if len(got) != 1 || got[0] != domain.EventTaskCreated {
		t.Fatalf("published = %v, want only task_created", got)
	}
}

func TestBridgeMirrorsAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := quietLogger()
	local := New(logger)
	remote := New(logger)
	NewBridge(client, local, "test:events", logger)
	remoteBridge := NewBridge(client, remote, "test:events", logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go remoteBridge.Run(ctx)

	// Give the subscriber a moment to attach.
	deadline := time.Now().Add(time.Second)
	for {
		subs, err := client.PubSubNumSub(ctx, "test:events").Result()
		if err != nil {
			t.Fatalf("pubsub numsub: %v", err)
		}
		if subs["test:events"] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	peer := newTestSession("c1", domain.UserRef{ID: "u-peer"}, 8)
	remote.join("board-1", peer)
	for len(peer.send) > 0 {
		<-peer.send
	}

	local.Broadcast("board-1", domain.EventTaskCreated, map[string]string{"taskId": "t1"})

	env := drain(t, peer)
	if env.Event != domain.EventTaskCreated {
		t.Fatalf("event = %s, want task_created", env.Event)
	}
	if env.BoardID != "board-1" {
		t.Fatalf("boardId = %s, want board-1", env.BoardID)
	}
}
