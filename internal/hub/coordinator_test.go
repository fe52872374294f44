package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborchat/relay-service/internal/domain"
	"github.com/harborchat/relay-service/internal/store"
)

const recvTimeout = 2 * time.Second

// --- helpers ----------------------------------------------------------------

func startCoordinator(t *testing.T, st store.AttachmentStore) *Coordinator {
	t.Helper()
	co := NewCoordinator("general", st, zerolog.Nop(), 64)
	co.Start()
	t.Cleanup(co.Stop)
	return co
}

func joinPayload(username, room, userID string) []byte {
	return []byte(fmt.Sprintf(`{"type":"join","username":%q,"room":%q,"userId":%q}`, username, room, userID))
}

func recvEnvelope(t *testing.T, c *Client) domain.Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad envelope %q: %v", data, err)
		}
		return env
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for envelope")
		return domain.Envelope{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected envelope: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForSize(t *testing.T, co *Coordinator, want int) {
	t.Helper()
	deadline := time.Now().Add(recvTimeout)
	for time.Now().Before(deadline) {
		if co.Size() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Size = %d, want %d", co.Size(), want)
}

// --- tests ------------------------------------------------------------------

func TestJoinBroadcastsMembership(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a, b := testClient("a"), testClient("b")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	env := recvEnvelope(t, a)
	if env.Type != domain.EventUserJoined {
		t.Fatalf("type = %q, want user_joined", env.Type)
	}
	if env.Connections != 1 || env.TotalConnections != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", env.Connections, env.TotalConnections)
	}
	if len(env.Users) != 1 || env.Users[0].Username != "alice" || env.Users[0].UserID != "u1" {
		t.Fatalf("users = %+v", env.Users)
	}

	co.Dispatch(b, joinPayload("bob", "general", "u2"))
	for _, c := range []*Client{a, b} {
		env = recvEnvelope(t, c)
		if env.Type != domain.EventUserJoined || env.Username != "bob" {
			t.Fatalf("envelope = %+v", env)
		}
		if env.Connections != 2 {
			t.Fatalf("connections = %d, want 2", env.Connections)
		}
		if len(env.Users) != 2 || env.Users[0].Username != "alice" || env.Users[1].Username != "bob" {
			t.Fatalf("users = %+v", env.Users)
		}
	}
}

func TestMessageEchoesToWholeRoom(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a, b := testClient("a"), testClient("b")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	co.Dispatch(b, joinPayload("bob", "general", "u2"))
	recvEnvelope(t, a) // alice's own join
	recvEnvelope(t, a) // bob's join
	recvEnvelope(t, b)

	co.Dispatch(a, []byte(`{"type":"message","content":"hi"}`))

	// The sender gets its own message back.
	for _, c := range []*Client{a, b} {
		env := recvEnvelope(t, c)
		if env.Type != domain.EventMessage {
			t.Fatalf("type = %q", env.Type)
		}
		if env.Username != "alice" || env.UserID != "u1" || env.Content != "hi" {
			t.Fatalf("envelope = %+v", env)
		}
		if env.Connections != 2 || env.TotalConnections != 2 {
			t.Fatalf("counters = %d/%d, want 2/2", env.Connections, env.TotalConnections)
		}
	}
}

func TestMessageBeforeJoinRejectedPrivately(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a, stranger := testClient("a"), testClient("s")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	recvEnvelope(t, a)

	co.Dispatch(stranger, []byte(`{"type":"message","content":"hi"}`))

	env := recvEnvelope(t, stranger)
	if env.Type != domain.EventError {
		t.Fatalf("type = %q, want error", env.Type)
	}
	if env.Connections != 0 || len(env.Users) != 0 {
		t.Fatalf("private reply should carry no broadcast enrichment: %+v", env)
	}

	// No broadcast, no state change.
	assertSilent(t, a)
	if co.Size() != 1 {
		t.Fatalf("Size = %d, want 1", co.Size())
	}
}

func TestLeaveBroadcastsUpdatedMembership(t *testing.T) {
	st := store.NewMemoryStore()
	co := startCoordinator(t, st)
	a, b := testClient("a"), testClient("b")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	co.Dispatch(b, joinPayload("bob", "general", "u2"))
	recvEnvelope(t, a)
	recvEnvelope(t, a)
	recvEnvelope(t, b)

	co.Dispatch(b, []byte(`{"type":"leave"}`))

	env := recvEnvelope(t, a)
	if env.Type != domain.EventUserLeft || env.Username != "bob" || env.UserID != "u2" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Connections != 1 || env.TotalConnections != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", env.Connections, env.TotalConnections)
	}
	if len(env.Users) != 1 || env.Users[0].Username != "alice" {
		t.Fatalf("users = %+v", env.Users)
	}

	// The attachment is gone too: a rehydrated coordinator must not
	// resurrect a session that left.
	waitForSize(t, co, 1)
	if sess, err := st.Load(context.Background(), b.ID); err != nil || sess != nil {
		t.Fatalf("attachment should be deleted, got %+v, %v", sess, err)
	}
}

func TestLeaveWhileUnjoinedIsNoOp(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a, stranger := testClient("a"), testClient("s")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	recvEnvelope(t, a)

	co.Dispatch(stranger, []byte(`{"type":"leave"}`))

	assertSilent(t, stranger)
	assertSilent(t, a)
}

func TestCloseMatchesExplicitLeave(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a, b := testClient("a"), testClient("b")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	co.Dispatch(b, joinPayload("bob", "general", "u2"))
	recvEnvelope(t, a)
	recvEnvelope(t, a)
	recvEnvelope(t, b)

	co.HandleClose(b)

	env := recvEnvelope(t, a)
	if env.Type != domain.EventUserLeft || env.Username != "bob" || env.UserID != "u2" || env.Room != "general" {
		t.Fatalf("close should produce the same user_left as an explicit leave: %+v", env)
	}
	waitForSize(t, co, 1)

	// Closing an unjoined connection does nothing.
	co.HandleClose(testClient("s"))
	assertSilent(t, a)
}

func TestRejoinMovesMembership(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a := testClient("a")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	recvEnvelope(t, a)

	co.Dispatch(a, joinPayload("alice", "random", "u1"))
	env := recvEnvelope(t, a)
	if env.Room != "random" || env.Connections != 1 {
		t.Fatalf("envelope = %+v", env)
	}

	if len(co.MembersOf("general")) != 0 {
		t.Fatal("membership should have left the old room")
	}
	members := co.MembersOf("random")
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Fatalf("members = %+v", members)
	}
}

func TestMalformedPayloadRelayedAsMessage(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a := testClient("a")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	recvEnvelope(t, a)

	co.Dispatch(a, []byte("hello there"))

	env := recvEnvelope(t, a)
	if env.Type != domain.EventMessage || env.Content != "hello there" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Username != "alice" {
		t.Fatalf("coerced message should still be enriched: %+v", env)
	}
}

func TestUnrecognizedTypePassesThrough(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a := testClient("a")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	recvEnvelope(t, a)

	co.Dispatch(a, []byte(`{"type":"shout","content":"HI"}`))

	env := recvEnvelope(t, a)
	if env.Type != "shout" || env.Content != "HI" || env.UserID != "u1" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestUnreachablePeerEvictedSilently(t *testing.T) {
	co := startCoordinator(t, store.NewMemoryStore())
	a, b := testClient("a"), testClient("b")

	co.Dispatch(a, joinPayload("alice", "general", "u1"))
	co.Dispatch(b, joinPayload("bob", "general", "u2"))
	recvEnvelope(t, a)
	recvEnvelope(t, a)
	recvEnvelope(t, b)

	// Kill bob's transport. The next broadcast fails to reach him and must
	// evict him without a user_left of its own.
	b.shutdown()

	co.Dispatch(a, []byte(`{"type":"message","content":"hi"}`))
	env := recvEnvelope(t, a)
	if env.Type != domain.EventMessage {
		t.Fatalf("type = %q", env.Type)
	}
	// Counters reflect membership at send time, before the eviction.
	if env.Connections != 2 {
		t.Fatalf("connections = %d, want 2", env.Connections)
	}

	waitForSize(t, co, 1)

	// Delivery to the rest of the room keeps working, with no user_left in
	// between.
	co.Dispatch(a, []byte(`{"type":"message","content":"again"}`))
	env = recvEnvelope(t, a)
	if env.Type != domain.EventMessage || env.Content != "again" {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Connections != 1 || env.TotalConnections != 1 {
		t.Fatalf("counters = %d/%d, want 1/1", env.Connections, env.TotalConnections)
	}
}

func TestRehydrationRestoresMembership(t *testing.T) {
	st := store.NewMemoryStore()
	co1 := startCoordinator(t, st)
	a, b := testClient("a"), testClient("b")

	co1.Dispatch(a, joinPayload("alice", "general", "u1"))
	co1.Dispatch(b, joinPayload("bob", "random", "u2"))
	recvEnvelope(t, a)
	recvEnvelope(t, b)

	before := append(co1.MembersOf("general"), co1.MembersOf("random")...)
	co1.Stop()

	// A brand new coordinator over the same store and the same live
	// connections must see identical membership.
	co2 := NewCoordinator("general", st, zerolog.Nop(), 64)
	co2.Rehydrate(context.Background(), []*Client{a, b})
	co2.Start()
	t.Cleanup(co2.Stop)

	after := append(co2.MembersOf("general"), co2.MembersOf("random")...)
	if len(after) != len(before) {
		t.Fatalf("restored %d sessions, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Fatalf("session %d = %+v, want %+v", i, after[i], before[i])
		}
	}

	// The rebuilt coordinator serves broadcasts with correct counters right
	// away.
	co2.Dispatch(a, []byte(`{"type":"message","content":"back"}`))
	env := recvEnvelope(t, a)
	if env.Connections != 1 || env.TotalConnections != 2 {
		t.Fatalf("counters = %d/%d, want 1/2", env.Connections, env.TotalConnections)
	}
}

// brokenStore fails every Load for one connection ID.
type brokenStore struct {
	*store.MemoryStore
	broken string
}

func (b *brokenStore) Load(ctx context.Context, connID string) (*domain.Session, error) {
	if connID == b.broken {
		return nil, errors.New("corrupt attachment")
	}
	return b.MemoryStore.Load(ctx, connID)
}

func TestRehydrationSkipsMalformedAttachments(t *testing.T) {
	st := &brokenStore{MemoryStore: store.NewMemoryStore(), broken: "b"}
	co1 := startCoordinator(t, st)
	a, b := testClient("a"), testClient("b")

	co1.Dispatch(a, joinPayload("alice", "general", "u1"))
	co1.Dispatch(b, joinPayload("bob", "general", "u2"))
	recvEnvelope(t, a)
	recvEnvelope(t, a)
	recvEnvelope(t, b)
	co1.Stop()

	co2 := NewCoordinator("general", st, zerolog.Nop(), 64)
	co2.Rehydrate(context.Background(), []*Client{a, b})
	co2.Start()
	t.Cleanup(co2.Stop)

	members := co2.MembersOf("general")
	if len(members) != 1 || members[0].UserID != "u1" {
		t.Fatalf("members = %+v, want alice only", members)
	}

	// The connection with the bad attachment is unjoined: its messages get
	// the private error reply.
	co2.Dispatch(b, []byte(`{"type":"message","content":"hi"}`))
	env := recvEnvelope(t, b)
	if env.Type != domain.EventError {
		t.Fatalf("type = %q, want error", env.Type)
	}
}
