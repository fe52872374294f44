package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborchat/relay-service/internal/audit"
	"github.com/harborchat/relay-service/internal/domain"
	"github.com/harborchat/relay-service/internal/store"
	"github.com/harborchat/relay-service/pkg/log"
)

const storeTimeout = 5 * time.Second

type eventKind int

const (
	evtPayload eventKind = iota
	evtClose
)

type coordEvent struct {
	kind    eventKind
	client  *Client
	payload []byte
}

// Coordinator is the per-room session coordinator: it owns the connection
// registry, classifies inbound events, and fans outbound envelopes out to
// room members. All event handling runs on a single goroutine, so no two
// handlers for the same coordinator ever run concurrently and the registry
// needs no locking of its own. The mutex only fences reads from outside the
// loop.
//
// A coordinator can be torn down while its connections stay open; a new one
// rebuilds the registry from persisted attachments via Rehydrate before its
// loop starts consuming payloads.
type Coordinator struct {
	name  string
	store store.AttachmentStore
	log   zerolog.Logger
	ctx   context.Context

	mu         sync.RWMutex
	reg        *Registry
	lastActive time.Time

	events chan coordEvent
	quit   chan struct{}
	once   sync.Once
}

func NewCoordinator(name string, st store.AttachmentStore, logger zerolog.Logger, queue int) *Coordinator {
	if queue <= 0 {
		queue = 256
	}
	l := logger.With().Str(log.FieldCoord, name).Logger()
	return &Coordinator{
		name:       name,
		store:      st,
		log:        l,
		ctx:        log.WithLogger(context.Background(), l),
		reg:        NewRegistry(),
		lastActive: time.Now(),
		events:     make(chan coordEvent, queue),
		quit:       make(chan struct{}),
	}
}

// Rehydrate repopulates the registry from persisted attachments for every
// connection still considered live. It must complete before Start: a payload
// arriving right after recreation has to see correct membership. Connections
// with a missing or malformed attachment come back unjoined.
func (co *Coordinator) Rehydrate(ctx context.Context, clients []*Client) {
	restored := 0
	for _, c := range clients {
		sess, err := co.store.Load(ctx, c.ID)
		if err != nil {
			co.log.Warn().Str(log.FieldConnID, c.ID).Err(err).Msg("skipping unreadable attachment")
			continue
		}
		if sess == nil || !sess.Valid() {
			continue
		}
		co.mu.Lock()
		co.reg.Put(c, sess)
		co.mu.Unlock()
		restored++
	}
	if restored > 0 {
		co.log.Info().Int("restored", restored).Int("live", len(clients)).Msg("registry rehydrated")
	}
}

// Start launches the event loop. Call after Rehydrate.
func (co *Coordinator) Start() {
	go co.run()
}

// Stop terminates the event loop. Idempotent.
func (co *Coordinator) Stop() {
	co.once.Do(func() {
		close(co.quit)
	})
}

// Dispatch hands an inbound payload to the event loop. Once accepted it runs
// to completion; there is no cancellation.
func (co *Coordinator) Dispatch(c *Client, payload []byte) {
	select {
	case co.events <- coordEvent{kind: evtPayload, client: c, payload: payload}:
	case <-co.quit:
	}
}

// HandleClose synthesizes the leave transition for a closed connection,
// normal or abnormal. Close events carry no payload; the stored record
// supplies room and identity.
func (co *Coordinator) HandleClose(c *Client) {
	select {
	case co.events <- coordEvent{kind: evtClose, client: c}:
	case <-co.quit:
	}
}

// MembersOf returns copies of the session records in room, in join order.
func (co *Coordinator) MembersOf(room string) []domain.Session {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.reg.MembersOf(room)
}

// Size is the registry-wide connection count.
func (co *Coordinator) Size() int {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.reg.Size()
}

// LastActive reports when the loop last handled an event, for idle eviction.
func (co *Coordinator) LastActive() time.Time {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.lastActive
}

// QueueLen is the number of pending events.
func (co *Coordinator) QueueLen() int {
	return len(co.events)
}

func (co *Coordinator) run() {
	for {
		select {
		case ev := <-co.events:
			co.touch()
			switch ev.kind {
			case evtPayload:
				co.handlePayload(ev.client, ev.payload)
			case evtClose:
				co.handleClose(ev.client)
			}
		case <-co.quit:
			return
		}
	}
}

func (co *Coordinator) touch() {
	co.mu.Lock()
	co.lastActive = time.Now()
	co.mu.Unlock()
}

func (co *Coordinator) handlePayload(c *Client, payload []byte) {
	ev := domain.DecodeEvent(payload)

	switch ev.Type {
	case domain.EventJoin:
		co.handleJoin(c, ev)
	case domain.EventLeave:
		co.handleLeave(c)
	default:
		// message and unrecognized types alike: best-effort passthrough.
		co.handleMessage(c, ev)
	}
}

// handleJoin transitions the connection to joined, overwriting any previous
// record. Re-joining with a new room moves the membership; there is no
// separate room-switch event.
func (co *Coordinator) handleJoin(c *Client, ev domain.Event) {
	sess := &domain.Session{
		Username: ev.Username,
		Room:     ev.Room,
		UserID:   ev.UserID,
		JoinedAt: domain.NowMillis(),
	}

	co.mu.Lock()
	co.reg.Put(c, sess)
	users := co.reg.Users(sess.Room)
	co.mu.Unlock()

	// Persist the attachment before anything else can observe the session.
	ctx, cancel := context.WithTimeout(co.ctx, storeTimeout)
	if err := co.store.Save(ctx, c.ID, sess); err != nil {
		co.log.Warn().Str(log.FieldConnID, c.ID).Err(err).Msg("failed to persist attachment")
	}
	cancel()

	audit.LogWithDetail(co.ctx, audit.ActionJoin, sess.UserID, sess.Room, "user joined room")
	co.broadcast(sess.Room, domain.NewUserJoined(sess, users))
}

// handleLeave runs the leave transition. Unjoined connections are silently
// ignored: no error, no broadcast.
func (co *Coordinator) handleLeave(c *Client) {
	co.mu.Lock()
	sess, ok := co.reg.Get(c)
	if !ok {
		co.mu.Unlock()
		return
	}
	co.reg.Remove(c)
	users := co.reg.Users(sess.Room)
	co.mu.Unlock()

	ctx, cancel := context.WithTimeout(co.ctx, storeTimeout)
	if err := co.store.Delete(ctx, c.ID); err != nil {
		co.log.Warn().Str(log.FieldConnID, c.ID).Err(err).Msg("failed to delete attachment")
	}
	cancel()

	audit.LogWithDetail(co.ctx, audit.ActionLeave, sess.UserID, sess.Room, "user left room")
	co.broadcast(sess.Room, domain.NewUserLeft(sess, users))
}

func (co *Coordinator) handleClose(c *Client) {
	co.handleLeave(c)
}

// handleMessage relays a chat payload to the sender's room, sender included
// so clients can reconcile their own sends. Unjoined senders get a private
// error reply and nothing else happens.
func (co *Coordinator) handleMessage(c *Client, ev domain.Event) {
	co.mu.RLock()
	sess, ok := co.reg.Get(c)
	co.mu.RUnlock()

	if !ok {
		audit.Log(co.ctx, audit.ActionMessageRejected, "", "message from unjoined connection rejected")
		if err := c.SendJSON(domain.NewJoinRequired()); err != nil {
			co.log.Warn().Str(log.FieldConnID, c.ID).Err(err).Msg("failed to send error reply")
		}
		return
	}

	co.broadcast(sess.Room, domain.NewChatMessage(ev, sess))
}

// broadcast stamps the envelope with fresh member and registry counts,
// serializes it once, and queues it to every live connection in the room.
// Unreachable peers are evicted from the registry on the spot, without a
// user_left broadcast of their own, so one dead connection never blocks the
// rest of the room.
func (co *Coordinator) broadcast(room string, env *domain.Envelope) {
	co.mu.Lock()
	defer co.mu.Unlock()

	members := co.reg.members(room)
	env.Connections = len(members)
	env.TotalConnections = co.reg.Size()

	data, err := json.Marshal(env)
	if err != nil {
		co.log.Error().Err(err).Msg("failed to marshal envelope")
		return
	}

	for _, m := range members {
		if !m.client.deliver(data) {
			co.reg.Remove(m.client)
			co.log.Debug().
				Str(log.FieldConnID, m.client.ID).
				Str(log.FieldRoom, room).
				Msg("evicted unreachable connection")
		}
	}
}
