package hub

import (
	"sort"

	"github.com/harborchat/relay-service/internal/domain"
)

type regEntry struct {
	session *domain.Session
	seq     uint64
}

// member pairs a live connection with its session for a broadcast pass.
type member struct {
	client  *Client
	session *domain.Session
	seq     uint64
}

// Registry maps live connections to their session records for one
// coordinator. It has no locking of its own: the owning coordinator's event
// loop is the only writer, and reads from outside go through the
// coordinator's lock.
//
// Iteration order of MembersOf is insertion order; overwriting a
// connection's record keeps its original position.
type Registry struct {
	entries map[*Client]*regEntry
	nextSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[*Client]*regEntry)}
}

// Put inserts or replaces the session record for a connection.
func (r *Registry) Put(c *Client, s *domain.Session) {
	if e, ok := r.entries[c]; ok {
		e.session = s
		return
	}
	r.entries[c] = &regEntry{session: s, seq: r.nextSeq}
	r.nextSeq++
}

// Remove deletes the record if present. Removing an absent connection is a
// no-op, not an error.
func (r *Registry) Remove(c *Client) {
	delete(r.entries, c)
}

// Get returns the record for a connection. Absence means "not joined".
func (r *Registry) Get(c *Client) (*domain.Session, bool) {
	e, ok := r.entries[c]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Size is the count of all entries regardless of room.
func (r *Registry) Size() int {
	return len(r.entries)
}

// members returns the connections whose session sits in room, in insertion
// order. Recomputed on every call; never cached.
func (r *Registry) members(room string) []member {
	var out []member
	for c, e := range r.entries {
		if e.session.Room == room {
			out = append(out, member{client: c, session: e.session, seq: e.seq})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// MembersOf returns copies of the session records in room, in insertion
// order.
func (r *Registry) MembersOf(room string) []domain.Session {
	members := r.members(room)
	out := make([]domain.Session, 0, len(members))
	for _, m := range members {
		out = append(out, *m.session)
	}
	return out
}

// Users returns the member-list view of a room for outbound envelopes.
func (r *Registry) Users(room string) []domain.User {
	members := r.members(room)
	out := make([]domain.User, 0, len(members))
	for _, m := range members {
		out = append(out, m.session.User())
	}
	return out
}
