package domain

import "encoding/json"

// Event types from client.
const (
	EventJoin    = "join"
	EventLeave   = "leave"
	EventMessage = "message"
)

// Event types to client.
const (
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
	EventError      = "error"
)

// Event is one inbound client payload. All fields besides Type are optional;
// which ones matter depends on the type.
type Event struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	Room      string `json:"room,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// DecodeEvent parses a raw payload into an Event. Payloads that are not valid
// JSON are not rejected: they are coerced into a plain message event carrying
// the raw text as content. Clients that speak bare text instead of the
// structured protocol keep working, so this coercion must stay.
func DecodeEvent(payload []byte) Event {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{
			Type:      EventMessage,
			Content:   string(payload),
			Timestamp: NowMillis(),
		}
	}
	return ev
}

// Envelope is the shape sent to clients. Connections and TotalConnections are
// stamped by the broadcast path at send time; direct replies leave them unset.
type Envelope struct {
	Type             string `json:"type"`
	Username         string `json:"username,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Room             string `json:"room,omitempty"`
	Content          string `json:"content,omitempty"`
	Timestamp        int64  `json:"timestamp"`
	Users            []User `json:"users,omitempty"`
	Connections      int    `json:"connections,omitempty"`
	TotalConnections int    `json:"totalConnections,omitempty"`
}

// NewUserJoined builds the room notification for a fresh join, carrying the
// full member list as of the join.
func NewUserJoined(s *Session, users []User) *Envelope {
	return &Envelope{
		Type:      EventUserJoined,
		Username:  s.Username,
		UserID:    s.UserID,
		Room:      s.Room,
		Timestamp: NowMillis(),
		Users:     users,
	}
}

// NewUserLeft builds the room notification for a leave (explicit or from a
// closed connection), carrying the member list after removal.
func NewUserLeft(s *Session, users []User) *Envelope {
	return &Envelope{
		Type:      EventUserLeft,
		Username:  s.Username,
		UserID:    s.UserID,
		Room:      s.Room,
		Timestamp: NowMillis(),
		Users:     users,
	}
}

// NewChatMessage enriches an inbound chat payload with the sender's session.
// The inbound type travels through verbatim so unrecognized event kinds pass
// through as best-effort messages; an empty type falls back to "message".
// A missing timestamp defaults to now.
func NewChatMessage(ev Event, s *Session) *Envelope {
	typ := ev.Type
	if typ == "" {
		typ = EventMessage
	}
	ts := ev.Timestamp
	if ts == 0 {
		ts = NowMillis()
	}
	return &Envelope{
		Type:      typ,
		Username:  s.Username,
		UserID:    s.UserID,
		Room:      s.Room,
		Content:   ev.Content,
		Timestamp: ts,
	}
}

// NewJoinRequired is the private error reply for senders that message before
// joining a room. It is never broadcast.
func NewJoinRequired() *Envelope {
	return &Envelope{
		Type:      EventError,
		Content:   "You must join a room first",
		Timestamp: NowMillis(),
	}
}
