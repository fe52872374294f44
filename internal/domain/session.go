package domain

import "time"

// Session describes one joined connection: who it is and which room it sits
// in. It is pure data; the hub's registry owns the only mutable copy, and the
// same shape is what gets persisted as the connection's attachment.
type Session struct {
	Username string `json:"username"`
	Room     string `json:"room"`
	UserID   string `json:"userId"`
	JoinedAt int64  `json:"joinedAt"` // epoch milliseconds
}

// User is the member-list view of a session carried in user_joined and
// user_left envelopes. The room is implied by the envelope and omitted.
type User struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	JoinedAt int64  `json:"joinedAt"`
}

// User returns the member-list view of the session.
func (s *Session) User() User {
	return User{
		Username: s.Username,
		UserID:   s.UserID,
		JoinedAt: s.JoinedAt,
	}
}

// Valid reports whether a deserialized attachment carries enough to act as a
// session. Attachments that fail this are ignored during rehydration and the
// connection starts over as unjoined.
func (s *Session) Valid() bool {
	return s.Room != "" && s.UserID != ""
}

// NowMillis is the wire-format timestamp: milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
