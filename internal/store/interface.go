package store

import (
	"context"

	"github.com/harborchat/relay-service/internal/domain"
)

// AttachmentStore persists one small session blob per connection so that a
// coordinator rebuilt while connections stay open can recover its registry.
// Writes happen synchronously on every session create or update.
type AttachmentStore interface {
	// Save writes the session blob for a connection, replacing any prior one.
	Save(ctx context.Context, connID string, s *domain.Session) error

	// Load reads the session blob for a connection. A missing attachment is
	// (nil, nil); a malformed one is an error. Callers treat both as unjoined.
	Load(ctx context.Context, connID string) (*domain.Session, error)

	// Delete removes the attachment when the session ends.
	Delete(ctx context.Context, connID string) error

	// Close releases the store's resources.
	Close() error
}
