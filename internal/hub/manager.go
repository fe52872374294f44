package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborchat/relay-service/internal/config"
	"github.com/harborchat/relay-service/internal/store"
	"github.com/harborchat/relay-service/pkg/log"
)

const rehydrateTimeout = 10 * time.Second

type coordEntry struct {
	co      *Coordinator       // nil while evicted
	clients map[string]*Client // connections currently considered live
}

// Manager owns the coordinators. It routes each connection to the
// coordinator named at upgrade time, tracks which connections are live per
// name, and tears idle coordinators down while their connections stay open.
// The next payload for an evicted name rebuilds the coordinator and
// rehydrates it from the attachment store before anything is dispatched.
type Manager struct {
	store store.AttachmentStore
	cfg   config.CoordinatorConfig
	log   zerolog.Logger

	mu      sync.Mutex
	entries map[string]*coordEntry
}

func NewManager(st store.AttachmentStore, cfg config.CoordinatorConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   st,
		cfg:     cfg,
		log:     logger,
		entries: make(map[string]*coordEntry),
	}
}

// Attach registers a freshly upgraded connection. The connection starts
// unjoined; the coordinator for its name is created (and rehydrated) if it
// does not exist yet.
func (m *Manager) Attach(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entryLocked(c.Name)
	e.clients[c.ID] = c
	m.ensureLocked(c.Name, e)

	m.log.Debug().Str(log.FieldConnID, c.ID).Str(log.FieldCoord, c.Name).Msg("connection attached")
}

// Dispatch routes an inbound payload to the connection's coordinator,
// recreating it first if it was evicted. Enqueueing happens under the
// manager lock so eviction can never interleave with an accepted payload.
func (m *Manager) Dispatch(c *Client, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[c.Name]
	if !ok {
		return
	}
	co := m.ensureLocked(c.Name, e)
	co.Dispatch(c, payload)
}

// Disconnect runs the close path for a connection: the coordinator performs
// the leave transition off its stored record, then the connection stops
// counting as live.
func (m *Manager) Disconnect(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[c.Name]
	if !ok {
		return
	}
	co := m.ensureLocked(c.Name, e)
	co.HandleClose(c)
	delete(e.clients, c.ID)

	m.log.Debug().Str(log.FieldConnID, c.ID).Str(log.FieldCoord, c.Name).Msg("connection detached")
}

// Run sweeps for idle coordinators until the context ends. IdleTTL <= 0
// disables eviction.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return
	}

	interval := m.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops every running coordinator.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, e := range m.entries {
		if e.co != nil {
			e.co.Stop()
			e.co = nil
		}
		delete(m.entries, name)
	}
}

// Coordinator returns the running coordinator for a name, or nil if the name
// is unknown or currently evicted.
func (m *Manager) Coordinator(name string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return nil
	}
	return e.co
}

func (m *Manager) entryLocked(name string) *coordEntry {
	e, ok := m.entries[name]
	if !ok {
		e = &coordEntry{clients: make(map[string]*Client)}
		m.entries[name] = e
	}
	return e
}

// ensureLocked returns the entry's coordinator, rebuilding it from persisted
// attachments first when it was evicted. Rehydration completes before the
// loop starts, so no payload ever sees a half-restored registry.
func (m *Manager) ensureLocked(name string, e *coordEntry) *Coordinator {
	if e.co != nil {
		return e.co
	}

	co := NewCoordinator(name, m.store, m.log, m.cfg.EventQueue)

	clients := make([]*Client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), rehydrateTimeout)
	co.Rehydrate(ctx, clients)
	cancel()

	co.Start()
	e.co = co

	m.log.Info().Str(log.FieldCoord, name).Int("live", len(clients)).Msg("coordinator started")
	return co
}

// sweep tears down coordinators that have been quiet for the idle TTL and
// drops entries with neither a coordinator nor live connections.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, e := range m.entries {
		if e.co != nil && e.co.QueueLen() == 0 && time.Since(e.co.LastActive()) >= m.cfg.IdleTTL {
			e.co.Stop()
			e.co = nil
			m.log.Info().Str(log.FieldCoord, name).Msg("idle coordinator evicted")
		}
		if e.co == nil && len(e.clients) == 0 {
			delete(m.entries, name)
		}
	}
}
