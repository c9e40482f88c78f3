// Package signaling implements the orchestrator's two WebSocket edges: the
// browser-facing signaling socket and the agent-facing one, bridged
// through a per-session channel pair so neither side's connection needs
// to know the other exists directly. Grounded on internal/session's
// ManagedSession table and protocol.SignalingMessage/AgentCommand, in the
// style of internal/server/server.go's session watchers, generalized from
// a single in-process WHEP handler into a full relay.
package signaling

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"beam/internal/protocol"
)

// channelCapacity bounds each per-session relay channel. A slow consumer
// (a browser tab backgrounded by the OS, an agent stalled on a command)
// loses the oldest-pending guarantee rather than stalling the other side;
// see Registry.sendOrLog.
const channelCapacity = 64

// session is one session's bidirectional relay state.
type session struct {
	toAgent   chan protocol.SignalingMessage
	toBrowser chan protocol.SignalingMessage

	mu       sync.Mutex
	browser  *browserConn // the single connected browser, if any
}

// Registry holds one relay session per active ManagedSession, keyed by
// session id. ServeBrowser and ServeAgent both look up entries here and
// reach each other only through the session's relay channels.
type Registry struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, sessions: make(map[uuid.UUID]*session)}
}

// Register creates the relay channels for a newly created session. Safe
// to call again for the same id (e.g. a restored session); it is a no-op
// if already registered.
func (r *Registry) Register(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return
	}
	r.sessions[id] = &session{
		toAgent:   make(chan protocol.SignalingMessage, channelCapacity),
		toBrowser: make(chan protocol.SignalingMessage, channelCapacity),
	}
}

// Unregister drops a session's relay state, used on session destruction.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *Registry) get(id uuid.UUID) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// sendOrLog try-sends msg on ch, logging and dropping rather than
// blocking the sender behind a consumer that has fallen behind.
func (r *Registry) sendOrLog(id uuid.UUID, ch chan protocol.SignalingMessage, msg protocol.SignalingMessage) {
	select {
	case ch <- msg:
	default:
		r.log.Warn().Stringer("session", id).Str("type", msg.Type).Msg("signaling relay channel full, dropping message")
	}
}
