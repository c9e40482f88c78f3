package signaling

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"beam/internal/protocol"
)

// AgentTokenVerifier checks the per-session agent token presented as
// ?token=… on the agent WebSocket. Implemented by session.Manager's
// VerifyAgentToken, which compares in constant time.
type AgentTokenVerifier func(id uuid.UUID, token string) bool

// ServeAgent upgrades r to a WebSocket for the agent process belonging to
// session id, after checking token against verify. Outbound browser
// signaling is wrapped in an AgentCommand; inbound agent signaling
// (answers, ICE candidates) arrives unwrapped and is relayed to the
// browser as-is.
func (r *Registry) ServeAgent(w http.ResponseWriter, req *http.Request, id uuid.UUID, token string, verify AgentTokenVerifier) error {
	if !verify(id, token) {
		http.Error(w, "invalid agent token", http.StatusUnauthorized)
		return nil
	}

	sess, ok := r.get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageBytes)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg protocol.SignalingMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msg.SessionID = id
			r.sendOrLog(id, sess.toBrowser, msg)
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case msg := <-sess.toAgent:
			cmd, err := protocol.NewSignalCommand(msg)
			if err != nil {
				r.log.Warn().Err(err).Stringer("session", id).Msg("encode signal command")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(cmd); err != nil {
				return nil
			}
		}
	}
}
