package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"beam/internal/protocol"
)

// maxMessageBytes bounds a single signaling frame; matches the agent
// signaling client's own limit so neither side can be wedged by an
// oversized frame from the other.
const maxMessageBytes = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// browserConn wraps one browser WebSocket so Registry can evict it from a
// second connection to the same session without the browser handler's
// goroutines needing to coordinate directly.
type browserConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func newBrowserConn(conn *websocket.Conn) *browserConn {
	return &browserConn{conn: conn, closed: make(chan struct{})}
}

func (b *browserConn) evict(reason string) {
	b.conn.WriteJSON(protocol.NewError(reason))
	b.close()
}

func (b *browserConn) close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.conn.Close()
	})
}

// ServeBrowser upgrades r to a WebSocket and relays signaling for the
// given session id. At most one browser connection is kept per session:
// a new connection evicts whatever was previously registered, with
// Error{"replaced"} sent to the superseded tab first.
func (r *Registry) ServeBrowser(w http.ResponseWriter, req *http.Request, id uuid.UUID) error {
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

	bc := newBrowserConn(conn)

	sess.mu.Lock()
	prev := sess.browser
	sess.browser = bc
	sess.mu.Unlock()
	if prev != nil {
		prev.evict("replaced")
	}

	defer func() {
		sess.mu.Lock()
		if sess.browser == bc {
			sess.browser = nil
		}
		sess.mu.Unlock()
		bc.close()
	}()

	go r.pumpToBrowser(sess, bc)

	for {
		var msg protocol.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		msg.SessionID = id
		r.sendOrLog(id, sess.toAgent, msg)
	}
}

// pumpToBrowser forwards relayed agent-originated signaling (answers, ICE
// candidates) to the browser socket until it closes.
func (r *Registry) pumpToBrowser(sess *session, bc *browserConn) {
	for {
		select {
		case <-bc.closed:
			return
		case msg := <-sess.toBrowser:
			bc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := bc.conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}
