package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"beam/internal/protocol"
)

func newTestServer(t *testing.T, r *Registry, id uuid.UUID, verify AgentTokenVerifier) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/browser", func(w http.ResponseWriter, req *http.Request) {
		r.ServeBrowser(w, req, id)
	})
	mux.HandleFunc("/agent", func(w http.ResponseWriter, req *http.Request) {
		r.ServeAgent(w, req, id, req.URL.Query().Get("token"), verify)
	})
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func TestBrowserToAgentRelay(t *testing.T) {
	id := uuid.New()
	r := NewRegistry(zerolog.Nop())
	r.Register(id)

	verify := func(uuid.UUID, string) bool { return true }
	srv := newTestServer(t, r, id, verify)
	defer srv.Close()

	agentConn := dialWS(t, srv, "/agent?token=x")
	defer agentConn.Close()
	browserConn := dialWS(t, srv, "/browser")
	defer browserConn.Close()

	offer := protocol.NewOffer("v=0...", id)
	if err := browserConn.WriteJSON(offer); err != nil {
		t.Fatalf("write offer: %v", err)
	}

	agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var cmd protocol.AgentCommand
	if err := agentConn.ReadJSON(&cmd); err != nil {
		t.Fatalf("agent read: %v", err)
	}
	if cmd.Cmd != protocol.AgentCmdSignal {
		t.Fatalf("expected signal command, got %q", cmd.Cmd)
	}
	decoded, err := cmd.DecodeSignal()
	if err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	if decoded.Type != protocol.SignalTypeOffer || decoded.SDP != "v=0..." {
		t.Fatalf("unexpected relayed offer: %+v", decoded)
	}
}

func TestAgentToBrowserRelay(t *testing.T) {
	id := uuid.New()
	r := NewRegistry(zerolog.Nop())
	r.Register(id)

	verify := func(uuid.UUID, string) bool { return true }
	srv := newTestServer(t, r, id, verify)
	defer srv.Close()

	agentConn := dialWS(t, srv, "/agent?token=x")
	defer agentConn.Close()
	browserConn := dialWS(t, srv, "/browser")
	defer browserConn.Close()

	answer := protocol.NewAnswer("v=0...answer", id)
	if err := agentConn.WriteJSON(answer); err != nil {
		t.Fatalf("write answer: %v", err)
	}

	browserConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.SignalingMessage
	if err := browserConn.ReadJSON(&msg); err != nil {
		t.Fatalf("browser read: %v", err)
	}
	if msg.Type != protocol.SignalTypeAnswer || msg.SDP != "v=0...answer" {
		t.Fatalf("unexpected relayed answer: %+v", msg)
	}
}

func TestAgentTokenRejected(t *testing.T) {
	id := uuid.New()
	r := NewRegistry(zerolog.Nop())
	r.Register(id)

	verify := func(uuid.UUID, string) bool { return false }
	srv := newTestServer(t, r, id, verify)
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/agent?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected dial to fail on bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestSecondBrowserEvictsFirst(t *testing.T) {
	id := uuid.New()
	r := NewRegistry(zerolog.Nop())
	r.Register(id)

	verify := func(uuid.UUID, string) bool { return true }
	srv := newTestServer(t, r, id, verify)
	defer srv.Close()

	first := dialWS(t, srv, "/browser")
	defer first.Close()
	second := dialWS(t, srv, "/browser")
	defer second.Close()

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.SignalingMessage
	if err := first.ReadJSON(&msg); err != nil {
		t.Fatalf("expected eviction message on first connection: %v", err)
	}
	if msg.Type != protocol.SignalTypeError || msg.Message != "replaced" {
		t.Fatalf("expected replaced error, got %+v", msg)
	}
}
