package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"

	"github.com/rs/zerolog"

	"beam/internal/auth"
	"beam/internal/protocol"
	"beam/internal/session"
	"beam/internal/signaling"
)

func fakeProcess(t *testing.T) *os.Process {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start fake process: %v", err)
	}
	t.Cleanup(func() { cmd.Process.Kill(); cmd.Wait() })
	return cmd.Process
}

func newTestAPI(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	authn := auth.NewLocalAuthenticator()
	authn.SetPassword("alice", "hunter2")

	mgr := session.NewManager(session.Config{
		MaxSessions: 4,
		DataDir:     t.TempDir(),
		SpawnAgent: func(sess *session.ManagedSession, serverURL string) (*os.Process, error) {
			return fakeProcess(t), nil
		},
	}, zerolog.Nop())

	secret, err := auth.GenerateSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}

	s := &Server{
		Manager:    mgr,
		Signaling:  signaling.NewRegistry(zerolog.Nop()),
		JWTSecret:  []byte(secret),
		IceServers: func() []protocol.IceServerInfo { return nil },
		Authn:      authn,
		Log:        zerolog.Nop(),
	}
	srv := httptest.NewServer(s.NewMux())
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestLoginSuccessIssuesToken(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := postJSON(t, srv, "/api/auth/login", protocol.AuthRequest{Username: "alice", Password: "hunter2"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out protocol.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Token == "" {
		t.Fatal("expected non-empty token")
	}
}

func TestLoginBadPasswordRejected(t *testing.T) {
	_, srv := newTestAPI(t)

	resp := postJSON(t, srv, "/api/auth/login", protocol.AuthRequest{Username: "alice", Password: "wrong"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestLoginRateLimited(t *testing.T) {
	_, srv := newTestAPI(t)

	var last *http.Response
	for i := 0; i < 6; i++ {
		last = postJSON(t, srv, "/api/auth/login", protocol.AuthRequest{Username: "alice", Password: "wrong"})
		last.Body.Close()
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 6th attempt within the window, got %d", last.StatusCode)
	}
}

func TestSessionsRequireAuth(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.StatusCode)
	}
}

func TestOwnershipMismatchForbidden(t *testing.T) {
	s, srv := newTestAPI(t)

	loginResp := postJSON(t, srv, "/api/auth/login", protocol.AuthRequest{Username: "alice", Password: "hunter2"})
	var alice protocol.AuthResponse
	json.NewDecoder(loginResp.Body).Decode(&alice)
	loginResp.Body.Close()

	malloryToken, err := auth.GenerateJWT("mallory", s.JWTSecret)
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+alice.SessionID.String(), nil)
	req.Header.Set("Authorization", "Bearer "+malloryToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a different user's session, got %d", resp.StatusCode)
	}
}
