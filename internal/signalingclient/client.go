// Package signalingclient implements the agent's half of the signaling
// state machine from SPEC_FULL.md §4.5: a reconnecting WebSocket to the
// orchestrator, offer deduplication by ICE ufrag, and peer swap through
// peer.Cell. Grounded on agent/src/signaling.rs of the Rust precursor and
// internal/peer's Create/Cell APIs; the reconnect backoff mirrors
// internal/xserver's retry-with-ceiling style used elsewhere in the
// agent's startup path.
package signalingclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"beam/internal/peer"
	"beam/internal/protocol"
	"beam/internal/types"
)

const (
	maxMessageBytes = 64 * 1024
	backoffStart    = 2 * time.Second
	backoffMax      = 60 * time.Second
)

// PeerFactory builds a fresh Peer with all the callbacks the agent needs
// wired (ICE candidates out, RTCP keyframe requests, input events in).
// Implemented by a closure around peer.Create in cmd/beam-agent, so this
// package never needs to know about input injection or encoder kind.
type PeerFactory func() (*peer.Peer, error)

// Config configures a Client.
type Config struct {
	ServerURL    string // e.g. wss://orchestrator:8443
	SessionID    string
	AgentToken   string
	PinnedCertPEM string // optional, augments system roots

	NewPeer  PeerFactory
	Cell     *peer.Cell
	Commands chan<- types.CaptureCommand
}

// Client owns the agent's connection to the orchestrator's agent
// WebSocket and drives the offer/answer/ICE state machine against Cell.
type Client struct {
	cfg       Config
	tlsConfig *tls.Config

	lastUfrag string
}

func New(cfg Config) (*Client, error) {
	tlsCfg := &tls.Config{}
	if cfg.PinnedCertPEM != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM([]byte(cfg.PinnedCertPEM)) {
			return nil, fmt.Errorf("parse pinned certificate")
		}
		tlsCfg.RootCAs = pool
	}
	return &Client{cfg: cfg, tlsConfig: tlsCfg}, nil
}

// Run connects and reconnects with exponential backoff until ctx is
// canceled. A clean "shutdown" command from the orchestrator also ends
// Run, since the agent process is expected to exit after shutdown.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffStart
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		shutdown, err := c.runOnce(ctx)
		if shutdown {
			return
		}
		if err != nil {
			log.Printf("signalingclient: connection error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	u.Path = "/ws/agent/" + c.cfg.SessionID
	q := u.Query()
	q.Set("token", c.cfg.AgentToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// runOnce holds one connection open until it drops or a shutdown command
// arrives, returning (true, nil) only on shutdown. Every other return
// path — including a clean server-side close — is treated as
// reconnectable, since an agent reconnect must preserve orchestrator-side
// session state rather than tear the session down.
func (c *Client) runOnce(ctx context.Context) (shutdown bool, err error) {
	addr, err := c.dialURL()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{TLSClientConfig: c.tlsConfig, HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("dial orchestrator: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	log.Printf("signalingclient: connected to %s", c.cfg.ServerURL)

	for {
		select {
		case <-ctx.Done():
			return false, nil
		default:
		}

		var cmd protocol.AgentCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return false, fmt.Errorf("read command: %w", err)
		}

		switch cmd.Cmd {
		case protocol.AgentCmdShutdown:
			log.Printf("signalingclient: received shutdown")
			return true, nil
		case protocol.AgentCmdSignal:
			msg, err := cmd.DecodeSignal()
			if err != nil {
				log.Printf("signalingclient: bad signal command: %v", err)
				continue
			}
			c.handleSignal(conn, msg)
		}
	}
}

func (c *Client) handleSignal(conn *websocket.Conn, msg protocol.SignalingMessage) {
	switch msg.Type {
	case protocol.SignalTypeOffer:
		c.handleOffer(conn, msg)
	case protocol.SignalTypeIceCandidate:
		c.handleICECandidate(msg)
	}
}

// handleOffer implements the dedup-by-ufrag table from SPEC_FULL.md §4.5:
// a retransmitted offer (same ufrag as the last one processed) is ignored
// outright; a genuinely new offer tears down the old peer, builds and
// swaps in a new one, answers, and forces a fresh encoder pipeline.
func (c *Client) handleOffer(conn *websocket.Conn, msg protocol.SignalingMessage) {
	ufrag := extractUfrag(msg.SDP)
	if ufrag != "" && ufrag == c.lastUfrag {
		return
	}
	c.lastUfrag = ufrag

	newPeer, err := c.cfg.NewPeer()
	if err != nil {
		log.Printf("signalingclient: failed to build peer for new offer: %v", err)
		return
	}

	sessionID := msg.SessionID
	newPeer.OnICECandidate(func(candidate string, sdpMid *string, sdpMLineIndex *uint16) {
		ice := protocol.NewIceCandidate(candidate, sdpMid, sdpMLineIndex, sessionID)
		if err := conn.WriteJSON(ice); err != nil {
			log.Printf("signalingclient: failed to send ICE candidate: %v", err)
		}
	})

	answerSDP, err := newPeer.HandleOffer(msg.SDP)
	if err != nil {
		log.Printf("signalingclient: handle_offer failed: %v", err)
		newPeer.Close()
		return
	}

	old := c.cfg.Cell.Swap(newPeer)
	if old != nil {
		go old.Close() // best-effort, non-blocking
	}

	if c.cfg.Commands != nil {
		select {
		case c.cfg.Commands <- types.ResetEncoderCommand():
		default:
		}
	}

	answer := protocol.NewAnswer(answerSDP, msg.SessionID)
	if err := conn.WriteJSON(answer); err != nil {
		log.Printf("signalingclient: failed to send answer: %v", err)
	}
}

func (c *Client) handleICECandidate(msg protocol.SignalingMessage) {
	p := c.cfg.Cell.Snapshot()
	if p == nil {
		return
	}
	if err := p.AddICECandidate(msg.Candidate, msg.SDPMid, msg.SDPMLineIndex); err != nil {
		log.Printf("signalingclient: add ICE candidate failed: %v", err)
	}
}

// extractUfrag pulls the ICE username fragment out of an SDP blob's
// "a=ice-ufrag:" line, used only to detect retransmitted offers.
func extractUfrag(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "a=ice-ufrag:") {
			return strings.TrimPrefix(line, "a=ice-ufrag:")
		}
	}
	return ""
}

// LoadPinnedCert reads a PEM certificate from disk, returning "" (no
// pinning) if path is empty.
func LoadPinnedCert(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read pinned cert: %w", err)
	}
	return string(data), nil
}
