// Package protocol defines the wire types shared between the browser,
// the orchestrator, and the agent: signaling messages, the compact input
// data-channel format, HTTP auth payloads, and the binary video frame
// header used by the alternate WebSocket media transport.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SignalingMessage is exchanged between browser and orchestrator, and
// relayed between orchestrator and agent. Tagged by "type", snake_case.
type SignalingMessage struct {
	Type          string    `json:"type"`
	SDP           string    `json:"sdp,omitempty"`
	SessionID     uuid.UUID `json:"session_id,omitempty"`
	Candidate     string    `json:"candidate,omitempty"`
	SDPMid        *string   `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16   `json:"sdp_mline_index,omitempty"`
	Message       string    `json:"message,omitempty"`
}

const (
	SignalTypeOffer        = "offer"
	SignalTypeAnswer       = "answer"
	SignalTypeIceCandidate = "ice_candidate"
	SignalTypeSessionReady = "session_ready"
	SignalTypeError        = "error"
)

func NewOffer(sdp string, sessionID uuid.UUID) SignalingMessage {
	return SignalingMessage{Type: SignalTypeOffer, SDP: sdp, SessionID: sessionID}
}

func NewAnswer(sdp string, sessionID uuid.UUID) SignalingMessage {
	return SignalingMessage{Type: SignalTypeAnswer, SDP: sdp, SessionID: sessionID}
}

func NewError(message string) SignalingMessage {
	return SignalingMessage{Type: SignalTypeError, Message: message}
}

func NewSessionReady(sessionID uuid.UUID) SignalingMessage {
	return SignalingMessage{Type: SignalTypeSessionReady, SessionID: sessionID}
}

func NewIceCandidate(candidate string, sdpMid *string, sdpMLineIndex *uint16, sessionID uuid.UUID) SignalingMessage {
	return SignalingMessage{
		Type:          SignalTypeIceCandidate,
		Candidate:     candidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		SessionID:     sessionID,
	}
}

// AgentCommand wraps messages sent from the orchestrator to the agent
// over the agent WebSocket. Adjacently tagged ({"cmd":"signal","data":...})
// to avoid a tag collision with the nested SignalingMessage's own "type".
type AgentCommand struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	AgentCmdSignal   = "signal"
	AgentCmdShutdown = "shutdown"
)

func NewSignalCommand(msg SignalingMessage) (AgentCommand, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return AgentCommand{}, fmt.Errorf("marshal signal: %w", err)
	}
	return AgentCommand{Cmd: AgentCmdSignal, Data: data}, nil
}

func ShutdownCommand() AgentCommand {
	return AgentCommand{Cmd: AgentCmdShutdown}
}

// DecodeSignal unwraps the Data field of a "signal" command.
func (c AgentCommand) DecodeSignal() (SignalingMessage, error) {
	var msg SignalingMessage
	if err := json.Unmarshal(c.Data, &msg); err != nil {
		return SignalingMessage{}, fmt.Errorf("unmarshal signal data: %w", err)
	}
	return msg, nil
}

// InputEvent is the compact wire format carried on the "input" data
// channel, tagged by the short field "t". File-transfer variants (fs, fc,
// fd, fdr) are reserved tags only — FileTransferManager is out of core
// scope (see SPEC_FULL.md §9) and no handler decodes them.
type InputEvent struct {
	T       string  `json:"t"`
	C       uint16  `json:"c,omitempty"`        // key: evdev code
	D       bool    `json:"d,omitempty"`        // key/button: pressed
	X       float64 `json:"x,omitempty"`        // mouse move: normalized [0,1]
	Y       float64 `json:"y,omitempty"`        // mouse move: normalized [0,1]
	DX      float64 `json:"dx,omitempty"`       // relative move / scroll
	DY      float64 `json:"dy,omitempty"`       // relative move / scroll
	B       uint8   `json:"b,omitempty"`        // button index 0/1/2
	Text    string  `json:"text,omitempty"`     // clipboard payload
	W       uint32  `json:"w,omitempty"`        // resize width
	H       uint32  `json:"h,omitempty"`        // resize height
	Layout  string  `json:"layout,omitempty"`   // keyboard layout name
	Mode    string  `json:"mode,omitempty"`     // quality mode "high"/"low"
	Visible *bool   `json:"visible,omitempty"`  // browser tab visibility
}

const (
	InputTypeKey              = "k"
	InputTypeMouseMove        = "m"
	InputTypeRelativeMouse    = "rm"
	InputTypeButton           = "b"
	InputTypeScroll           = "s"
	InputTypeClipboard        = "c"
	InputTypeClipboardPrimary = "cp"
	InputTypeResize           = "r"
	InputTypeLayout           = "l"
	InputTypeQuality          = "q"
	InputTypeVisibilityState  = "vs"
	InputTypeFileStart        = "fs"
	InputTypeFileChunk        = "fc"
	InputTypeFileDone         = "fd"
	InputTypeFileDownloadReq  = "fdr"
)

// AuthRequest is the POST /api/auth/login body. Password is never logged;
// callers must use String(), not %+v, when formatting for logs.
type AuthRequest struct {
	Username        string  `json:"username"`
	Password        string  `json:"password"`
	ViewportWidth   *uint32 `json:"viewport_width,omitempty"`
	ViewportHeight  *uint32 `json:"viewport_height,omitempty"`
	IdleTimeout     *uint64 `json:"idle_timeout,omitempty"`
}

// String redacts the password, for safe logging.
func (r AuthRequest) String() string {
	return fmt.Sprintf("AuthRequest{Username:%q, Password:[REDACTED]}", r.Username)
}

type AuthResponse struct {
	Token        string     `json:"token"`
	SessionID    uuid.UUID  `json:"session_id"`
	ReleaseToken string     `json:"release_token,omitempty"`
	IdleTimeout  *uint64    `json:"idle_timeout,omitempty"`
}

type IceServerInfo struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Display   uint32    `json:"display"`
	Width     uint32    `json:"width"`
	Height    uint32    `json:"height"`
	CreatedAt int64     `json:"created_at"`
}
