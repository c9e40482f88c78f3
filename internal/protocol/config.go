package protocol

// BeamConfig is the orchestrator's top-level configuration tree, loaded
// from a TOML file and overridable by CLI flags. Defaults mirror the Rust
// precursor's protocol/src/config.rs exactly.
type BeamConfig struct {
	Server  ServerConfig  `toml:"server"`
	Video   VideoConfig   `toml:"video"`
	Audio   AudioConfig   `toml:"audio"`
	Session SessionConfig `toml:"session"`
	Ice     IceConfig     `toml:"ice"`
}

type ServerConfig struct {
	Bind      string `toml:"bind"`
	Port      uint16 `toml:"port"`
	TLSCert   string `toml:"tls_cert"`
	TLSKey    string `toml:"tls_key"`
	JWTSecret string `toml:"jwt_secret"`
	WebRoot   string `toml:"web_root"`
}

type VideoConfig struct {
	Bitrate    uint32 `toml:"bitrate"`
	MinBitrate uint32 `toml:"min_bitrate"`
	MaxBitrate uint32 `toml:"max_bitrate"`
	Framerate  uint32 `toml:"framerate"`
	Encoder    string `toml:"encoder"`
	MaxWidth   uint32 `toml:"max_width"`
	MaxHeight  uint32 `toml:"max_height"`
}

type AudioConfig struct {
	Enabled bool   `toml:"enabled"`
	Bitrate uint32 `toml:"bitrate"`
}

// IceConfig holds STUN/TURN server configuration for WebRTC NAT traversal.
// Without TURN, WebRTC fails behind symmetric NATs.
type IceConfig struct {
	StunURLs      []string `toml:"stun_urls"`
	TurnURLs      []string `toml:"turn_urls"`
	TurnUsername  string   `toml:"turn_username"`
	TurnCredential string  `toml:"turn_credential"`
}

type SessionConfig struct {
	DefaultWidth  uint32 `toml:"default_width"`
	DefaultHeight uint32 `toml:"default_height"`
	DisplayStart  uint32 `toml:"display_start"`
	MaxSessions   uint32 `toml:"max_sessions"`
	IdleTimeout   uint64 `toml:"idle_timeout"`
}

// DefaultBeamConfig returns the built-in defaults, applied before a TOML
// file or CLI flags are layered on top.
func DefaultBeamConfig() BeamConfig {
	return BeamConfig{
		Server: ServerConfig{
			Bind:    "0.0.0.0",
			Port:    8443,
			WebRoot: "web/dist",
		},
		Video: VideoConfig{
			Bitrate:    5000,
			MinBitrate: 500,
			MaxBitrate: 20000,
			Framerate:  60,
			MaxWidth:   3840,
			MaxHeight:  2160,
		},
		Audio: AudioConfig{
			Enabled: true,
			Bitrate: 128,
		},
		Session: SessionConfig{
			DefaultWidth:  1920,
			DefaultHeight: 1080,
			DisplayStart:  10,
			MaxSessions:   8,
			IdleTimeout:   3600,
		},
		Ice: IceConfig{
			StunURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
	}
}

// AgentDefaultBitrateKbps is the agent CLI's default initial bitrate.
// The Rust precursor carried two conflicting constants for this
// (cli.rs: 50_000, main.rs: 100_000); main.rs owns the binary's actual
// argument parsing, so 100_000 is authoritative here. See DESIGN.md.
const AgentDefaultBitrateKbps = 100_000

// AgentDefaultFramerate matches agent/src/cli.rs's DEFAULT_FRAMERATE.
const AgentDefaultFramerate = 120
