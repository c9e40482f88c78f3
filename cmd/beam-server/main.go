// Command beam-server is the orchestrator: it terminates TLS, authenticates
// users, owns the session table, spawns per-session beam-agent processes,
// and brokers signaling between browsers and agents. Grounded on
// cmd/bunghole/main.go's flag-parsing/signal-handling shape and
// server/src/main.rs's startup sequence (load config, load/generate JWT
// secret, restore persisted sessions, start the idle reaper, bind TLS).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"beam/internal/auth"
	"beam/internal/httpapi"
	"beam/internal/protocol"
	"beam/internal/session"
	"beam/internal/signaling"
	beamtls "beam/internal/tls"
	"beam/internal/xserver"
)

var (
	flagConfig      = flag.String("config", "/etc/beam/beam.toml", "path to BeamConfig TOML file (missing file uses built-in defaults)")
	flagBind        = flag.String("bind", "", "override server.bind")
	flagPort        = flag.Uint("port", 0, "override server.port")
	flagDataDir     = flag.String("data-dir", "/var/lib/beam", "directory for persisted sessions and the JWT secret")
	flagAgentBinary = flag.String("agent-binary", "/usr/local/bin/beam-agent", "path to the beam-agent executable")
	flagLocalUser   = flag.String("dev-user", "", "dev convenience: username for an in-process LocalAuthenticator entry")
	flagLocalPass   = flag.String("dev-pass", "", "dev convenience: password for -dev-user")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := protocol.DefaultBeamConfig()
	if data, err := os.ReadFile(*flagConfig); err == nil {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			log.Fatal().Err(err).Str("path", *flagConfig).Msg("failed to parse config")
		}
	} else if !os.IsNotExist(err) {
		log.Fatal().Err(err).Str("path", *flagConfig).Msg("failed to read config")
	}
	if *flagBind != "" {
		cfg.Server.Bind = *flagBind
	}
	if *flagPort != 0 {
		cfg.Server.Port = uint16(*flagPort)
	}

	if err := os.MkdirAll(*flagDataDir, 0700); err != nil {
		log.Fatal().Err(err).Msg("failed to create data dir")
	}

	secretPath := cfg.Server.JWTSecret
	if secretPath == "" {
		secretPath = *flagDataDir + "/jwt_secret"
	}
	jwtSecret, err := auth.LoadOrGenerateSecret(secretPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load or generate JWT secret")
	}

	authn := auth.NewLocalAuthenticator()
	if *flagLocalUser != "" {
		if err := authn.SetPassword(*flagLocalUser, *flagLocalPass); err != nil {
			log.Fatal().Err(err).Msg("failed to set dev user password")
		}
		log.Warn().Str("user", *flagLocalUser).Msg("dev authenticator user configured — do not use in production")
	}

	signalingRegistry := signaling.NewRegistry(log)

	mgr := session.NewManager(session.Config{
		MaxSessions:     cfg.Session.MaxSessions,
		DisplayStart:    cfg.Session.DisplayStart,
		DataDir:         *flagDataDir,
		AgentBinaryPath: *flagAgentBinary,
		StartDisplay:    xserverDisplayStarter(log),
		AgentVideo: session.AgentVideoParams{
			Framerate:   cfg.Video.Framerate,
			Bitrate:     cfg.Video.Bitrate,
			MinBitrate:  cfg.Video.MinBitrate,
			MaxBitrate:  cfg.Video.MaxBitrate,
			Encoder:     cfg.Video.Encoder,
			TLSCertPath: cfg.Server.TLSCert,
		},
	}, log)

	for _, id := range mgr.Restore() {
		signalingRegistry.Register(id)
	}

	apiSrv := &httpapi.Server{
		Manager:   mgr,
		Signaling: signalingRegistry,
		JWTSecret: jwtSecret,
		Authn:     authn,
		Log:       log,
		IceServers: func() []protocol.IceServerInfo {
			return iceServersFromConfig(cfg.Ice)
		},
	}

	reaperStop := make(chan struct{})
	go mgr.RunIdleReaper(60*time.Second, reaperStop)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: apiSrv.NewMux(),
	}

	tlsCfg, err := loadOrSelfSignTLS(cfg.Server.TLSCert, cfg.Server.TLSKey, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure TLS")
	}
	httpServer.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("orchestrator listening (TLS)")
		errCh <- httpServer.ListenAndServeTLS("", "")
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server exited")
		}
	case sig := <-sigCh:
		log.Info().Stringer("signal", sig).Msg("shutting down")
	}

	close(reaperStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	// Persistence failure on shutdown falls back to destroying every
	// session outright (SPEC_FULL.md §7) rather than leaving orphaned
	// agents the orchestrator can no longer account for.
	if err := mgr.Persist(); err != nil {
		log.Error().Err(err).Msg("failed to persist sessions, destroying all")
		mgr.Shutdown()
	}
}

// xserverDisplayStarter adapts internal/xserver's auto-discovering
// StartXServer to the session.DisplayStarter contract, which names an
// explicit display number chosen by the orchestrator's DisplayPool. The
// Xorg instance is started on exactly that number so the pool and the
// running X server never disagree about which display is whose.
func xserverDisplayStarter(log zerolog.Logger) session.DisplayStarter {
	return func(displayNum uint32, width, height uint32) (string, string, func(), error) {
		xs, err := xserver.StartXServerOnDisplay(int(displayNum), fmt.Sprintf("%dx%d", width, height), 0)
		if err != nil {
			return "", "", nil, err
		}
		if err := xs.StartDesktopSession(fmt.Sprintf("%dx%d", width, height), ""); err != nil {
			log.Warn().Err(err).Str("display", xs.Display).Msg("failed to start desktop session")
		}
		return xs.Display, xs.Xauthority, xs.Stop, nil
	}
}

// loadOrSelfSignTLS loads a certificate/key pair from disk when both paths
// are configured, falling back to an ephemeral self-signed certificate
// (internal/tls, kept nearly verbatim from the teacher) otherwise. TLS
// certificate provisioning proper (ACME, etc.) is an external collaborator
// per SPEC_FULL.md §1/§6.
func loadOrSelfSignTLS(certPath, keyPath string, log zerolog.Logger) (*tls.Config, error) {
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert/key: %w", err)
		}
		log.Info().Str("cert", certPath).Msg("loaded TLS certificate from disk")
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	log.Warn().Msg("no TLS cert/key configured, generating a self-signed certificate")
	return beamtls.SelfSigned()
}

func iceServersFromConfig(cfg protocol.IceConfig) []protocol.IceServerInfo {
	servers := make([]protocol.IceServerInfo, 0, len(cfg.StunURLs)+len(cfg.TurnURLs))
	for _, u := range cfg.StunURLs {
		servers = append(servers, protocol.IceServerInfo{URLs: []string{u}})
	}
	if len(cfg.TurnURLs) > 0 {
		servers = append(servers, protocol.IceServerInfo{
			URLs:       cfg.TurnURLs,
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnCredential,
		})
	}
	return servers
}
