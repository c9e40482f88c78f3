// Package session implements the orchestrator's session table: display
// number allocation, agent process spawning, persistence across restarts,
// and idle reaping. Grounded almost line-for-line on server/src/session.rs
// of the Rust precursor.
package session

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"beam/internal/auth"
	"beam/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DisplayStarter starts (or locates) an X display for a newly allocated
// display number and returns the DISPLAY string and Xauthority path to
// hand the agent, plus a teardown function. Implemented by
// internal/xserver for production use.
type DisplayStarter func(displayNum uint32, width, height uint32) (displayName, xauthority string, teardown func(), err error)

// ManagedSession is one orchestrator-side record of a running agent.
type ManagedSession struct {
	Info protocol.SessionInfo

	Display       uint32
	DisplayName   string
	Xauthority    string
	AgentToken    string
	IdleTimeoutS  uint64
	displayStop   func()

	mu           sync.Mutex
	agentProcess *os.Process // nil once taken by a monitor, or after restore
	agentPID     int

	lastActivity atomic.Int64 // unix seconds
}

func (s *ManagedSession) touch() {
	s.lastActivity.Store(time.Now().Unix())
}

func (s *ManagedSession) idleFor() time.Duration {
	last := s.lastActivity.Load()
	return time.Since(time.Unix(last, 0))
}

// TakeAgentProcess removes and returns the *os.Process handle so a
// separate monitor goroutine can Wait() on it without racing Destroy's own
// wait. Returns nil if already taken.
func (s *ManagedSession) TakeAgentProcess() *os.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.agentProcess
	s.agentProcess = nil
	return p
}

// Manager owns the session table, the display pool, and agent spawning.
type Manager struct {
	log zerolog.Logger

	mu          sync.RWMutex
	sessions    map[uuid.UUID]*ManagedSession
	displayPool *DisplayPool
	maxSessions int

	dataDir         string // e.g. /var/lib/beam
	agentBinaryPath string
	spawnAgent      AgentSpawner
	startDisplay    DisplayStarter
}

// AgentSpawner starts the per-session agent process. Implemented in
// spawn.go using uid/gid-dropping exec, but pluggable for tests.
type AgentSpawner func(sess *ManagedSession, serverURL string) (*os.Process, error)

type Config struct {
	MaxSessions     uint32
	DisplayStart    uint32
	DataDir         string
	AgentBinaryPath string
	StartDisplay    DisplayStarter
	SpawnAgent      AgentSpawner // nil uses the default uid/gid-dropping spawner
	AgentVideo      AgentVideoParams
}

func NewManager(cfg Config, log zerolog.Logger) *Manager {
	spawner := cfg.SpawnAgent
	if spawner == nil {
		spawner = DefaultAgentSpawner(cfg.AgentBinaryPath, cfg.AgentVideo, log)
	}
	return &Manager{
		log:             log,
		sessions:        make(map[uuid.UUID]*ManagedSession),
		displayPool:     NewDisplayPool(cfg.DisplayStart),
		maxSessions:     int(cfg.MaxSessions),
		dataDir:         cfg.DataDir,
		agentBinaryPath: cfg.AgentBinaryPath,
		spawnAgent:      spawner,
		startDisplay:    cfg.StartDisplay,
	}
}

// FindByUsername returns an existing session for username, if any — used
// by /api/auth/login to avoid spawning duplicate agents for the same user.
func (m *Manager) FindByUsername(username string) (*ManagedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Info.Username == username {
			return s, true
		}
	}
	return nil, false
}

func (m *Manager) GetSession(id uuid.UUID) (*ManagedSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) ListSessions(username string) []protocol.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Info.Username == username {
			out = append(out, s.Info)
		}
	}
	return out
}

func (m *Manager) Heartbeat(id uuid.UUID) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.touch()
	return true
}

func (m *Manager) VerifyAgentToken(id uuid.UUID, token string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return auth.VerifyToken(s.AgentToken, token)
}

// CreateSession reserves a slot and a display number under the write lock,
// then spawns the agent outside the lock (spawning can block on process
// start and must not stall readers of the session table). On spawn
// failure, both the slot and the display number are rolled back.
func (m *Manager) CreateSession(username string, width, height uint32, idleTimeout uint64, serverURL string) (*ManagedSession, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, protocol.ErrSessionFull
	}
	display := m.displayPool.Allocate()
	id := uuid.New()
	token, err := auth.GenerateAgentToken()
	if err != nil {
		m.displayPool.Release(display)
		m.mu.Unlock()
		return nil, fmt.Errorf("generate agent token: %w", err)
	}

	sess := &ManagedSession{
		Info: protocol.SessionInfo{
			ID: id, Username: username, Display: display,
			Width: width, Height: height, CreatedAt: time.Now().Unix(),
		},
		Display:      display,
		AgentToken:   token,
		IdleTimeoutS: idleTimeout,
	}
	sess.touch()
	m.sessions[id] = sess // reserve the slot before releasing the lock
	m.mu.Unlock()

	cleanStaleDisplayFiles(display)

	if m.startDisplay != nil {
		displayName, xauthority, teardown, err := m.startDisplay(display, width, height)
		if err != nil {
			m.rollbackCreate(id, display)
			return nil, fmt.Errorf("start display: %w", err)
		}
		sess.DisplayName = displayName
		sess.Xauthority = xauthority
		sess.displayStop = teardown
	}

	proc, err := m.spawnAgent(sess, serverURL)
	if err != nil {
		if sess.displayStop != nil {
			sess.displayStop()
		}
		m.rollbackCreate(id, display)
		return nil, fmt.Errorf("spawn agent: %w", err)
	}
	sess.agentProcess = proc
	sess.agentPID = proc.Pid

	m.log.Info().Stringer("session", id).Str("username", username).Uint32("display", display).
		Int("pid", proc.Pid).Msg("session created")
	return sess, nil
}

func (m *Manager) rollbackCreate(id uuid.UUID, display uint32) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.displayPool.Release(display)
	m.mu.Unlock()
}

// DestroySession removes the session, SIGTERMs the agent by its stored
// PID, waits up to 5s for exit (falling back to PID polling if a monitor
// goroutine has already taken the Child handle), then releases the
// display. No caller ever waits more than 5s.
func (m *Manager) DestroySession(id uuid.UUID) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return protocol.ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.terminateAgent(sess)

	if sess.displayStop != nil {
		sess.displayStop()
	}

	m.mu.Lock()
	m.displayPool.Release(sess.Display)
	m.mu.Unlock()

	m.log.Info().Stringer("session", id).Msg("session destroyed")
	return nil
}

func (m *Manager) terminateAgent(sess *ManagedSession) {
	proc := sess.TakeAgentProcess()
	pid := sess.agentPID
	if pid == 0 {
		return
	}

	if err := terminateByPID(pid); err != nil {
		m.log.Debug().Err(err).Int("pid", pid).Msg("SIGTERM delivery failed, will poll and escalate")
	}

	if proc != nil {
		exited := make(chan struct{})
		go func() {
			proc.Wait()
			close(exited)
		}()
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			killByPID(pid)
		}
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	// Still alive after 5s — escalate to SIGKILL.
	killByPID(pid)
}

// StaleSessions returns session ids whose last activity exceeds maxIdle.
// maxIdle == 0 disables idle reaping entirely.
func (m *Manager) StaleSessions(maxIdle time.Duration) []uuid.UUID {
	if maxIdle <= 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stale []uuid.UUID
	for id, s := range m.sessions {
		if s.idleFor() > maxIdle {
			stale = append(stale, id)
		}
	}
	return stale
}

// RunIdleReaper destroys sessions idle past their configured timeout every
// interval, until stop is closed.
func (m *Manager) RunIdleReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.RLock()
			var stale []uuid.UUID
			for id, s := range m.sessions {
				if s.IdleTimeoutS > 0 && s.idleFor() > time.Duration(s.IdleTimeoutS)*time.Second {
					stale = append(stale, id)
				}
			}
			m.mu.RUnlock()
			for _, id := range stale {
				if err := m.DestroySession(id); err != nil {
					m.log.Warn().Err(err).Stringer("session", id).Msg("idle reap failed")
				}
			}
		}
	}
}

// Shutdown destroys every session; used when persistence fails on
// graceful shutdown (SPEC_FULL.md §7: "Persistence failure on shutdown:
// fall back to destroying all sessions").
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.DestroySession(id)
	}
}

func cleanStaleDisplayFiles(display uint32) {
	os.Remove(fmt.Sprintf("/tmp/.X%d-lock", display))
	os.Remove(fmt.Sprintf("/tmp/beam-xorg-%d.conf", display))
	os.Remove(fmt.Sprintf("/tmp/beam-pulse-%d.pa", display))
	os.RemoveAll(fmt.Sprintf("/tmp/beam-pulse-%d", display))
}

// syscallSignal0 probes a PID without sending a real signal: FindProcess
// always succeeds on Unix, so this is the actual liveness check.
var syscallSignal0 = syscall.Signal(0)

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscallSignal0) == nil
}
