package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"beam/internal/protocol"

	"github.com/google/uuid"
)

// sessionDir is the on-disk location for persisted session records across a
// graceful orchestrator restart. Matches server/src/session.rs's SESSION_DIR.
const sessionDir = "/var/lib/beam/sessions"

// persistedSession is the on-disk shape of one ManagedSession. Field names
// are independent of ManagedSession's so renaming in-memory fields never
// silently changes the wire format of files already on disk.
type persistedSession struct {
	SessionID  uuid.UUID `json:"session_id"`
	Username   string    `json:"username"`
	Display    uint32    `json:"display"`
	Width      uint32    `json:"width"`
	Height     uint32    `json:"height"`
	CreatedAt  int64     `json:"created_at"`
	AgentPID   int       `json:"agent_pid"`
	AgentToken string    `json:"agent_token"`
}

// Persist writes every active session to sessionDir so a restarted
// orchestrator can re-adopt the still-running agents. Agents are left
// running; only the bookkeeping is serialized. Each file is written to a
// .tmp path and renamed into place so a crash mid-write never leaves a
// half-written session file for Restore to trip over.
func (m *Manager) Persist() error {
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return fmt.Errorf("create session persistence dir: %w", err)
	}

	if entries, err := os.ReadDir(sessionDir); err == nil {
		for _, ent := range entries {
			os.Remove(filepath.Join(sessionDir, ent.Name()))
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for id, sess := range m.sessions {
		sess.mu.Lock()
		pid := sess.agentPID
		sess.mu.Unlock()
		if pid == 0 {
			continue
		}

		rec := persistedSession{
			SessionID:  id,
			Username:   sess.Info.Username,
			Display:    sess.Info.Display,
			Width:      sess.Info.Width,
			Height:     sess.Info.Height,
			CreatedAt:  sess.Info.CreatedAt,
			AgentPID:   pid,
			AgentToken: sess.AgentToken,
		}

		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", id, err)
		}

		path := filepath.Join(sessionDir, id.String()+".json")
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", tmpPath, err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("rename %s: %w", tmpPath, err)
		}
		count++
	}

	m.log.Info().Int("count", count).Msg("persisted sessions to disk")
	return nil
}

// Restore reads back every session file in sessionDir, verifying the
// recorded agent PID is still alive before re-adopting it. A session whose
// agent has died, or whose file is unreadable or malformed, is dropped and
// its file removed. Restored sessions have no *os.Process handle — the new
// orchestrator process never forked them — so DestroySession falls back
// entirely to signal-by-PID for them.
func (m *Manager) Restore() []uuid.UUID {
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		return nil
	}

	now := time.Now().Unix()
	var restored []uuid.UUID

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(sessionDir, ent.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("failed to read session file")
			os.Remove(path)
			continue
		}

		var rec persistedSession
		if err := json.Unmarshal(data, &rec); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("failed to parse session file")
			os.Remove(path)
			continue
		}

		if !pidAliveAndIsAgent(rec.AgentPID) {
			m.log.Info().Stringer("session", rec.SessionID).Int("pid", rec.AgentPID).
				Msg("agent no longer alive, skipping restore")
			os.Remove(path)
			continue
		}

		m.mu.Lock()
		m.displayPool.Reserve(rec.Display)
		m.sessions[rec.SessionID] = &ManagedSession{
			Info: protocol.SessionInfo{
				ID:        rec.SessionID,
				Username:  rec.Username,
				Display:   rec.Display,
				Width:     rec.Width,
				Height:    rec.Height,
				CreatedAt: rec.CreatedAt,
			},
			Display:      rec.Display,
			AgentToken:   rec.AgentToken,
			agentPID:     rec.AgentPID,
			agentProcess: nil, // orphaned: no Child handle across the restart
		}
		m.sessions[rec.SessionID].lastActivity.Store(now)
		m.mu.Unlock()

		restored = append(restored, rec.SessionID)
		m.log.Info().Stringer("session", rec.SessionID).Str("username", rec.Username).
			Uint32("display", rec.Display).Int("pid", rec.AgentPID).Msg("restored session from disk")

		os.Remove(path)
	}

	return restored
}

// pidAliveAndIsAgent verifies pid both exists and still looks like a
// beam-agent process, guarding against a restart racing a PID reuse by the
// kernel assigning the same number to an unrelated process.
func pidAliveAndIsAgent(pid int) bool {
	if pid <= 0 || !pidAlive(pid) {
		return false
	}
	comm, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		// /proc unavailable (non-Linux, or already reaped) — trust the
		// liveness check alone rather than refusing to restore.
		return true
	}
	return strings.Contains(string(comm), "beam-agent")
}
