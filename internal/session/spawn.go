package session

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// AgentVideoParams carries the orchestrator's configured video defaults
// through to each spawned agent's command line.
type AgentVideoParams struct {
	Framerate      uint32
	Bitrate        uint32
	MinBitrate     uint32
	MaxBitrate     uint32
	Encoder        string // empty lets the agent auto-probe NVIDIA/VA-API/software
	TLSCertPath    string
	IceServersJSON string
}

// DefaultAgentSpawner builds the production AgentSpawner: it execs
// agentBinaryPath with the session's display/size/token wired in, dropping
// privileges to the session's Unix user when one exists. Grounded on
// server/src/session.rs's spawn_agent.
func DefaultAgentSpawner(agentBinaryPath string, video AgentVideoParams, log zerolog.Logger) AgentSpawner {
	return func(sess *ManagedSession, serverURL string) (*os.Process, error) {
		displayStr := fmt.Sprintf(":%d", sess.Display)

		args := []string{
			"--display", displayStr,
			"--session-id", sess.Info.ID.String(),
			"--server-url", serverURL,
			"--width", strconv.FormatUint(uint64(sess.Info.Width), 10),
			"--height", strconv.FormatUint(uint64(sess.Info.Height), 10),
			"--framerate", strconv.FormatUint(uint64(video.Framerate), 10),
			"--bitrate", strconv.FormatUint(uint64(video.Bitrate), 10),
			"--min-bitrate", strconv.FormatUint(uint64(video.MinBitrate), 10),
			"--max-bitrate", strconv.FormatUint(uint64(video.MaxBitrate), 10),
		}
		if video.Encoder != "" {
			args = append(args, "--encoder", video.Encoder)
		}
		if video.TLSCertPath != "" {
			args = append(args, "--tls-cert", video.TLSCertPath)
		}
		if video.IceServersJSON != "" {
			args = append(args, "--ice-servers", video.IceServersJSON)
		}

		cmd := exec.Command(agentBinaryPath, args...)

		env := append(os.Environ(),
			// Passed via environment, never argv: /proc/<pid>/cmdline is
			// world-readable, and the agent token must not leak there.
			"BEAM_AGENT_TOKEN="+sess.AgentToken,
			"DISPLAY="+displayStr,
		)
		if sess.Xauthority != "" {
			env = append(env, "XAUTHORITY="+sess.Xauthority)
		}

		if u, lookupErr := user.Lookup(sess.Info.Username); lookupErr == nil {
			uid, gid, err := parseUidGid(u)
			if err != nil {
				log.Warn().Err(err).Str("username", sess.Info.Username).Msg("failed to parse uid/gid, running agent as current user")
			} else {
				log.Info().Str("username", sess.Info.Username).Uint32("uid", uid).Uint32("gid", gid).Msg("running agent as user")

				cmd.SysProcAttr = &syscall.SysProcAttr{
					Credential: &syscall.Credential{
						Uid: uid,
						Gid: gid,
					},
				}
				// syscall.Credential does not run initgroups, so the
				// supplementary-group list (input/video/render) is resolved
				// here and attached through Credential.Groups.
				if groups, err := lookupSupplementaryGroups(u); err == nil {
					cmd.SysProcAttr.Credential.Groups = groups
				}

				env = append(env,
					"HOME="+u.HomeDir,
					"USER="+sess.Info.Username,
					"LOGNAME="+sess.Info.Username,
				)

				runtimeDir := fmt.Sprintf("/run/user/%d", uid)
				if err := os.MkdirAll(runtimeDir, 0700); err == nil {
					unix.Chown(runtimeDir, int(uid), int(gid))
				}
				env = append(env, "XDG_RUNTIME_DIR="+runtimeDir)
			}
		} else {
			log.Warn().Str("username", sess.Info.Username).Msg("user not found in system, running agent as current user")
		}

		cmd.Env = env

		// Never use an unread pipe for stdout/stderr: the 64KB pipe buffer
		// fills and blocks the agent once it logs enough.
		logPath := fmt.Sprintf("/tmp/beam-agent-%s.log", sess.Info.ID)
		logFile, err := os.Create(logPath)
		if err != nil {
			return nil, fmt.Errorf("create agent log %s: %w", logPath, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile

		if err := cmd.Start(); err != nil {
			logFile.Close()
			return nil, fmt.Errorf("spawn beam-agent for display %s: %w", displayStr, err)
		}
		logFile.Close() // the child keeps its own fd via dup on exec

		log.Info().Stringer("session", sess.Info.ID).Str("display", displayStr).
			Int("pid", cmd.Process.Pid).Msg("agent process spawned")

		return cmd.Process, nil
	}
}

// parseUidGid extracts numeric uid/gid from a *user.User, which always
// stores them as decimal strings even though the type is untyped.
func parseUidGid(u *user.User) (uid, gid uint32, err error) {
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return uint32(uid64), uint32(gid64), nil
}

// lookupSupplementaryGroups resolves the groups a user belongs to (e.g.
// input, video, render) so the agent can open /dev/dri and /dev/input
// devices without running as root.
func lookupSupplementaryGroups(u *user.User) ([]uint32, error) {
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(gids))
	for _, g := range gids {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

// terminateByPID sends SIGTERM to pid, the first step of DestroySession's
// graceful-then-forceful shutdown.
func terminateByPID(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}

// killByPID escalates to SIGKILL once the 5s grace period in
// Manager.terminateAgent elapses.
func killByPID(pid int) {
	unix.Kill(pid, unix.SIGKILL)
}
