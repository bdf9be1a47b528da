/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tmux drives the tmux binary. Every operation targets a
// session by exact name (tmux's '=' match flag) and runs under a hard
// wall-clock timeout so a wedged server never stalls a connection.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/defaults"
	"github.com/termgate/termgate/lib/utils"
)

// SessionInfo describes one multiplexer session.
type SessionInfo struct {
	// Name is the full session name.
	Name string `json:"name"`
	// Created is when the session was spawned.
	Created time.Time `json:"created"`
	// LastActivity is the server's last-activity timestamp for the
	// session, used by the stale session reaper.
	LastActivity time.Time `json:"lastActivity"`
}

// Config holds Adapter parameters.
type Config struct {
	// Bin is the tmux binary, resolved from PATH when relative.
	Bin string
	// SocketName isolates the gateway on its own tmux server when set
	// (tmux -L).
	SocketName string
	// CallTimeout bounds one tmux invocation.
	CallTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Bin == "" {
		c.Bin = defaults.TmuxBin
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaults.TmuxCallTimeout
	}
	return nil
}

// runFunc executes one tmux invocation and returns stdout, stderr and
// the process error. Tests substitute their own.
type runFunc func(ctx context.Context, bin string, args []string) ([]byte, []byte, error)

// Adapter abstracts the terminal multiplexer for the rest of the
// gateway. It is stateless, all session state lives in the tmux server.
type Adapter struct {
	log     *log.Entry
	bin     string
	socket  string
	timeout time.Duration
	run     runFunc
}

// NewAdapter returns an Adapter for the given config.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Adapter{
		log: log.WithFields(log.Fields{
			trace.Component: termgate.ComponentTmux,
		}),
		bin:     cfg.Bin,
		socket:  cfg.SocketName,
		timeout: cfg.CallTimeout,
		run:     runCommand,
	}, nil
}

func runCommand(ctx context.Context, bin string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (a *Adapter) baseArgs() []string {
	if a.socket == "" {
		return nil
	}
	return []string{"-L", a.socket}
}

// exec runs one tmux invocation under the call timeout and collapses
// failures into the trace taxonomy.
func (a *Adapter) exec(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.log.Debugf("Running tmux %v.", args)
	stdout, stderr, err := a.run(ctx, a.bin, append(a.baseArgs(), args...))
	if err == nil {
		return stdout, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, trace.ConnectionProblem(err, "tmux %v timed out after %v", args[0], a.timeout)
	}
	message := strings.TrimSpace(string(stderr))
	if isMissingSession(message) {
		return nil, trace.NotFound("session not found")
	}
	if message == "" {
		message = err.Error()
	}
	return nil, trace.WrapWithMessage(err, "tmux %v failed: %v", args[0], message)
}

func isMissingSession(stderr string) bool {
	return strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "no server running")
}

// CheckAvailable verifies the tmux binary can be executed. The gateway
// refuses to start without it.
func (a *Adapter) CheckAvailable(ctx context.Context) error {
	out, err := a.exec(ctx, "-V")
	if err != nil {
		return trace.WrapWithMessage(err, "%v not available, install tmux or set --tmux-bin", a.bin)
	}
	a.log.Infof("Using %v.", strings.TrimSpace(string(out)))
	return nil
}

// Has reports whether a session with exactly this name exists.
func (a *Adapter) Has(ctx context.Context, name string) (bool, error) {
	_, err := a.exec(ctx, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if trace.IsNotFound(err) {
		return false, nil
	}
	return false, trace.Wrap(err)
}

// Create spawns a detached session with the given dimensions and
// initial working directory, with the status bar and mouse handling
// disabled. The configuration sub-commands ride the same invocation.
func (a *Adapter) Create(ctx context.Context, name string, cols, rows int, cwd string) error {
	if cols <= 0 || rows <= 0 {
		return trace.BadParameter("invalid dimensions %vx%v", cols, rows)
	}
	if !utils.IsDir(cwd) {
		return trace.BadParameter("working directory %q is not a directory", cwd)
	}
	args := []string{
		"new-session", "-d",
		"-s", name,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
		"-c", cwd,
	}
	args = append(args, ";")
	args = append(args, configureArgs(name)...)
	_, err := a.exec(ctx, args...)
	return trace.Wrap(err)
}

// Configure re-applies the session options a resumed session relies
// on. Options survive in the tmux server, this guards against sessions
// created outside the gateway.
func (a *Adapter) Configure(ctx context.Context, name string) error {
	_, err := a.exec(ctx, configureArgs(name)...)
	return trace.Wrap(err)
}

func configureArgs(name string) []string {
	return []string{
		"set-option", "-t", "=" + name, "status", "off",
		";",
		"set-option", "-t", "=" + name, "mouse", "off",
	}
}

// Resize updates the session's window dimensions. A no-op when the
// dimensions already match.
func (a *Adapter) Resize(ctx context.Context, name string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return trace.BadParameter("invalid dimensions %vx%v", cols, rows)
	}
	_, err := a.exec(ctx, "resize-window",
		"-t", "="+name+":",
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows))
	return trace.Wrap(err)
}

// Capture returns the tail of the session's scroll buffer with escape
// sequences preserved.
func (a *Adapter) Capture(ctx context.Context, name string) ([]byte, error) {
	out, err := a.exec(ctx, "capture-pane",
		"-p", "-e", "-J",
		"-t", "="+name,
		"-S", strconv.Itoa(-defaults.ScrollbackLines))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// CwdOf returns the absolute path of the session's current working
// directory.
func (a *Adapter) CwdOf(ctx context.Context, name string) (string, error) {
	out, err := a.exec(ctx, "display-message",
		"-p",
		"-t", "="+name,
		"-F", "#{pane_current_path}")
	if err != nil {
		return "", trace.Wrap(err)
	}
	cwd := strings.TrimSpace(string(out))
	if cwd == "" {
		return "", trace.NotFound("session has no working directory")
	}
	return cwd, nil
}

// Kill destroys the session. Killing an absent session succeeds.
func (a *Adapter) Kill(ctx context.Context, name string) error {
	_, err := a.exec(ctx, "kill-session", "-t", "="+name)
	if err == nil || trace.IsNotFound(err) {
		return nil
	}
	return trace.Wrap(err)
}

// ListAll returns every session this gateway manages, in server order.
// Sessions created by other tools on the same server are filtered out
// by the product prefix.
func (a *Adapter) ListAll(ctx context.Context) ([]SessionInfo, error) {
	out, err := a.exec(ctx, "list-sessions",
		"-F", "#{session_name}\t#{session_created}\t#{session_activity}")
	if err != nil {
		// no server means no sessions
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			a.log.Warnf("Skipping malformed list-sessions line %q.", line)
			continue
		}
		if !strings.HasPrefix(fields[0], termgate.ProductName+"-") {
			continue
		}
		created, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			a.log.Warnf("Skipping session %q with bad created time %q.", fields[0], fields[1])
			continue
		}
		activity, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			a.log.Warnf("Skipping session %q with bad activity time %q.", fields[0], fields[2])
			continue
		}
		sessions = append(sessions, SessionInfo{
			Name:         fields[0],
			Created:      time.Unix(created, 0),
			LastActivity: time.Unix(activity, 0),
		})
	}
	return sessions, nil
}

// AttachCommand returns the argv that attaches a client to the
// session, for the PTY channel to spawn.
func (a *Adapter) AttachCommand(name string) (string, []string) {
	return a.bin, append(a.baseArgs(), "attach-session", "-t", "="+name)
}
