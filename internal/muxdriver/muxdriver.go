// Package muxdriver wraps the tmux CLI for terminal-multiplexer session
// lifecycle: create, send-keys, interrupt, kill, liveness, list, capture.
package muxdriver

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pyyush/agent-pager-sub000/internal/gatewaylimits"
)

// Driver shells out to tmux, always via argument-vector exec (never shell
// interpolation) and always bounded by gatewaylimits.MuxCommandTimeout.
type Driver struct {
	binary string
}

// New returns a Driver using the given tmux binary name (pass "tmux" for
// the default PATH lookup).
func New(binary string) *Driver {
	if binary == "" {
		binary = "tmux"
	}
	return &Driver{binary: binary}
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gatewaylimits.MuxCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("tmux %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Create starts a new detached session named name running command in dir.
func (d *Driver) Create(ctx context.Context, name, dir, command string) error {
	_, err := d.run(ctx, "new-session", "-d", "-s", name, "-c", dir, command)
	return err
}

// SendText sends literal text followed by Enter to name's active pane.
func (d *Driver) SendText(ctx context.Context, name, text string) error {
	_, err := d.run(ctx, "send-keys", "-t", name, text, "Enter")
	return err
}

// Interrupt sends Ctrl-C to name's active pane.
func (d *Driver) Interrupt(ctx context.Context, name string) error {
	_, err := d.run(ctx, "send-keys", "-t", name, "C-c")
	return err
}

// Kill terminates session name. It returns tmux's error when the session
// does not exist; it does not check IsAlive first.
func (d *Driver) Kill(ctx context.Context, name string) error {
	_, err := d.run(ctx, "kill-session", "-t", name)
	return err
}

// IsAlive reports whether session name currently exists.
func (d *Driver) IsAlive(ctx context.Context, name string) bool {
	_, err := d.run(ctx, "has-session", "-t", name)
	return err == nil
}

// List returns the names of every live tmux session. An empty result (no
// server running) is not an error.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoServerError(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CapturePane returns the last n lines of name's active pane.
func (d *Driver) CapturePane(ctx context.Context, name string, n int) (string, error) {
	startLine := "-" + strconv.Itoa(n)
	out, err := d.run(ctx, "capture-pane", "-t", name, "-p", "-S", startLine)
	if err != nil {
		return "", err
	}
	if len(out) > gatewaylimits.MaxTerminalBufferBytes {
		out = out[len(out)-gatewaylimits.MaxTerminalBufferBytes:]
	}
	return out, nil
}

// isNoServerError reports whether err represents tmux's "no server running"
// condition, which List treats as an empty session set rather than failure.
func isNoServerError(err error) bool {
	return strings.Contains(err.Error(), "no server running") ||
		strings.Contains(err.Error(), "error connecting")
}
