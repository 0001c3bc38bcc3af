// Package sandbox runs validation commands inside throwaway Docker
// containers via the docker CLI.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ticketpilot/ticketpilot/workflow"
)

// Runner implements workflow.SandboxExecutor. One container is started
// per RunWithContainer call and removed when the call returns, so a
// sequence of commands shares filesystem state without surviving the
// run.
type Runner struct {
	image string
}

// NewRunner creates a runner using the given container image.
func NewRunner(image string) *Runner {
	return &Runner{image: image}
}

// RunWithContainer starts a container with the profile's resource
// limits, hands an exec handle to fn, and always tears the container
// down afterwards.
func (r *Runner) RunWithContainer(ctx context.Context, profile workflow.SandboxProfile, binds []string, fn func(workflow.SandboxExec) error) error {
	name := containerName(profile.Role)

	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"--cpus", fmt.Sprintf("%d", profile.CPUs),
		"--memory", profile.Memory,
		"--network", profile.Network,
		"--workdir", "/workspace",
	}
	for _, b := range binds {
		args = append(args, "-v", b)
	}
	args = append(args, r.image, "sleep", "infinity")

	if out, err := docker(ctx, args...); err != nil {
		return fmt.Errorf("failed to start sandbox container: %w: %s", err, out)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		docker(rmCtx, "rm", "-f", name)
	}()

	return fn(&containerExec{name: name, timeout: profile.Timeout})
}

type containerExec struct {
	name    string
	timeout time.Duration
}

// Exec runs argv inside the container. A non-zero exit lands in the
// result, not the error; errors mean the container itself misbehaved.
func (e *containerExec) Exec(ctx context.Context, argv []string) (workflow.SandboxResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := append([]string{"exec", e.name}, argv...)

	// docker exec occasionally drops the connection on a freshly
	// started container; retry before giving up.
	var out string
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		out, err = docker(ctx, args...)
		if err == nil || !transient(out, err) {
			break
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		case <-ctx.Done():
			return workflow.SandboxResult{}, ctx.Err()
		}
	}

	// docker exec merges the command's streams into one; report it as
	// stdout.
	if err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			return workflow.SandboxResult{ExitCode: exit.ExitCode(), Stdout: out}, nil
		}
		return workflow.SandboxResult{}, fmt.Errorf("docker exec failed: %w: %s", err, out)
	}
	return workflow.SandboxResult{Stdout: out}, nil
}

func transient(out string, err error) bool {
	if _, ok := err.(*exec.ExitError); ok {
		return false
	}
	msg := out + err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset")
}

func containerName(role string) string {
	var b [6]byte
	rand.Read(b[:])
	return "tp-" + role + "-" + hex.EncodeToString(b[:])
}

func docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
