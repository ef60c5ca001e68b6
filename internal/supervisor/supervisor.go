// Package supervisor wraps the Docker Engine API as the single-host
// process supervisor the Controller drives. Worker processes are
// container-backed rather than raw os/exec children so dependency
// installs and runtime crashes stay isolated from the controller's own
// process, and so named/restartable/env-injectable lifecycle operations
// come from the Docker API instead of a hand-rolled process table.
//
// Grounded on the pack's runtime/docker package, which drives
// client.NewClientWithOpts + ContainerCreate/Start/Wait/Logs directly;
// generalized here from a one-shot run-to-completion container to a
// long-lived, named, restartable one.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/opsline-dev/branchctl/internal/errs"
)

// Status mirrors the supervisor's inferred view of a process.
type Status string

const (
	StatusOnline  Status = "online"
	StatusStopped Status = "stopped"
	StatusErrored Status = "errored"
	StatusMissing Status = "missing"
)

// callTimeout bounds connect/list/describe IPC calls so a wedged Docker
// daemon never blocks the controller indefinitely.
const callTimeout = 5 * time.Second

// ProcessInfo describes a single supervised process.
type ProcessInfo struct {
	Name   string
	Status Status
	PID    int
}

// Spec carries everything needed to start a worker process.
type Spec struct {
	Name          string
	WorkspaceDir  string
	EntrypointCmd []string
	Image         string
	Env           map[string]string
}

// Supervisor is the subset of Docker Engine operations the Controller
// needs, named by supervisor_name (the first 16 hex characters of a
// branch_hash).
type Supervisor struct {
	cli   *client.Client
	image string
}

// New returns a Supervisor backed by the Docker daemon reachable via the
// standard DOCKER_HOST/TLS environment. defaultImage is used for Spec
// values that don't set one.
func New(defaultImage string) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("supervisor: connecting to docker: %w", err)
	}
	return &Supervisor{cli: cli, image: defaultImage}, nil
}

// Name derives the supervisor name from a branch_hash hex string.
func Name(branchHashHex string) string {
	if len(branchHashHex) < 16 {
		return branchHashHex
	}
	return branchHashHex[:16]
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}

// List reports every supervised container, regardless of status.
func (s *Supervisor) List(ctx context.Context) ([]ProcessInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	containers, err := s.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "branchctl.managed=true"),
		),
	})
	if err != nil {
		return nil, classifyDockerError("supervisor.list", err)
	}

	infos := make([]ProcessInfo, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(firstName(c.Names), "/")
		infos = append(infos, ProcessInfo{
			Name:   name,
			Status: statusFromState(c.State),
		})
	}
	return infos, nil
}

// Describe reports the current status of a single named process.
// Returns StatusMissing (no error) if no such container exists.
func (s *Supervisor) Describe(ctx context.Context, name string) (*ProcessInfo, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	inspect, err := s.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &ProcessInfo{Name: name, Status: StatusMissing}, nil
		}
		return nil, classifyDockerError("supervisor.describe", err)
	}

	info := &ProcessInfo{Name: name, Status: statusFromState(inspect.State.Status)}
	if inspect.State.Running {
		info.PID = inspect.State.Pid
	}
	return info, nil
}

// Start creates and starts a container for spec. If a container with
// this name already exists it is removed first, guaranteeing the latest
// environment map takes effect (a plain restart would keep the old env).
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*ProcessInfo, error) {
	if err := s.Delete(ctx, spec.Name); err != nil && !errs.Is(err, errs.KindSupervisor) {
		return nil, err
	}

	image := spec.Image
	if image == "" {
		image = s.image
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	createCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := s.cli.ContainerCreate(createCtx, &container.Config{
		Image:      image,
		Cmd:        spec.EntrypointCmd,
		Env:        env,
		WorkingDir: "/workspace",
		Labels:     map[string]string{"branchctl.managed": "true"},
	}, &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.WorkspaceDir, Target: "/workspace"},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}, nil, nil, spec.Name)
	if err != nil {
		return nil, classifyDockerError("supervisor.start", err)
	}

	if err := s.cli.ContainerStart(createCtx, resp.ID, container.StartOptions{}); err != nil {
		return nil, classifyDockerError("supervisor.start", err)
	}

	return s.Describe(ctx, spec.Name)
}

// Reload restarts an existing named process in place. Used as a fallback
// when Delete fails, per the Controller's start/reload policy.
func (s *Supervisor) Reload(ctx context.Context, name string) (*ProcessInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	timeoutSeconds := 10
	if err := s.cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return nil, classifyDockerError("supervisor.reload", err)
	}
	return s.Describe(ctx, name)
}

// Stop stops a named process without removing it.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	timeoutSeconds := 10
	if err := s.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classifyDockerError("supervisor.stop", err)
	}
	return nil
}

// Delete removes a named process, stopping it first if running. A
// missing container is not an error.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classifyDockerError("supervisor.delete", err)
	}
	return nil
}

// Logs returns the most recent tail lines of stdout/stderr for a named
// process, used as a fallback log source layered under the Metric-table
// log synthesis when a branch has not yet reported any metrics. Returns
// an empty slice, not an error, if the container does not exist.
func (s *Supervisor) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	reader, err := s.cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, classifyDockerError("supervisor.logs", err)
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return nil, classifyDockerError("supervisor.logs", err)
	}

	lines := splitNonEmptyLines(stdout.String())
	lines = append(lines, splitNonEmptyLines(stderr.String())...)
	return lines, nil
}

func splitNonEmptyLines(s string) []string {
	raw := strings.Split(s, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func statusFromState(state string) Status {
	switch state {
	case "running":
		return StatusOnline
	case "exited", "created", "paused":
		return StatusStopped
	case "dead", "removing":
		return StatusErrored
	default:
		return StatusStopped
	}
}

// classifyDockerError wraps transport-level failures (IPC socket down,
// daemon unreachable) distinctly from other Docker API errors, matching
// the requirement that socket-shaped failures be caught and logged
// without killing the controller process.
func classifyDockerError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "sock") || strings.Contains(msg, "connection refused") || errors.Is(err, context.DeadlineExceeded) {
		return errs.Supervisor(op, fmt.Errorf("docker transport unavailable: %w", err))
	}
	return errs.Supervisor(op, err)
}
