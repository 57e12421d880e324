// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/mooring/internal/process"
	"github.com/AleutianAI/mooring/internal/util"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrRuntimeNotFound is returned when no container runtime binary is available.
	ErrRuntimeNotFound = fmt.Errorf("container runtime not found")

	// ErrComposeFileMissing is returned when a project has no compose file.
	ErrComposeFileMissing = fmt.Errorf("compose file not found")

	// ErrContainerNotRunning is returned for exec on a stopped container.
	ErrContainerNotRunning = fmt.Errorf("container not running")

	// ErrInvalidConfig is returned when Config is invalid.
	ErrInvalidConfig = fmt.Errorf("invalid compose configuration")

	// ErrInvalidEnvVar is returned when an environment variable key is malformed.
	ErrInvalidEnvVar = fmt.Errorf("invalid environment variable")
)

// envVarKeyRegex validates environment variable keys to prevent injection.
var envVarKeyRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// =============================================================================
// Interface Definition
// =============================================================================

// Client executes container runtime operations for a single project.
//
// # Description
//
// Each project directory carries its own compose file and runs as its own
// compose project, so a Client is bound to one project at construction.
// Mutating operations (Up, Stop, Down) are serialized per client; reads
// (Status, Logs, ExecIn) are not.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Up creates and starts the project's containers detached.
	Up(ctx context.Context, opts UpOptions) (*Result, error)

	// Stop stops the project's containers without removing them.
	Stop(ctx context.Context, opts StopOptions) (*Result, error)

	// Down stops and removes containers, networks, and optionally volumes.
	Down(ctx context.Context, opts DownOptions) (*Result, error)

	// Logs streams container logs to the provided writer.
	Logs(ctx context.Context, opts LogsOptions, w io.Writer) error

	// Status returns the current state of the project's services.
	Status(ctx context.Context) (*Status, error)

	// ExecIn runs a command inside a running service container.
	ExecIn(ctx context.Context, opts ExecOptions) (*ExecResult, error)

	// ProjectName returns the compose project name this client manages.
	ProjectName() string
}

// =============================================================================
// Supporting Types
// =============================================================================

// Config configures a Client for one project.
type Config struct {
	// ProjectDir is the project root directory containing the compose file.
	// Required.
	ProjectDir string

	// ProjectName is the compose project name, used for container scoping.
	// Default: base name of ProjectDir.
	ProjectName string

	// ComposeFile is the compose file name relative to ProjectDir.
	// Default: "compose.yaml"
	ComposeFile string

	// Runtime is the container runtime binary ("docker" or "podman").
	// Default: "docker"
	Runtime string

	// DefaultTimeout applies to operations without an explicit timeout.
	// Default: 5 minutes
	DefaultTimeout time.Duration
}

// UpOptions configures the Up operation.
type UpOptions struct {
	// ForceRecreate recreates containers even if their config is unchanged.
	ForceRecreate bool

	// Pull always pulls images before starting.
	Pull bool

	// Services limits the operation to specific services (empty = all).
	Services []string

	// Env contains environment variables injected into the compose process.
	Env map[string]string

	// RemoveOrphans removes containers for services no longer defined.
	RemoveOrphans bool

	// Timeout overrides the default operation timeout.
	Timeout time.Duration
}

// StopOptions configures the Stop operation.
type StopOptions struct {
	// GracefulTimeout is how long containers get to exit after SIGTERM
	// before the runtime escalates to SIGKILL (default 10s).
	GracefulTimeout time.Duration

	// Services limits the operation to specific services (empty = all).
	Services []string

	// Timeout overrides the default operation timeout.
	Timeout time.Duration
}

// DownOptions configures the Down operation.
type DownOptions struct {
	// RemoveVolumes removes named volumes. Irreversible.
	RemoveVolumes bool

	// RemoveOrphans removes containers for services no longer defined.
	RemoveOrphans bool

	// Timeout overrides the default operation timeout.
	Timeout time.Duration
}

// LogsOptions configures log streaming.
type LogsOptions struct {
	// Follow streams continuously until the context is cancelled.
	Follow bool

	// Services limits output to specific services (empty = all).
	Services []string

	// Tail limits output to the last N lines (0 = all).
	Tail int

	// Timestamps prepends a timestamp to each line.
	Timestamps bool

	// Since shows logs after this time (zero = all).
	Since time.Time
}

// ExecOptions configures command execution inside a container.
type ExecOptions struct {
	// Service is the compose service name. Required.
	Service string

	// Command is the command and its arguments. Required.
	Command []string

	// User overrides the user to run as.
	User string

	// WorkDir overrides the working directory inside the container.
	WorkDir string

	// Env contains additional environment variables for the command.
	Env map[string]string

	// Input, when non-nil, is piped to the command's stdin.
	Input []byte

	// Timeout overrides the client's default timeout. Long-running
	// in-container work (schema installation) needs far more than the
	// compose default.
	Timeout time.Duration
}

// Result captures the outcome of a compose operation.
type Result struct {
	// Success is true if the command exited zero.
	Success bool

	// ExitCode is the process exit code.
	ExitCode int

	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error.
	Stderr string

	// Duration is how long the operation took.
	Duration time.Duration

	// Command is the full command line, for diagnostics.
	Command string
}

// ExecResult captures the outcome of an in-container command.
type ExecResult struct {
	// ExitCode is the command's exit code inside the container.
	ExitCode int

	// Stdout contains standard output.
	Stdout string

	// Stderr contains standard error.
	Stderr string
}

// Status describes the observed state of a project's services.
type Status struct {
	// Services lists per-service status.
	Services []ServiceStatus

	// Running counts services with running containers.
	Running int

	// Stopped counts services with exited or created containers.
	Stopped int

	// Unhealthy counts running services whose healthcheck is failing.
	Unhealthy int
}

// AllRunning reports whether every observed service is running.
func (s *Status) AllRunning() bool {
	return len(s.Services) > 0 && s.Running == len(s.Services)
}

// AnyRunning reports whether at least one service is running.
func (s *Status) AnyRunning() bool {
	return s.Running > 0
}

// Service returns the status for a named service, or nil if absent.
func (s *Status) Service(name string) *ServiceStatus {
	for i := range s.Services {
		if s.Services[i].Service == name {
			return &s.Services[i]
		}
	}
	return nil
}

// ServiceStatus describes one service's container.
type ServiceStatus struct {
	// Service is the compose service name.
	Service string

	// ContainerName is the full container name.
	ContainerName string

	// State is the container state ("running", "exited", "created", ...).
	State string

	// Health is the healthcheck state ("healthy", "unhealthy", "starting",
	// or "" when the container defines no healthcheck).
	Health string

	// Image is the container image reference.
	Image string

	// Ports lists published port mappings.
	Ports []PortMapping
}

// Healthy reports whether the service counts as healthy.
//
// A running container with no healthcheck counts as healthy. A container
// whose healthcheck is still starting does not.
func (s ServiceStatus) Healthy() bool {
	if s.State != "running" {
		return false
	}
	return s.Health == "" || s.Health == "healthy"
}

// PortMapping describes one published port.
type PortMapping struct {
	// HostIP is the host interface address ("" = all interfaces).
	HostIP string

	// HostPort is the published host port.
	HostPort int

	// ContainerPort is the port inside the container.
	ContainerPort int

	// Protocol is "tcp" or "udp".
	Protocol string
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultClient implements Client by shelling out to the compose CLI.
type DefaultClient struct {
	config Config
	proc   process.Manager
	mu     sync.Mutex
}

// NewDefaultClient creates a Client for one project directory.
//
// # Description
//
// Validates the configuration and applies defaults. Does not verify the
// runtime binary or the compose file; both are checked when operations
// execute.
//
// # Inputs
//
//   - cfg: Client configuration (ProjectDir required)
//   - proc: Process manager for command execution
//
// # Outputs
//
//   - *DefaultClient: Configured client
//   - error: If configuration is invalid
//
// # Example
//
//	client, err := compose.NewDefaultClient(compose.Config{
//	    ProjectDir:  "/home/user/.mooring/projects/demo",
//	    ProjectName: "mooring-demo",
//	}, processManager)
//
// # Defaults Applied
//
//   - ProjectName: base name of ProjectDir
//   - ComposeFile: "compose.yaml"
//   - Runtime: "docker"
//   - DefaultTimeout: 5 minutes
func NewDefaultClient(cfg Config, proc process.Manager) (*DefaultClient, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	applyConfigDefaults(&cfg)

	return &DefaultClient{
		config: cfg,
		proc:   proc,
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg.ProjectDir == "" {
		return fmt.Errorf("%w: ProjectDir is required", ErrInvalidConfig)
	}
	switch cfg.Runtime {
	case "", "docker", "podman":
	default:
		return fmt.Errorf("%w: unsupported runtime %q", ErrInvalidConfig, cfg.Runtime)
	}
	return nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg.ProjectName == "" {
		cfg.ProjectName = filepath.Base(cfg.ProjectDir)
	}
	if cfg.ComposeFile == "" {
		cfg.ComposeFile = "compose.yaml"
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = util.DefaultComposeTimeout
	}
}

// =============================================================================
// Interface Implementation
// =============================================================================

// Up creates and starts the project's containers detached.
//
// # Description
//
// Executes `compose up -d` for the project. Environment variable keys are
// validated before execution to prevent config injection. Acquires the
// client mutex to serialize with other mutating operations.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout
//   - opts: Up configuration
//
// # Outputs
//
//   - *Result: Command outcome, returned even on failure for diagnostics
//   - error: *ClassifiedError on non-zero exit, other errors for
//     start failures or cancellation
//
// # Example
//
//	result, err := client.Up(ctx, compose.UpOptions{
//	    Env: map[string]string{"MOODLE_PORT": "8080"},
//	})
//	var cerr *compose.ClassifiedError
//	if errors.As(err, &cerr) {
//	    fmt.Println(cerr.Remediation)
//	}
//
// # Limitations
//
//   - Blocks until containers are created, not until healthy
func (c *DefaultClient) Up(ctx context.Context, opts UpOptions) (*Result, error) {
	if err := c.validateEnvVars(opts.Env); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	args := c.composeArgs()
	args = append(args, "up", "-d")

	if opts.ForceRecreate {
		args = append(args, "--force-recreate")
	}
	if opts.Pull {
		args = append(args, "--pull", "always")
	}
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	if len(opts.Services) > 0 {
		args = append(args, opts.Services...)
	}

	return c.run(ctx, args, opts.Env, c.resolveTimeout(opts.Timeout))
}

// Stop stops the project's containers without removing them.
//
// # Description
//
// Executes `compose stop`. Containers and volumes survive, so a later Up
// resumes the same instance. Acquires the client mutex.
func (c *DefaultClient) Stop(ctx context.Context, opts StopOptions) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	args := c.composeArgs()
	args = append(args, "stop")

	if opts.GracefulTimeout > 0 {
		args = append(args, "-t", fmt.Sprintf("%d", int(opts.GracefulTimeout.Seconds())))
	}
	if len(opts.Services) > 0 {
		args = append(args, opts.Services...)
	}

	return c.run(ctx, args, nil, c.resolveTimeout(opts.Timeout))
}

// Down stops and removes containers, networks, and optionally volumes.
//
// # Description
//
// Executes `compose down`. With RemoveVolumes the project's database
// content is destroyed. Acquires the client mutex.
func (c *DefaultClient) Down(ctx context.Context, opts DownOptions) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	args := c.composeArgs()
	args = append(args, "down")

	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	if opts.RemoveVolumes {
		args = append(args, "-v")
	}

	return c.run(ctx, args, nil, c.resolveTimeout(opts.Timeout))
}

// Logs streams container logs to the provided writer.
//
// # Description
//
// Executes `compose logs`, streaming to w until the process exits or the
// context is cancelled. Follow mode blocks until cancellation. Does not
// acquire the mutex (read-only).
func (c *DefaultClient) Logs(ctx context.Context, opts LogsOptions, w io.Writer) error {
	args := c.composeArgs()
	args = append(args, "logs")

	if opts.Follow {
		args = append(args, "-f")
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", opts.Tail))
	}
	if opts.Timestamps {
		args = append(args, "--timestamps")
	}
	if !opts.Since.IsZero() {
		args = append(args, "--since", opts.Since.Format(time.RFC3339))
	}
	if len(opts.Services) > 0 {
		args = append(args, opts.Services...)
	}

	return c.proc.RunStreaming(ctx, c.config.ProjectDir, w, c.config.Runtime, args...)
}

// Status returns the current state of the project's services.
//
// # Description
//
// Executes `compose ps -a --format json` and parses the result. Both
// output shapes produced by compose implementations are accepted: one
// JSON object per line, and a single JSON array. Does not acquire the
// mutex (read-only).
//
// # Outputs
//
//   - *Status: Parsed status with per-service detail and counts
//   - error: If the query or parsing fails
func (c *DefaultClient) Status(ctx context.Context) (*Status, error) {
	args := c.composeArgs()
	args = append(args, "ps", "-a", "--format", "json")

	result, err := c.run(ctx, args, nil, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}

	return parseStatus(result.Stdout)
}

// ExecIn runs a command inside a running service container.
//
// # Description
//
// Executes `compose exec -T` for non-interactive use. When opts.Input is
// non-nil it is piped to the command's stdin, which is how SQL reaches
// the database client without temp files. Does not acquire the mutex.
//
// # Outputs
//
//   - *ExecResult: Command outcome
//   - error: ErrContainerNotRunning if the service container is stopped,
//     other errors otherwise
func (c *DefaultClient) ExecIn(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
	if err := c.validateExecOptions(opts); err != nil {
		return nil, err
	}
	if err := c.validateEnvVars(opts.Env); err != nil {
		return nil, err
	}

	args := c.buildExecArgs(opts)
	timeout := c.resolveTimeout(opts.Timeout)

	if opts.Input != nil {
		return c.execWithInput(ctx, args, opts.Input, timeout)
	}

	result, err := c.run(ctx, args, nil, timeout)
	if err != nil {
		if isContainerNotRunning(result) {
			return nil, ErrContainerNotRunning
		}
		return nil, err
	}

	return &ExecResult{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	}, nil
}

// ProjectName returns the compose project name this client manages.
func (c *DefaultClient) ProjectName() string {
	return c.config.ProjectName
}

// ComposeFilePath returns the absolute path of the project's compose file.
func (c *DefaultClient) ComposeFilePath() string {
	return filepath.Join(c.config.ProjectDir, c.config.ComposeFile)
}

// =============================================================================
// Private Helper Methods
// =============================================================================

// composeArgs builds the common prefix for all compose invocations.
func (c *DefaultClient) composeArgs() []string {
	return []string{
		"compose",
		"-f", c.ComposeFilePath(),
		"-p", c.config.ProjectName,
	}
}

// run executes the runtime binary with the given compose arguments.
//
// Non-zero exits come back as *ClassifiedError so callers can surface the
// cause and remediation without re-parsing stderr.
func (c *DefaultClient) run(ctx context.Context, args []string, env map[string]string, timeout time.Duration) (*Result, error) {
	start := time.Now()

	cmdStr := fmt.Sprintf("%s %s", c.config.Runtime, strings.Join(args, " "))

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := c.proc.RunInDir(execCtx, c.config.ProjectDir, envSlice(env), c.config.Runtime, args...)

	result := &Result{
		Success:  exitCode == 0 && err == nil,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
		Command:  cmdStr,
	}

	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			return result, fmt.Errorf("compose command timed out after %v: %s", timeout, cmdStr)
		}
		return result, fmt.Errorf("compose command failed: %w", err)
	}
	if exitCode != 0 {
		return result, Classify(cmdStr, exitCode, stderr)
	}

	return result, nil
}

// execWithInput runs a compose exec with bytes piped to stdin.
func (c *DefaultClient) execWithInput(ctx context.Context, args []string, input []byte, timeout time.Duration) (*ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := c.proc.RunWithInput(execCtx, c.config.Runtime, input, args...)
	if err != nil {
		if strings.Contains(err.Error(), "not running") || strings.Contains(err.Error(), "No such container") {
			return nil, ErrContainerNotRunning
		}
		return nil, fmt.Errorf("exec with input failed: %w", err)
	}

	return &ExecResult{ExitCode: 0, Stdout: string(output)}, nil
}

func (c *DefaultClient) validateExecOptions(opts ExecOptions) error {
	if opts.Service == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidConfig)
	}
	if len(opts.Command) == 0 {
		return fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	return nil
}

func (c *DefaultClient) buildExecArgs(opts ExecOptions) []string {
	args := c.composeArgs()
	args = append(args, "exec", "-T")

	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	if opts.WorkDir != "" {
		args = append(args, "--workdir", opts.WorkDir)
	}
	for _, kv := range envSlice(opts.Env) {
		args = append(args, "-e", kv)
	}

	args = append(args, opts.Service)
	args = append(args, opts.Command...)

	return args
}

// validateEnvVars rejects malformed environment variable keys.
func (c *DefaultClient) validateEnvVars(env map[string]string) error {
	for key := range env {
		if !envVarKeyRegex.MatchString(key) {
			return fmt.Errorf("%w: key %q", ErrInvalidEnvVar, key)
		}
	}
	return nil
}

func (c *DefaultClient) resolveTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return c.config.DefaultTimeout
}

// =============================================================================
// Utility Functions
// =============================================================================

// envSlice converts an env map to sorted KEY=VALUE form.
//
// Sorting keeps command construction deterministic for tests and logs.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// psEntry matches the JSON emitted by `compose ps --format json`.
type psEntry struct {
	Name       string `json:"Name"`
	Service    string `json:"Service"`
	State      string `json:"State"`
	Health     string `json:"Health"`
	Image      string `json:"Image"`
	Publishers []struct {
		URL           string `json:"URL"`
		TargetPort    int    `json:"TargetPort"`
		PublishedPort int    `json:"PublishedPort"`
		Protocol      string `json:"Protocol"`
	} `json:"Publishers"`
}

// parseStatus parses compose ps JSON output into a Status.
//
// # Description
//
// Docker Compose v2 emits one JSON object per line; some builds and
// podman-compose emit a single array. Both are handled. Empty output
// means no containers exist for the project.
func parseStatus(jsonOutput string) (*Status, error) {
	status := &Status{
		Services: []ServiceStatus{},
	}

	trimmed := strings.TrimSpace(jsonOutput)
	if trimmed == "" || trimmed == "[]" {
		return status, nil
	}

	var entries []psEntry
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &entries); err != nil {
			return nil, fmt.Errorf("failed to parse container JSON: %w", err)
		}
	} else {
		for _, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var entry psEntry
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("failed to parse container JSON line: %w", err)
			}
			entries = append(entries, entry)
		}
	}

	for _, e := range entries {
		svc := ServiceStatus{
			Service:       e.Service,
			ContainerName: e.Name,
			State:         normalizeState(e.State),
			Health:        e.Health,
			Image:         e.Image,
			Ports:         []PortMapping{},
		}
		for _, p := range e.Publishers {
			if p.PublishedPort == 0 {
				continue
			}
			svc.Ports = append(svc.Ports, PortMapping{
				HostIP:        p.URL,
				HostPort:      p.PublishedPort,
				ContainerPort: p.TargetPort,
				Protocol:      p.Protocol,
			})
		}

		status.Services = append(status.Services, svc)

		switch svc.State {
		case "running":
			status.Running++
			if svc.Health == "unhealthy" {
				status.Unhealthy++
			}
		case "exited", "stopped", "created", "paused":
			status.Stopped++
		}
	}

	return status, nil
}

// normalizeState folds runtime state spellings into a canonical set.
func normalizeState(state string) string {
	s := strings.ToLower(strings.TrimSpace(state))
	// podman-compose reports "Up ..." / "Exited (...)" strings instead of
	// bare states.
	switch {
	case strings.HasPrefix(s, "up"):
		return "running"
	case strings.HasPrefix(s, "exited"):
		return "exited"
	default:
		return s
	}
}

// isContainerNotRunning checks stderr for the stopped-container signature.
func isContainerNotRunning(result *Result) bool {
	if result == nil {
		return false
	}
	return strings.Contains(result.Stderr, "not running") ||
		strings.Contains(result.Stderr, "No such container")
}

// Compile-time interface satisfaction check
var _ Client = (*DefaultClient)(nil)
