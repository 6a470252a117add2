package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"devforge/internal/runtime"
	"devforge/pkg/seccomp"
)

// envBlocklist contains env var keys that must never be injected into a
// container, regardless of what the request carries.
var envBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"HTTP_PROXY":      true,
	"HTTPS_PROXY":     true,
	"NODE_OPTIONS":    true,
	"PYTHONPATH":      true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
}

// dockerManager drives sandboxes through the docker CLI.
type dockerManager struct {
	registry   *runtime.Registry
	sem        chan struct{}
	active     atomic.Int64
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)
}

func newDockerManager(maxConcurrent int) *dockerManager {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	return &dockerManager{
		registry:   runtime.NewRegistry(),
		sem:        make(chan struct{}, maxConcurrent),
		dockerHost: resolveDockerHost(),
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop
// uses a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *dockerManager) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// Healthy probes the docker daemon with a short deadline so an unreachable
// runtime surfaces as an error instead of a hang.
func (d *dockerManager) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.command(probeCtx, "version", "--format", "{{.Server.Version}}").Run() == nil
}

func (d *dockerManager) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	name := namePrefix + uuid.New().String()

	logger := log.With().
		Str("container", name).
		Str("language", spec.Language).
		Logger()

	if err := d.validateSpec(spec); err != nil {
		return nil, &RunError{Name: name, Op: "validate", Err: err}
	}

	if !d.Healthy(ctx) {
		return nil, &RunError{Name: name, Op: "probe", Err: ErrRuntimeUnavailable}
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, &RunError{Name: name, Op: "acquire_slot", Err: ctx.Err()}
	}

	d.wg.Add(1)
	defer d.wg.Done()
	d.active.Add(1)
	defer d.active.Add(-1)

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cfg := d.registry.Get(spec.Language)

	hostDir, err := os.MkdirTemp("", namePrefix+"*")
	if err != nil {
		return nil, &RunError{Name: name, Op: "create_temp_dir", Err: err}
	}
	// Cleanup errors must never mask the run result.
	defer func() {
		if rmErr := os.RemoveAll(hostDir); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("temp dir cleanup failed")
		}
	}()

	codeFile := filepath.Join(hostDir, "code"+cfg.Extension)
	if err := os.WriteFile(codeFile, []byte(spec.Code), 0600); err != nil {
		return nil, &RunError{Name: name, Op: "write_code", Err: err}
	}
	if err := os.Chmod(codeFile, 0444); err != nil { // container runs as nobody
		return nil, &RunError{Name: name, Op: "chmod_code", Err: err}
	}

	var profileJSON []byte
	if spec.NetworkEnabled {
		profileJSON, err = seccomp.DockerNetworkProfileJSON()
	} else {
		profileJSON, err = seccomp.DockerProfileJSON()
	}
	if err != nil {
		return nil, &RunError{Name: name, Op: "seccomp_profile", Err: err}
	}
	seccompFile := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompFile, profileJSON, 0600); err != nil {
		return nil, &RunError{Name: name, Op: "write_seccomp", Err: err}
	}

	containerCodePath := "/workspace/code" + cfg.Extension
	args := d.buildRunArgs(name, cfg, codeFile, containerCodePath, seccompFile, spec)

	// The run is bounded from outside the container: whatever happens inside,
	// the supervisory path force-removes it at the deadline.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := d.command(context.Background(), args...)
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	logger.Info().Msg("starting container")
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, &RunError{Name: name, Op: "docker_run", Err: err}
	}

	// Whatever path we exit on, make sure the container is gone.
	defer d.forceRemove(name)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timedOut bool
	var runErr error
	select {
	case runErr = <-waitCh:
	case <-execCtx.Done():
		// Signal delivery is not enough: a process ignoring SIGTERM/SIGKILL
		// forwarding must still die, so remove the container itself.
		d.forceRemove(name)
		<-waitCh
		if !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			// Caller cancellation, not the run deadline.
			logger.Warn().Msg("run canceled, force-removing container")
			return nil, &RunError{Name: name, Op: "docker_run", Err: execCtx.Err()}
		}
		logger.Warn().Dur("timeout", timeout).Msg("deadline exceeded, force-removing container")
		timedOut = true
	}
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok && !timedOut {
			return nil, &RunError{Name: name, Op: "docker_run", Err: runErr}
		}
		if ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if timedOut {
		exitCode = -1
	}

	logger.Info().
		Int("exit_code", exitCode).
		Bool("timed_out", timedOut).
		Dur("duration", duration).
		Msg("container run finished")

	return &RunResult{
		Success:  !timedOut && exitCode == 0,
		Stdout:   truncateOutput(stdoutBuf.String(), 1<<20),     // 1MB max
		Stderr:   truncateOutput(stderrBuf.String(), 256*1024), // 256KB max
		ExitCode: exitCode,
		TimedOut: timedOut,
		Duration: duration,
	}, nil
}

func (d *dockerManager) buildRunArgs(
	name string,
	cfg runtime.ImageConfig,
	hostCodeFile, containerCodePath, seccompFile string,
	spec RunSpec,
) []string {
	limits := spec.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	network := "none"
	if spec.NetworkEnabled {
		network = "bridge"
	}

	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompFile,
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--read-only",
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.DiskMB),
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"-w", "/workspace",
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
	}

	if spec.Stdin != "" {
		args = append(args, "-i")
	}

	// Deterministic env ordering keeps the invocation reproducible in logs.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.CommandFor(containerCodePath)...)
	args = append(args, spec.Args...)

	return args
}

func (d *dockerManager) validateSpec(spec RunSpec) error {
	if spec.Code == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidSpec)
	}
	if len(spec.Code) > 1<<20 {
		return fmt.Errorf("%w: code exceeds 1MB limit", ErrInvalidSpec)
	}
	if spec.Timeout > 10*time.Minute {
		return fmt.Errorf("%w: timeout exceeds 10m maximum", ErrInvalidSpec)
	}
	for key := range spec.Env {
		if key == "" {
			return fmt.Errorf("%w: env var key is empty", ErrInvalidSpec)
		}
		for _, c := range key {
			if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
				return fmt.Errorf("%w: env var key %q contains invalid characters", ErrInvalidSpec, key)
			}
		}
		if envBlocklist[strings.ToUpper(key)] {
			return fmt.Errorf("%w: env var %q is blocked for security reasons", ErrInvalidSpec, key)
		}
	}
	if spec.Limits != (ResourceLimits{}) {
		if err := spec.Limits.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// forceRemove removes a container whether or not it is running. Errors are
// logged and swallowed: cleanup must never override the primary result.
func (d *dockerManager) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.command(ctx, "rm", "-f", name).Run(); err != nil {
		log.Debug().Err(err).Str("container", name).Msg("container remove failed (may already be gone)")
	}
}

// CleanupOldResources removes stale sandbox containers that outlived --rm,
// typically after an ungraceful shutdown.
func (d *dockerManager) CleanupOldResources(ctx context.Context, olderThan time.Duration) (int, error) {
	out, err := d.command(ctx, "ps", "-a",
		"--filter", "name="+namePrefix,
		"--format", "{{.Names}}\t{{.CreatedAt}}",
	).Output()
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 || !strings.HasPrefix(fields[0], namePrefix) {
			continue
		}
		created, err := time.Parse("2006-01-02 15:04:05 -0700 MST", fields[1])
		if err != nil {
			// Unparseable age: leave it alone rather than guess.
			continue
		}
		if created.After(cutoff) {
			continue
		}
		log.Warn().Str("container", fields[0]).Time("created", created).Msg("removing stale sandbox container")
		d.forceRemove(fields[0])
		removed++
	}

	return removed, nil
}

func (d *dockerManager) ActiveCount() int64 {
	return d.active.Load()
}

func (d *dockerManager) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	// Wait up to 30s for active runs to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker runs drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", d.active.Load()).Msg("timed out waiting for docker runs to drain")
	}
	return nil
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
