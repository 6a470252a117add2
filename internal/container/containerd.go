package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"devforge/internal/runtime"
)

// containerdManager drives sandboxes through the containerd API directly,
// skipping the docker CLI. Used where a docker daemon is not available but
// containerd is.
type containerdManager struct {
	client    *containerd.Client
	socket    string
	namespace string
	registry  *runtime.Registry
	sem       chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newContainerdManager(ctx context.Context, socket, namespace string, maxConcurrent int) (*containerdManager, error) {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}

	client, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := client.Version(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &containerdManager{
		client:    client,
		socket:    socket,
		namespace: namespace,
		registry:  runtime.NewRegistry(),
		sem:       make(chan struct{}, maxConcurrent),
	}, nil
}

func (m *containerdManager) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, m.namespace)
}

func (m *containerdManager) Healthy(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	_, err := m.client.Version(ctx)
	return err == nil
}

func (m *containerdManager) pullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = m.withNamespace(ctx)

	image, err := m.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = m.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

func (m *containerdManager) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	name := namePrefix + uuid.New().String()

	logger := log.With().
		Str("container", name).
		Str("language", spec.Language).
		Logger()

	if spec.Code == "" {
		return nil, &RunError{Name: name, Op: "validate", Err: fmt.Errorf("%w: code is empty", ErrInvalidSpec)}
	}
	if len(spec.Code) > 1<<20 {
		return nil, &RunError{Name: name, Op: "validate", Err: fmt.Errorf("%w: code exceeds 1MB limit", ErrInvalidSpec)}
	}
	if spec.Limits != (ResourceLimits{}) {
		if err := spec.Limits.Validate(); err != nil {
			return nil, &RunError{Name: name, Op: "validate", Err: err}
		}
	}

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return nil, &RunError{Name: name, Op: "acquire_slot", Err: ctx.Err()}
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	cfg := m.registry.Get(spec.Language)

	hostDir, err := os.MkdirTemp("", name+"-*")
	if err != nil {
		return nil, &RunError{Name: name, Op: "create_temp_dir", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(hostDir); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("temp dir cleanup failed")
		}
	}()

	codeFileName := "code" + cfg.Extension
	if err := os.WriteFile(filepath.Join(hostDir, codeFileName), []byte(spec.Code), 0600); err != nil {
		return nil, &RunError{Name: name, Op: "write_code", Err: err}
	}
	if err := os.Chmod(filepath.Join(hostDir, codeFileName), 0444); err != nil { // container runs as nobody
		return nil, &RunError{Name: name, Op: "chmod_code", Err: err}
	}

	image, err := m.pullImage(execCtx, cfg.Image)
	if err != nil {
		return nil, &RunError{Name: name, Op: "pull_image", Err: err}
	}

	hardening := DefaultHardening()
	if spec.NetworkEnabled {
		hardening = NetworkHardening()
	}

	codePath := "/workspace/" + codeFileName
	cnt, err := m.createContainer(execCtx, name, image, cfg, codePath, hostDir, spec, hardening)
	if err != nil {
		return nil, &RunError{Name: name, Op: "create_container", Err: err}
	}
	defer func() {
		if cleanErr := m.removeContainer(context.Background(), cnt); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	var stdin io.Reader
	if spec.Stdin != "" {
		stdin = strings.NewReader(spec.Stdin)
	}
	var stdoutBuf, stderrBuf bytes.Buffer

	nsCtx := m.withNamespace(execCtx)
	task, err := cnt.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(stdin, &stdoutBuf, &stderrBuf)),
	)
	if err != nil {
		return nil, &RunError{Name: name, Op: "create_task", Err: err}
	}
	defer func() {
		if _, err := task.Delete(m.withNamespace(context.Background()), containerd.WithProcessKill); err != nil {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &RunError{Name: name, Op: "task_wait", Err: err}
	}

	if err := task.Start(nsCtx); err != nil {
		return nil, &RunError{Name: name, Op: "task_start", Err: err}
	}

	logger.Info().Msg("task started")

	var exitCode int
	var timedOut bool
	select {
	case status := <-exitCh:
		exitCode = int(status.ExitCode())

	case <-execCtx.Done():
		if err := task.Kill(m.withNamespace(context.Background()), 9); err != nil {
			logger.Error().Err(err).Msg("failed to kill task")
		}
		<-exitCh
		if !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			// Caller cancellation, not the run deadline.
			logger.Warn().Msg("run canceled, killing task")
			return nil, &RunError{Name: name, Op: "containerd_run", Err: execCtx.Err()}
		}
		logger.Warn().Dur("timeout", timeout).Msg("deadline exceeded, killing task")
		exitCode = -1
		timedOut = true
	}

	duration := time.Since(start)
	logger.Info().
		Int("exit_code", exitCode).
		Bool("timed_out", timedOut).
		Dur("duration", duration).
		Msg("container run finished")

	return &RunResult{
		Success:  !timedOut && exitCode == 0,
		Stdout:   truncateOutput(stdoutBuf.String(), 1<<20),
		Stderr:   truncateOutput(stderrBuf.String(), 256*1024),
		ExitCode: exitCode,
		TimedOut: timedOut,
		Duration: duration,
	}, nil
}

func (m *containerdManager) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	cfg runtime.ImageConfig,
	codePath, hostDir string,
	spec RunSpec,
	hardening HardeningProfile,
) (containerd.Container, error) {
	limits := spec.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	args := append(cfg.CommandFor(codePath), spec.Args...)

	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"SANDBOX=true",
	}
	for k, v := range spec.Env {
		if envBlocklist[strings.ToUpper(k)] {
			continue
		}
		env = append(env, k+"="+v)
	}

	nsCtx := m.withNamespace(ctx)
	cnt, err := m.client.NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(args...),
			oci.WithHostname("sandbox"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplyHardening(s, hardening)
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostDir,
					Options:     []string{"rbind", "ro"},
				})
				s.Process.Env = env
				s.Process.Cwd = "/workspace"

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	return cnt, nil
}

func (m *containerdManager) removeContainer(ctx context.Context, cnt containerd.Container) error {
	if cnt == nil {
		return nil
	}

	id := cnt.ID()
	logger := log.With().Str("container", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = m.withNamespace(cleanupCtx)

	if task, err := cnt.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
			waitCancel()
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			if !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("failed to delete task")
			}
		}
	}

	if err := cnt.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("deleting container %s: %w", id, err)
		}
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOldResources removes sandbox containers older than the cutoff. Fresh
// ones are skipped so in-flight runs started by another process survive.
func (m *containerdManager) CleanupOldResources(ctx context.Context, olderThan time.Duration) (int, error) {
	nsCtx := m.withNamespace(ctx)

	list, err := m.client.Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var removed int
	for _, c := range list {
		id := c.ID()
		if !strings.HasPrefix(id, namePrefix) {
			continue
		}

		info, err := c.Info(nsCtx)
		if err != nil {
			continue
		}
		if info.CreatedAt.After(cutoff) {
			continue
		}

		log.Warn().Str("container", id).Time("created", info.CreatedAt).Msg("removing stale sandbox container")
		if err := m.removeContainer(ctx, c); err != nil {
			log.Error().Err(err).Str("container", id).Msg("failed to remove stale container")
			continue
		}
		removed++
	}

	return removed, nil
}

func (m *containerdManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.client.Close()
}
