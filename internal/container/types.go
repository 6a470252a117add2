// Package container owns every interaction with the container runtime:
// spawning sandboxed processes, enforcing deadlines from outside the
// container, and tearing resources down.
package container

import (
	"context"
	"time"
)

// namePrefix is this system's container naming convention. The janitor only
// ever touches containers carrying it.
const namePrefix = "sandbox-"

// RunSpec describes one containerized execution.
type RunSpec struct {
	Language       string
	Code           string
	Stdin          string
	Args           []string
	Env            map[string]string
	Timeout        time.Duration
	Limits         ResourceLimits
	NetworkEnabled bool
}

// RunResult is the outcome of a container run. Expected failure modes
// (nonzero exit, deadline kill) are reported here, not as errors.
type RunResult struct {
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Manager is the single component that talks to a container runtime.
type Manager interface {
	// Run executes the spec in a disposable container. The container is
	// removed whether the run succeeds, fails, or times out.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)

	// CleanupOldResources force-removes stale sandbox containers older than
	// the cutoff. It is the safety net for --rm failing to fire during an
	// ungraceful shutdown.
	CleanupOldResources(ctx context.Context, olderThan time.Duration) (int, error)

	// Healthy probes the runtime connection.
	Healthy(ctx context.Context) bool

	Close() error
}
