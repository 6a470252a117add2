package container

import (
	"context"
	"fmt"
	"os/exec"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"devforge/internal/config"
)

// New picks a container backend per the configured preference. "auto" tries
// Docker first, then containerd on Linux.
func New(ctx context.Context, cfg *config.Config) (Manager, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "docker":
		return newDockerBackend(cfg)
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "auto":
		mgr, err := newDockerBackend(cfg)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return mgr, nil
		}
		log.Warn().Err(err).Msg("docker unavailable")

		if goruntime.GOOS == "linux" {
			mgr, err := newContainerdBackend(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return mgr, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable")
		}

		return nil, fmt.Errorf("no container backend available: install Docker or containerd (Linux): %w", ErrRuntimeUnavailable)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, docker, or containerd", preference)
	}
}

func newDockerBackend(cfg *config.Config) (Manager, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	mgr := newDockerManager(cfg.Sandbox.MaxConcurrent)
	if !mgr.Healthy(context.Background()) {
		return nil, fmt.Errorf("docker daemon not reachable: %w", ErrRuntimeUnavailable)
	}
	return mgr, nil
}

func newContainerdBackend(ctx context.Context, cfg *config.Config) (Manager, error) {
	mgr, err := newContainerdManager(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace, cfg.Sandbox.MaxConcurrent)
	if err != nil {
		return nil, err
	}

	// Leftovers from an ungraceful shutdown block name reuse; clear them now.
	cleaned, err := mgr.CleanupOldResources(ctx, 0)
	if err != nil {
		log.Warn().Err(err).Msg("startup cleanup of stale containers failed")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("removed stale containers on startup")
	}

	return mgr, nil
}
