// Package executor is the single entry point turning an execution request
// into a result: it enforces the security gate, picks the isolation strategy,
// and drives test-framework invocations.
package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"devforge/internal/config"
	"devforge/internal/container"
	"devforge/internal/guard"
)

// Isolation selects how a request is executed.
type Isolation string

const (
	IsolationContainer  Isolation = "container"
	IsolationRestricted Isolation = "restricted"
)

// Request describes one code execution.
type Request struct {
	Code          string                    `json:"code"`
	Language      string                    `json:"language"`
	Timeout       time.Duration             `json:"timeout"`
	MemoryLimit   string                    `json:"memory_limit,omitempty"` // e.g. "256m"
	CPULimit      string                    `json:"cpu_limit,omitempty"`    // e.g. "0.5"
	Stdin         string                    `json:"stdin,omitempty"`
	Args          []string                  `json:"args,omitempty"`
	Env           map[string]string         `json:"env,omitempty"`
	Isolation     Isolation                 `json:"isolation_mode,omitempty"`
	SecurityLevel guard.Level               `json:"security_level,omitempty"`
	Overrides     map[guard.Capability]bool `json:"permission_overrides,omitempty"`
	Network       bool                      `json:"network_enabled,omitempty"`
}

// Result is produced exactly once per request and never mutated after return.
// Restricted is true whenever the run happened under isolation or was refused
// by the security gate.
type Result struct {
	Success    bool          `json:"success"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	Restricted bool          `json:"restricted"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Executor gates and dispatches execution requests.
type Executor struct {
	manager        container.Manager
	defaultLevel   guard.Level
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	envWhitelist   map[string]bool
	testRetries    int
}

func New(manager container.Manager, cfg *config.Config) *Executor {
	whitelist := make(map[string]bool, len(cfg.Sandbox.EnvWhitelist))
	for _, k := range cfg.Sandbox.EnvWhitelist {
		whitelist[k] = true
	}
	return &Executor{
		manager:        manager,
		defaultLevel:   guard.Level(cfg.Sandbox.SecurityLevel),
		defaultTimeout: cfg.Sandbox.DefaultTimeout,
		maxTimeout:     cfg.Sandbox.MaxTimeout,
		envWhitelist:   whitelist,
		testRetries:    cfg.Worker.TestRetries,
	}
}

// RunCode executes a request. Rejected code never reaches a container or an
// interpreter: the guard verdict is the result.
func (e *Executor) RunCode(ctx context.Context, req Request) *Result {
	level := req.SecurityLevel
	if level == "" {
		level = e.defaultLevel
	}
	perms := guard.ForLevel(level).With(req.Overrides)

	verdict := guard.Check(req.Code, req.Language, perms)
	if !verdict.Safe {
		log.Warn().
			Str("language", req.Language).
			Str("reason", verdict.Reason).
			Msg("execution rejected by security screening")
		return &Result{
			Success:    false,
			Restricted: true,
			Error:      "security violation: " + verdict.Reason,
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if e.maxTimeout > 0 && timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	if req.Isolation == IsolationRestricted {
		return e.runRestricted(ctx, req, timeout)
	}
	return e.runContainer(ctx, req, timeout)
}

func (e *Executor) runContainer(ctx context.Context, req Request, timeout time.Duration) *Result {
	if e.manager == nil {
		return &Result{Success: false, ExitCode: -1, Error: "no container runtime available"}
	}

	limits := container.DefaultLimits()
	if req.MemoryLimit != "" {
		mb, err := container.ParseMemory(req.MemoryLimit)
		if err != nil {
			return &Result{Success: false, Restricted: true, Error: err.Error()}
		}
		limits.MemoryMB = mb
	}
	if req.CPULimit != "" {
		shares, err := container.ParseCPU(req.CPULimit)
		if err != nil {
			return &Result{Success: false, Restricted: true, Error: err.Error()}
		}
		limits.CPUShares = shares
	}

	run, err := e.manager.Run(ctx, container.RunSpec{
		Language:       req.Language,
		Code:           req.Code,
		Stdin:          req.Stdin,
		Args:           req.Args,
		Env:            req.Env,
		Timeout:        timeout,
		Limits:         limits,
		NetworkEnabled: req.Network,
	})
	if err != nil {
		// A spec the runtime rejected can never succeed on retry; keep it
		// distinct from transient runtime failures.
		if errors.Is(err, container.ErrInvalidSpec) {
			log.Warn().Err(err).Str("language", req.Language).Msg("container spec rejected")
			return &Result{
				Success:    false,
				Restricted: true,
				Error:      err.Error(),
			}
		}
		log.Error().Err(err).Str("language", req.Language).Msg("container run failed")
		return &Result{
			Success:    false,
			Restricted: true,
			ExitCode:   -1,
			Error:      err.Error(),
		}
	}

	res := &Result{
		Success:    run.Success,
		Stdout:     run.Stdout,
		Stderr:     run.Stderr,
		ExitCode:   run.ExitCode,
		Duration:   run.Duration,
		Restricted: true,
		TimedOut:   run.TimedOut,
	}
	if run.TimedOut {
		res.Error = "execution exceeded " + timeout.String() + " timeout"
	}
	return res
}

// whitelistedEnv filters the host environment and request env down to the
// configured whitelist. The restricted path never inherits anything else.
func (e *Executor) whitelistedEnv(reqEnv map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range reqEnv {
		if e.envWhitelist[strings.ToUpper(k)] || e.envWhitelist[k] {
			out[k] = v
		}
	}
	return out
}
