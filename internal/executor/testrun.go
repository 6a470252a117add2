package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TestConfig describes one test-suite invocation.
type TestConfig struct {
	Framework string            `json:"framework"`         // jest, pytest, gotest
	Command   []string          `json:"command,omitempty"` // explicit command; overrides the framework default
	Dir       string            `json:"dir,omitempty"`
	Pattern   string            `json:"pattern,omitempty"` // test file or name filter
	Env       map[string]string `json:"env,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
	Coverage  bool              `json:"coverage,omitempty"`
}

// TestOptions tunes a RunTests call.
type TestOptions struct {
	// Retries is the number of re-runs after a failed attempt. This absorbs
	// flaky infrastructure and is independent of queue-level job retries.
	// nil means the configured default; an explicit 0 means run exactly once.
	Retries *int `json:"retries,omitempty"`
}

// TestSummary is the normalized cross-framework result.
type TestSummary struct {
	Total   int        `json:"total"`
	Passed  int        `json:"passed"`
	Failed  int        `json:"failed"`
	Skipped int        `json:"skipped"`
	Cases   []TestCase `json:"cases,omitempty"`
}

type TestCase struct {
	Name   string `json:"name"`
	Status string `json:"status"` // pass, fail, skip
}

// CoverageSummary is the normalized coverage result.
type CoverageSummary struct {
	Percent      float64 `json:"percent"`
	LinesCovered int     `json:"lines_covered,omitempty"`
	LinesTotal   int     `json:"lines_total,omitempty"`
}

// TestRunResult carries the raw output alongside whatever the parsers could
// extract. Summary and Coverage are nil when parsing failed; the raw output
// always survives.
type TestRunResult struct {
	Success  bool             `json:"success"`
	Output   string           `json:"output"`
	Stderr   string           `json:"stderr"`
	ExitCode int              `json:"exit_code"`
	Attempts int              `json:"attempts"`
	Duration time.Duration    `json:"duration"`
	TimedOut bool             `json:"timed_out,omitempty"`
	Summary  *TestSummary     `json:"summary,omitempty"`
	Coverage *CoverageSummary `json:"coverage,omitempty"`
}

// frameworkCommand returns the default invocation for a framework.
func frameworkCommand(cfg TestConfig) ([]string, error) {
	switch strings.ToLower(cfg.Framework) {
	case "jest":
		cmd := []string{"npx", "--yes", "jest", "--colors=false"}
		if cfg.Coverage {
			cmd = append(cmd, "--coverage", "--coverageReporters=text-summary")
		}
		if cfg.Pattern != "" {
			cmd = append(cmd, cfg.Pattern)
		}
		return cmd, nil
	case "pytest":
		cmd := []string{"python3", "-m", "pytest", "-v", "--color=no"}
		if cfg.Coverage {
			cmd = append(cmd, "--cov", "--cov-report=term")
		}
		if cfg.Pattern != "" {
			cmd = append(cmd, cfg.Pattern)
		}
		return cmd, nil
	case "gotest", "go":
		cmd := []string{"go", "test", "-v"}
		if cfg.Coverage {
			cmd = append(cmd, "-cover")
		}
		if cfg.Pattern != "" {
			cmd = append(cmd, "-run", cfg.Pattern)
		}
		cmd = append(cmd, "./...")
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown test framework %q", cfg.Framework)
	}
}

// RunTests executes a test suite with bounded intra-call retries, then
// best-effort parses the framework output and coverage report. Parse failures
// degrade to raw output, never to an error.
func (e *Executor) RunTests(ctx context.Context, cfg TestConfig, opts TestOptions) (*TestRunResult, error) {
	command := cfg.Command
	if len(command) == 0 {
		var err error
		command, err = frameworkCommand(cfg)
		if err != nil {
			return nil, err
		}
	}

	retries := e.testRetries
	if opts.Retries != nil {
		retries = *opts.Retries
		if retries < 0 {
			retries = 0
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	if e.maxTimeout > 0 && timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}

	logger := log.With().
		Str("framework", cfg.Framework).
		Str("command", strings.Join(command, " ")).
		Logger()

	start := time.Now()
	var result *TestRunResult
	for attempt := 1; attempt <= retries+1; attempt++ {
		result = e.runTestCommand(ctx, command, cfg, timeout)
		result.Attempts = attempt

		if result.Success || ctx.Err() != nil {
			break
		}
		if attempt <= retries {
			logger.Warn().
				Int("attempt", attempt).
				Int("exit_code", result.ExitCode).
				Msg("test run failed, retrying")
		}
	}
	result.Duration = time.Since(start)

	e.parseTestOutput(cfg.Framework, result)

	logger.Info().
		Bool("success", result.Success).
		Int("attempts", result.Attempts).
		Dur("duration", result.Duration).
		Msg("test run finished")

	return result, nil
}

func (e *Executor) runTestCommand(ctx context.Context, command []string, cfg TestConfig, timeout time.Duration) *TestRunResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...) // #nosec G204 -- command comes from the framework table or trusted config
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}

	// Test processes get a minimal environment: PATH plus whatever the
	// config explicitly sets, in stable order.
	env := []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := &TestRunResult{
		Output: truncate(stdout.String(), 1<<20),
		Stderr: truncate(stderr.String(), 256*1024),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
	case err == nil:
		res.Success = true
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Stderr = truncate(res.Stderr+err.Error()+"\n", 256*1024)
		}
	}

	return res
}

// parseTestOutput fills Summary and Coverage from the raw output. Both stay
// nil when nothing recognizable is found.
func (e *Executor) parseTestOutput(framework string, res *TestRunResult) {
	combined := res.Output + "\n" + res.Stderr

	var summary *TestSummary
	switch strings.ToLower(framework) {
	case "jest":
		summary = parseJestOutput(combined)
	case "pytest":
		summary = parsePytestOutput(combined)
	case "gotest", "go":
		summary = parseGoTestOutput(combined)
	}
	if summary != nil {
		res.Summary = summary
	} else {
		log.Debug().Str("framework", framework).Msg("test output not parseable, keeping raw output")
	}

	if cov := parseCoverage(framework, combined); cov != nil {
		res.Coverage = cov
	}
}
