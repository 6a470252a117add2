package executor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"devforge/internal/config"
	"devforge/internal/container"
	"devforge/internal/guard"
)

func intPtr(n int) *int { return &n }

// spyManager records Run calls and returns a canned result.
type spyManager struct {
	calls  int
	spec   container.RunSpec
	result *container.RunResult
	err    error
}

func (s *spyManager) Run(_ context.Context, spec container.RunSpec) (*container.RunResult, error) {
	s.calls++
	s.spec = spec
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &container.RunResult{Success: true, Stdout: "ok\n", ExitCode: 0}, nil
}

func (s *spyManager) CleanupOldResources(context.Context, time.Duration) (int, error) { return 0, nil }
func (s *spyManager) Healthy(context.Context) bool                                    { return true }
func (s *spyManager) Close() error                                                    { return nil }

func newTestExecutor(t *testing.T, mgr container.Manager) *Executor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Sandbox.EnvWhitelist = []string{"LANG", "APP_MODE"}
	return New(mgr, cfg)
}

func TestRunCodeSecurityGateBlocksBeforeContainer(t *testing.T) {
	spy := &spyManager{}
	e := newTestExecutor(t, spy)

	res := e.RunCode(context.Background(), Request{
		Code:          `require('fs').writeFileSync('/etc/passwd', 'x')`,
		Language:      "javascript",
		SecurityLevel: guard.LevelHigh,
	})

	if res.Success {
		t.Error("rejected code must not succeed")
	}
	if !res.Restricted {
		t.Error("rejection must set restricted")
	}
	if !strings.Contains(res.Error, "security violation") {
		t.Errorf("Error = %q, want security violation prefix", res.Error)
	}
	if spy.calls != 0 {
		t.Errorf("container manager called %d times for rejected code, want 0", spy.calls)
	}
}

func TestRunCodeOverridesUnlockCapability(t *testing.T) {
	spy := &spyManager{}
	e := newTestExecutor(t, spy)

	res := e.RunCode(context.Background(), Request{
		Code:          `const r = fetch('https://example.com')`,
		Language:      "javascript",
		SecurityLevel: guard.LevelHigh,
		Overrides:     map[guard.Capability]bool{guard.CapNetwork: true},
	})

	if !res.Success {
		t.Fatalf("expected success with network override, got error %q", res.Error)
	}
	if spy.calls != 1 {
		t.Errorf("container calls = %d, want 1", spy.calls)
	}
}

func TestRunCodeContainerMapping(t *testing.T) {
	spy := &spyManager{
		result: &container.RunResult{
			Success:  false,
			Stdout:   "partial",
			Stderr:   "killed",
			ExitCode: -1,
			TimedOut: true,
			Duration: 3 * time.Second,
		},
	}
	e := newTestExecutor(t, spy)

	res := e.RunCode(context.Background(), Request{
		Code:        "print('hi')",
		Language:    "python",
		Timeout:     3 * time.Second,
		MemoryLimit: "128m",
		CPULimit:    "0.25",
		Stdin:       "input",
	})

	if res.Success {
		t.Error("timed out run must not succeed")
	}
	if !res.TimedOut {
		t.Error("TimedOut not propagated")
	}
	if !res.Restricted {
		t.Error("container runs are restricted")
	}
	if res.Stdout != "partial" || res.Stderr != "killed" {
		t.Errorf("output not propagated: %q / %q", res.Stdout, res.Stderr)
	}
	if spy.spec.Limits.MemoryMB != 128 {
		t.Errorf("memory limit = %d, want 128", spy.spec.Limits.MemoryMB)
	}
	if spy.spec.Limits.CPUShares != 256 {
		t.Errorf("cpu shares = %d, want 256", spy.spec.Limits.CPUShares)
	}
	if spy.spec.Stdin != "input" {
		t.Errorf("stdin = %q, want input", spy.spec.Stdin)
	}
	if spy.spec.Timeout != 3*time.Second {
		t.Errorf("timeout = %s, want 3s", spy.spec.Timeout)
	}
}

func TestRunCodeBadMemoryLimit(t *testing.T) {
	spy := &spyManager{}
	e := newTestExecutor(t, spy)

	res := e.RunCode(context.Background(), Request{
		Code:        "print(1)",
		Language:    "python",
		MemoryLimit: "lots",
	})
	if res.Success {
		t.Error("unparseable memory limit must fail")
	}
	if spy.calls != 0 {
		t.Error("container must not start with invalid limits")
	}
}

func TestRunCodeTimeoutClamped(t *testing.T) {
	spy := &spyManager{}
	e := newTestExecutor(t, spy)

	e.RunCode(context.Background(), Request{
		Code:     "print(1)",
		Language: "python",
		Timeout:  time.Hour,
	})
	if spy.spec.Timeout != 60*time.Second {
		t.Errorf("timeout = %s, want clamped to 60s", spy.spec.Timeout)
	}
}

func TestRunRestrictedUnsupportedLanguage(t *testing.T) {
	spy := &spyManager{}
	e := newTestExecutor(t, spy)

	res := e.RunCode(context.Background(), Request{
		Code:      "print(1)",
		Language:  "python",
		Isolation: IsolationRestricted,
	})

	if res.Success {
		t.Error("restricted python must be refused")
	}
	if !strings.Contains(res.Error, "not supported by restricted isolation") {
		t.Errorf("Error = %q, want unsupported-language message", res.Error)
	}
	if spy.calls != 0 {
		t.Error("refused restricted run must not fall back to a container")
	}
}

func TestRunRestrictedCapturesConsole(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	res := e.RunCode(context.Background(), Request{
		Code:      `console.log("hello", 42); console.error("warn text");`,
		Language:  "javascript",
		Isolation: IsolationRestricted,
	})

	if !res.Success {
		t.Fatalf("run failed: %q", res.Error)
	}
	if res.Stdout != "hello 42\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "hello 42\n")
	}
	if res.Stderr != "warn text\n" {
		t.Errorf("stderr = %q, want %q", res.Stderr, "warn text\n")
	}
	if !res.Restricted {
		t.Error("restricted run must set restricted flag")
	}
}

func TestRunRestrictedExpressionResult(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	res := e.RunCode(context.Background(), Request{
		Code:      `6 * 7`,
		Language:  "js",
		Isolation: IsolationRestricted,
	})
	if !res.Success {
		t.Fatalf("run failed: %q", res.Error)
	}
	if res.Stdout != "42\n" {
		t.Errorf("stdout = %q, want 42", res.Stdout)
	}
}

func TestRunRestrictedEnvWhitelist(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	res := e.RunCode(context.Background(), Request{
		Code:      `console.log(env.APP_MODE || "unset", env.SECRET_KEY || "unset")`,
		Language:  "javascript",
		Isolation: IsolationRestricted,
		Env: map[string]string{
			"APP_MODE":   "test",
			"SECRET_KEY": "hunter2",
		},
	})

	if !res.Success {
		t.Fatalf("run failed: %q", res.Error)
	}
	if res.Stdout != "test unset\n" {
		t.Errorf("stdout = %q, want only whitelisted env visible", res.Stdout)
	}
}

func TestRunRestrictedTimeout(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	start := time.Now()
	res := e.RunCode(context.Background(), Request{
		Code:      `for (;;) {}`,
		Language:  "javascript",
		Isolation: IsolationRestricted,
		Timeout:   100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if res.Success {
		t.Error("infinite loop must not succeed")
	}
	if !res.TimedOut {
		t.Error("TimedOut not set on interrupt")
	}
	if elapsed > 5*time.Second {
		t.Errorf("interrupt took %s, deadline not enforced", elapsed)
	}
}

func TestRunRestrictedThrownError(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	res := e.RunCode(context.Background(), Request{
		Code:      `throw new Error("boom")`,
		Language:  "javascript",
		Isolation: IsolationRestricted,
	})

	if res.Success {
		t.Error("thrown error must not succeed")
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if !strings.Contains(res.Error, "boom") {
		t.Errorf("Error = %q, want thrown message", res.Error)
	}
	if res.TimedOut {
		t.Error("exception is not a timeout")
	}
}

func TestRunRestrictedNoHostAccess(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	// The embedded runtime has no require and no process global at all.
	for _, code := range []string{
		`require("fs")`,
		`process.exit(0)`,
	} {
		res := e.RunCode(context.Background(), Request{
			Code:          code,
			Language:      "javascript",
			Isolation:     IsolationRestricted,
			SecurityLevel: guard.LevelLow,
		})
		if res.Success {
			t.Errorf("code %q must fail in the restricted runtime", code)
		}
	}
}

func TestRunCodeInvalidSpecNotRetryable(t *testing.T) {
	spy := &spyManager{
		err: &container.RunError{
			Name: "sandbox-test",
			Op:   "validate",
			Err:  fmt.Errorf("%w: code exceeds 1MB limit", container.ErrInvalidSpec),
		},
	}
	e := newTestExecutor(t, spy)

	res := e.RunCode(context.Background(), Request{
		Code:     "print(1)",
		Language: "python",
	})

	if res.Success {
		t.Error("rejected spec must not succeed")
	}
	// ExitCode 0 keeps the outcome out of the worker's retry classification;
	// a rejected spec fails the same way on every attempt.
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0 for a deterministic rejection", res.ExitCode)
	}
	if !strings.Contains(res.Error, "exceeds 1MB") {
		t.Errorf("Error = %q, want validation message", res.Error)
	}
}

func TestRunCodeRuntimeErrorRetryable(t *testing.T) {
	spy := &spyManager{
		err: &container.RunError{Name: "sandbox-test", Op: "probe", Err: container.ErrRuntimeUnavailable},
	}
	e := newTestExecutor(t, spy)

	res := e.RunCode(context.Background(), Request{
		Code:     "print(1)",
		Language: "python",
	})

	if res.Success {
		t.Error("unavailable runtime must not succeed")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 for a transient runtime failure", res.ExitCode)
	}
}

func TestRunRestrictedCancellationIsNotTimeout(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res := e.RunCode(ctx, Request{
		Code:      `for (;;) {}`,
		Language:  "javascript",
		Isolation: IsolationRestricted,
		Timeout:   30 * time.Second,
	})

	if res.Success {
		t.Error("canceled run must not succeed")
	}
	if res.TimedOut {
		t.Error("caller cancellation must not be reported as a timeout")
	}
	if !strings.Contains(res.Error, "canceled") {
		t.Errorf("Error = %q, want cancellation message", res.Error)
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
}

func TestRunTestsRetries(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	res, err := e.RunTests(context.Background(), TestConfig{
		Framework: "custom",
		Command:   []string{"false"},
		Timeout:   5 * time.Second,
	}, TestOptions{Retries: intPtr(2)})
	if err != nil {
		t.Fatalf("RunTests() error = %v", err)
	}

	if res.Success {
		t.Error("failing command must not succeed")
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 run + 2 retries)", res.Attempts)
	}
}

func TestRunTestsSuccessNoRetry(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	res, err := e.RunTests(context.Background(), TestConfig{
		Framework: "custom",
		Command:   []string{"echo", "all good"},
		Timeout:   5 * time.Second,
	}, TestOptions{Retries: intPtr(3)})
	if err != nil {
		t.Fatalf("RunTests() error = %v", err)
	}

	if !res.Success {
		t.Fatalf("command failed: %q", res.Stderr)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if !strings.Contains(res.Output, "all good") {
		t.Errorf("output = %q, want command output", res.Output)
	}
}

func TestRunTestsZeroRetries(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	res, err := e.RunTests(context.Background(), TestConfig{
		Framework: "custom",
		Command:   []string{"false"},
		Timeout:   5 * time.Second,
	}, TestOptions{Retries: intPtr(0)})
	if err != nil {
		t.Fatalf("RunTests() error = %v", err)
	}

	if res.Success {
		t.Error("failing command must not succeed")
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1 with zero retries", res.Attempts)
	}
}

func TestRunTestsNilRetriesUsesDefault(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})
	e.testRetries = 2

	res, err := e.RunTests(context.Background(), TestConfig{
		Framework: "custom",
		Command:   []string{"false"},
		Timeout:   5 * time.Second,
	}, TestOptions{})
	if err != nil {
		t.Fatalf("RunTests() error = %v", err)
	}

	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 from the configured default", res.Attempts)
	}
}

func TestRunTestsUnknownFramework(t *testing.T) {
	e := newTestExecutor(t, &spyManager{})

	if _, err := e.RunTests(context.Background(), TestConfig{Framework: "mocha"}, TestOptions{}); err == nil {
		t.Error("unknown framework without explicit command must fail")
	}
}

func TestFrameworkCommand(t *testing.T) {
	cmd, err := frameworkCommand(TestConfig{Framework: "pytest", Coverage: true, Pattern: "test_api.py"})
	if err != nil {
		t.Fatalf("frameworkCommand() error = %v", err)
	}
	joined := strings.Join(cmd, " ")
	if !strings.Contains(joined, "pytest") || !strings.Contains(joined, "--cov") || !strings.Contains(joined, "test_api.py") {
		t.Errorf("pytest command = %q", joined)
	}

	cmd, err = frameworkCommand(TestConfig{Framework: "gotest", Pattern: "TestQueue"})
	if err != nil {
		t.Fatalf("frameworkCommand() error = %v", err)
	}
	joined = strings.Join(cmd, " ")
	if !strings.Contains(joined, "-run TestQueue") {
		t.Errorf("go test command = %q", joined)
	}
}
