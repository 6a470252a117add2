package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"
)

// ErrUnsupportedLanguage is returned when the restricted path is asked to run
// a language the embedded interpreter cannot handle.
var ErrUnsupportedLanguage = errors.New("language not supported by restricted isolation")

// restrictedLanguages is the fixed allow-list for in-process execution. The
// path exists for low-latency trusted snippets; everything else goes to a
// container.
var restrictedLanguages = map[string]bool{
	"javascript": true,
	"js":         true,
}

const restrictedOutputLimit = 256 * 1024

// runRestricted executes a snippet inside an embedded interpreter with a hard
// wall-clock deadline. No host environment leaks in beyond the whitelist, and
// there is no require, no filesystem, and no network in the runtime at all.
func (e *Executor) runRestricted(ctx context.Context, req Request, timeout time.Duration) *Result {
	if !restrictedLanguages[strings.ToLower(req.Language)] {
		return &Result{
			Success:    false,
			Restricted: true,
			Error:      fmt.Sprintf("%s: %q", ErrUnsupportedLanguage, req.Language),
		}
	}

	vm := goja.New()

	var stdout, stderr strings.Builder
	appendLine := func(b *strings.Builder, parts []goja.Value) {
		if b.Len() > restrictedOutputLimit {
			return
		}
		strs := make([]string, len(parts))
		for i, v := range parts {
			strs[i] = v.String()
		}
		b.WriteString(strings.Join(strs, " "))
		b.WriteByte('\n')
	}

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		appendLine(&stdout, call.Arguments)
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		appendLine(&stderr, call.Arguments)
		return goja.Undefined()
	})
	_ = console.Set("warn", func(call goja.FunctionCall) goja.Value {
		appendLine(&stderr, call.Arguments)
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	env := vm.NewObject()
	for k, v := range e.whitelistedEnv(req.Env) {
		_ = env.Set(k, v)
	}
	_ = vm.Set("env", env)

	if len(req.Args) > 0 {
		_ = vm.Set("args", req.Args)
	}

	// Interrupt fires on both the deadline and caller cancellation; the
	// interpreter aborts at the next instruction boundary.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	interruptDone := make(chan struct{})
	defer close(interruptDone)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-interruptDone:
		}
	}()

	start := time.Now()
	value, err := vm.RunString(req.Code)
	duration := time.Since(start)

	res := &Result{
		Stdout:     truncate(stdout.String(), restrictedOutputLimit),
		Stderr:     truncate(stderr.String(), restrictedOutputLimit),
		Duration:   duration,
		Restricted: true,
	}

	if err != nil {
		var interrupted *goja.InterruptedError
		var exception *goja.Exception
		switch {
		case errors.As(err, &interrupted):
			res.ExitCode = -1
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				res.TimedOut = true
				res.Error = fmt.Sprintf("execution exceeded %s timeout", timeout)
				log.Warn().Str("language", req.Language).Dur("timeout", timeout).Msg("restricted run interrupted")
			} else {
				// Caller cancellation, not a deadline.
				res.Error = "execution canceled"
				log.Warn().Str("language", req.Language).Msg("restricted run canceled")
			}
		case errors.As(err, &exception):
			res.ExitCode = 1
			res.Error = exception.Error()
			res.Stderr = truncate(res.Stderr+exception.String()+"\n", restrictedOutputLimit)
		default:
			res.ExitCode = 1
			res.Error = err.Error()
		}
		return res
	}

	// Expression results surface like a REPL so bare snippets are useful.
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) && stdout.Len() == 0 {
		res.Stdout = truncate(value.String()+"\n", restrictedOutputLimit)
	}

	res.Success = true
	return res
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n... [output truncated]"
}
