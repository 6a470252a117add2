package main

import (
	"testing"

	"devforge/internal/executor"
)

func TestRetryableResult(t *testing.T) {
	tests := []struct {
		name string
		res  *executor.Result
		want bool
	}{
		{
			name: "transient runtime failure",
			res:  &executor.Result{Success: false, ExitCode: -1, Error: "container runtime unavailable"},
			want: true,
		},
		{
			name: "rejected spec",
			res:  &executor.Result{Success: false, Restricted: true, Error: "invalid run spec: code exceeds 1MB limit"},
			want: false,
		},
		{
			name: "security rejection",
			res:  &executor.Result{Success: false, Restricted: true, Error: "security violation: filesystem access denied"},
			want: false,
		},
		{
			name: "timeout",
			res:  &executor.Result{Success: false, ExitCode: -1, TimedOut: true, Error: "execution exceeded 10s timeout"},
			want: false,
		},
		{
			name: "program failure",
			res:  &executor.Result{Success: false, ExitCode: 1, Stderr: "SyntaxError"},
			want: false,
		},
		{
			name: "success",
			res:  &executor.Result{Success: true, Stdout: "ok\n"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableResult(tt.res); got != tt.want {
				t.Errorf("retryableResult() = %v, want %v", got, tt.want)
			}
		})
	}
}
