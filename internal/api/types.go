package api

import (
	"encoding/json"
	"time"
)

// ExecuteRequest is the API-level request to run code synchronously.
type ExecuteRequest struct {
	Code          string            `json:"code"`
	Language      string            `json:"language"`
	Timeout       Duration          `json:"timeout,omitempty"`
	MemoryLimit   string            `json:"memory_limit,omitempty"` // e.g. "256m"
	CPULimit      string            `json:"cpu_limit,omitempty"`    // e.g. "0.5"
	Stdin         string            `json:"stdin,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Isolation     string            `json:"isolation_mode,omitempty"` // container (default) or restricted
	SecurityLevel string            `json:"security_level,omitempty"` // high, medium, low
	Permissions   map[string]bool   `json:"permissions,omitempty"`    // capability overrides
	Network       bool              `json:"network_enabled,omitempty"`
}

// ExecuteResponse is the outcome of a synchronous execution.
type ExecuteResponse struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Duration   string `json:"duration"`
	Restricted bool   `json:"restricted"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EnqueueRequest submits a job to the queue.
type EnqueueRequest struct {
	Type           string            `json:"type"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	Delay          Duration          `json:"delay,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EnqueueResponse acknowledges a submitted job.
type EnqueueResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Queue    bool   `json:"queue"`
	Sandbox  bool   `json:"sandbox"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
