// Package storage is the Postgres-backed audit trail for executions. Writes
// go through an async buffered writer so the hot path never blocks on the
// database.
package storage

import "time"

// Execution is one stored execution audit record.
type Execution struct {
	ID         string     `json:"id" db:"id"`
	JobID      string     `json:"job_id,omitempty" db:"job_id"` // empty for direct API executions
	Language   string     `json:"language" db:"language"`
	CodeHash   string     `json:"code_hash" db:"code_hash"`
	ExitCode   int        `json:"exit_code" db:"exit_code"`
	Output     string     `json:"output" db:"output"`
	Stderr     string     `json:"stderr" db:"stderr"`
	DurationMS int64      `json:"duration_ms" db:"duration_ms"`
	Restricted bool       `json:"restricted" db:"restricted"`
	TimedOut   bool       `json:"timed_out" db:"timed_out"`
	Status     string     `json:"status" db:"status"` // completed, failed, timeout, rejected
	Reason     string     `json:"reason,omitempty" db:"reason"` // rejection or error detail
	RequestIP  string     `json:"request_ip,omitempty" db:"request_ip"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// ExecutionFilter narrows a ListExecutions query.
type ExecutionFilter struct {
	JobID    string
	Language string
	Status   string
	Limit    int
	Offset   int
}
