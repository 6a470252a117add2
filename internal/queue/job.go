// Package queue is a durable, priority-ordered, retryable job ledger on
// Redis sorted sets. Producers enqueue jobs, workers claim them through an
// atomic script, and a periodic sweep reclaims jobs whose workers crashed.
package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one unit of queued work.
type Job struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Priority    int               `json:"priority"` // 1 (lowest) to 10 (highest)
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	LastError   string            `json:"last_error,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	AvailableAt time.Time         `json:"available_at"`
	ClaimedAt   time.Time         `json:"claimed_at,omitempty"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// toHash flattens a job into the field map stored in its Redis hash.
func (j *Job) toHash() map[string]any {
	h := map[string]any{
		"id":           j.ID,
		"type":         j.Type,
		"priority":     j.Priority,
		"status":       string(j.Status),
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"created_at":   j.CreatedAt.UnixMilli(),
		"available_at": j.AvailableAt.UnixMilli(),
	}
	if len(j.Payload) > 0 {
		h["payload"] = string(j.Payload)
	}
	if j.LastError != "" {
		h["last_error"] = j.LastError
	}
	if len(j.Result) > 0 {
		h["result"] = string(j.Result)
	}
	if len(j.Metadata) > 0 {
		meta, _ := json.Marshal(j.Metadata)
		h["metadata"] = string(meta)
	}
	if !j.ClaimedAt.IsZero() {
		h["claimed_at"] = j.ClaimedAt.UnixMilli()
	}
	if !j.FinishedAt.IsZero() {
		h["finished_at"] = j.FinishedAt.UnixMilli()
	}
	return h
}

// jobFromHash rebuilds a job from its Redis hash fields.
func jobFromHash(fields map[string]string) (*Job, error) {
	if fields["id"] == "" {
		return nil, fmt.Errorf("job hash missing id field")
	}

	j := &Job{
		ID:        fields["id"],
		Type:      fields["type"],
		Status:    Status(fields["status"]),
		LastError: fields["last_error"],
	}
	j.Priority = hashInt(fields, "priority")
	j.Attempts = hashInt(fields, "attempts")
	j.MaxAttempts = hashInt(fields, "max_attempts")
	j.CreatedAt = hashTime(fields, "created_at")
	j.AvailableAt = hashTime(fields, "available_at")
	j.ClaimedAt = hashTime(fields, "claimed_at")
	j.FinishedAt = hashTime(fields, "finished_at")

	if p := fields["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	if r := fields["result"]; r != "" {
		j.Result = json.RawMessage(r)
	}
	if m := fields["metadata"]; m != "" {
		if err := json.Unmarshal([]byte(m), &j.Metadata); err != nil {
			return nil, fmt.Errorf("job %s: corrupt metadata: %w", j.ID, err)
		}
	}

	return j, nil
}

func hashInt(fields map[string]string, key string) int {
	n, _ := strconv.Atoi(fields[key])
	return n
}

func hashTime(fields map[string]string, key string) time.Time {
	ms, err := strconv.ParseInt(fields[key], 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// backoffDelay is the retry delay after a failed attempt: 2^attempts seconds.
func backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 10 {
		attempts = 10 // cap at ~17 minutes
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}
