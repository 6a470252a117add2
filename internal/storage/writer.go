package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"devforge/internal/executor"
)

// AuditWriter buffers execution records and writes them to the database in
// the background. Entries are dropped, with a log line, when the buffer is
// full: auditing never backpressures execution.
type AuditWriter struct {
	db   *DB
	ch   chan *Execution
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *Execution, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues an execution record for background insertion.
func (w *AuditWriter) Log(exec *Execution) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	select {
	case w.ch <- exec:
	default:
		log.Warn().Str("execution_id", exec.ID).Msg("audit buffer full, dropping record")
	}
}

// LogResult records an executor result against an optional job id.
func (w *AuditWriter) LogResult(jobID, language, code string, res *executor.Result) {
	status := "completed"
	switch {
	case res.TimedOut:
		status = "timeout"
	case res.Restricted && !res.Success && res.ExitCode == 0 && res.Error != "":
		status = "rejected"
	case !res.Success:
		status = "failed"
	}

	now := time.Now()
	w.Log(&Execution{
		JobID:      jobID,
		Language:   language,
		CodeHash:   fmt.Sprintf("%x", sha256.Sum256([]byte(code))),
		ExitCode:   res.ExitCode,
		Output:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
		Restricted: res.Restricted,
		TimedOut:   res.TimedOut,
		Status:     status,
		Reason:     res.Error,
		CreatedAt:  now.Add(-res.Duration),
		FinishedAt: &now,
	})
}

// Flush stops intake and drains the buffer, bounded by the timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(exec *Execution) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.InsertExecution(ctx, exec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("execution_id", exec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("execution_id", exec.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
