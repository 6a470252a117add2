//go:build integration

package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"devforge/internal/config"
)

// These tests need a live Redis. Point REDIS_URL at one, or run the default
// local instance:
//
//	docker run --rm -p 6379:6379 redis:7-alpine
//	go test -tags integration ./internal/queue/
func newIntegrationQueue(t *testing.T) *TaskQueue {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}

	cfg := config.DefaultConfig().Queue
	cfg.RedisURL = url
	cfg.KeyPrefix = "devforge_it"
	cfg.VisibilityTimeout = 2 * time.Second

	q, err := New(context.Background(), cfg)
	if err != nil {
		t.Skipf("redis not available at %s: %v", url, err)
	}

	// Each test starts from a clean namespace.
	opts, _ := redis.ParseURL(url)
	client := redis.NewClient(opts)
	keys, _ := client.Keys(context.Background(), cfg.KeyPrefix+":*").Result()
	if len(keys) > 0 {
		client.Del(context.Background(), keys...)
	}
	_ = client.Close()

	t.Cleanup(func() { _ = q.Stop() })
	return q
}

func TestIntegrationEnqueueClaimComplete(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	job, dup, err := q.Enqueue(ctx, "run_code", json.RawMessage(`{"language":"python"}`), EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if dup {
		t.Error("fresh enqueue reported as duplicate")
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("claimed = %+v, want job %s", claimed, job.ID)
	}
	if claimed.Status != StatusProcessing || claimed.Attempts != 1 {
		t.Errorf("claimed status=%s attempts=%d, want processing/1", claimed.Status, claimed.Attempts)
	}

	ok, err := q.Complete(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !ok {
		t.Error("Complete() = false for owned job")
	}

	// Second report is a no-op.
	ok, err = q.Complete(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("second Complete() error = %v", err)
	}
	if ok {
		t.Error("duplicate Complete() = true, want no-op")
	}

	final, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != StatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	if string(final.Result) != `{"ok":true}` {
		t.Errorf("result = %s", final.Result)
	}
}

func TestIntegrationClaimIsExclusive(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	const claimers = 8
	results := make(chan *Job, claimers)
	for i := 0; i < claimers; i++ {
		go func() {
			job, err := q.Claim(ctx)
			if err != nil {
				t.Errorf("Claim() error = %v", err)
			}
			results <- job
		}()
	}

	var winners int
	for i := 0; i < claimers; i++ {
		if job := <-results; job != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestIntegrationPriorityOrdering(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	low, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{Priority: 1})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	high, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{Priority: 10})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	first, err := q.Claim(ctx)
	if err != nil || first == nil {
		t.Fatalf("first Claim() = %v, %v", first, err)
	}
	if first.ID != high.ID {
		t.Errorf("first claim = %s, want high-priority job %s", first.ID, high.ID)
	}

	second, err := q.Claim(ctx)
	if err != nil || second == nil {
		t.Fatalf("second Claim() = %v, %v", second, err)
	}
	if second.ID != low.ID {
		t.Errorf("second claim = %s, want %s", second.ID, low.ID)
	}
}

func TestIntegrationDelayedJobNotClaimable(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	if _, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{Delay: 2 * time.Second}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if job != nil {
		t.Errorf("delayed job claimed early: %+v", job)
	}

	time.Sleep(2100 * time.Millisecond)
	job, err = q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() after delay error = %v", err)
	}
	if job == nil {
		t.Error("job not claimable after its delay elapsed")
	}
}

func TestIntegrationIdempotency(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	first, dup, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{IdempotencyKey: "req-42"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if dup {
		t.Error("first enqueue reported as duplicate")
	}

	second, dup, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{IdempotencyKey: "req-42"})
	if err != nil {
		t.Fatalf("duplicate Enqueue() error = %v", err)
	}
	if !dup {
		t.Error("duplicate not detected")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned %s, want original %s", second.ID, first.ID)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Pending != 1 {
		t.Errorf("pending = %d, want 1", stats.Pending)
	}
}

func TestIntegrationRetryThenTerminal(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := q.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}

	outcome, err := q.Fail(ctx, job.ID, "transient error")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if outcome != FailRetried {
		t.Fatalf("first fail outcome = %d, want retried", outcome)
	}

	stored, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("status after retry = %s, want pending", stored.Status)
	}
	if stored.LastError != "transient error" {
		t.Errorf("last_error = %q", stored.LastError)
	}
	// attempts=1, so the backoff is 2s from now.
	wait := time.Until(stored.AvailableAt)
	if wait < time.Second || wait > 3*time.Second {
		t.Errorf("retry delay = %s, want ~2s", wait)
	}

	// Not claimable during backoff.
	if early, _ := q.Claim(ctx); early != nil {
		t.Errorf("job claimed during backoff: %+v", early)
	}

	time.Sleep(wait + 200*time.Millisecond)
	claimed, err = q.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim() after backoff = %v, %v", claimed, err)
	}
	if claimed.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", claimed.Attempts)
	}

	outcome, err = q.Fail(ctx, job.ID, "still broken")
	if err != nil {
		t.Fatalf("second Fail() error = %v", err)
	}
	if outcome != FailTerminal {
		t.Errorf("second fail outcome = %d, want terminal", outcome)
	}

	stored, _ = q.GetJob(ctx, job.ID)
	if stored.Status != StatusFailed {
		t.Errorf("final status = %s, want failed", stored.Status)
	}
}

func TestIntegrationOrphanRecovery(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	// A crashed worker takes its local timer down with it; the sweep is the
	// only thing left to notice the job.
	q.cancelTimer(job.ID)

	// Nothing expired yet.
	n, err := q.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans() error = %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d before visibility elapsed, want 0", n)
	}

	// The visibility timeout is 2s in this config; wait it out as if the
	// worker crashed without reporting.
	time.Sleep(2200 * time.Millisecond)

	n, err = q.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans() error = %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	stored, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("recovered status = %s, want pending", stored.Status)
	}
	if stored.LastError != "recovered after worker crash" {
		t.Errorf("last_error = %q", stored.LastError)
	}
}

func TestIntegrationVisibilityTimerRequeues(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	job, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// The claim armed a 2s local timer. Never report and let it fire; the
	// job must go back to pending without any sweep running.
	time.Sleep(2300 * time.Millisecond)

	stored, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("status after timer fired = %s, want pending", stored.Status)
	}
	if stored.LastError != "visibility timeout exceeded" {
		t.Errorf("last_error = %q", stored.LastError)
	}

	// Reclaimable after its backoff like any other retried job.
	time.Sleep(time.Until(stored.AvailableAt) + 200*time.Millisecond)
	claimed, err := q.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim() after requeue = %v, %v", claimed, err)
	}
	if claimed.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", claimed.Attempts)
	}
}

func TestIntegrationStats(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if _, _, err := q.Enqueue(ctx, "run_tests", nil, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := q.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}
	if _, err := q.Complete(ctx, claimed.ID, nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	stats, err := q.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Pending != 3 {
		t.Errorf("pending = %d, want 3", stats.Pending)
	}
	if stats.Processing != 0 {
		t.Errorf("processing = %d, want 0", stats.Processing)
	}
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
	if stats.TypeSample["run_code"]+stats.TypeSample["run_tests"] != 3 {
		t.Errorf("type sample = %v", stats.TypeSample)
	}
}

func TestIntegrationStopStart(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	if err := q.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{}); err != ErrStopped {
		t.Errorf("Enqueue() after stop = %v, want ErrStopped", err)
	}

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, _, err := q.Enqueue(ctx, "run_code", nil, EnqueueOptions{}); err != nil {
		t.Errorf("Enqueue() after restart error = %v", err)
	}
}
