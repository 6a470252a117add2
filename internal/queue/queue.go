package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"devforge/internal/config"
)

// ErrStopped is returned by every operation after Stop.
var ErrStopped = errors.New("queue is stopped")

// FailOutcome reports what Fail did with a job.
type FailOutcome int

const (
	FailNotOwned FailOutcome = iota // job already resolved elsewhere, no-op
	FailRetried                     // re-queued with backoff
	FailTerminal                    // attempt budget exhausted
)

// TaskQueue is the durable job ledger. All cross-worker coordination happens
// through the backing store's atomic scripts; the only local state is the
// visibility timer armed per claim.
type TaskQueue struct {
	cfg config.QueueConfig

	mu      sync.Mutex
	client  *redis.Client
	timers  map[string]*time.Timer
	stopped bool
}

// New connects to Redis and returns a running queue.
func New(ctx context.Context, cfg config.QueueConfig) (*TaskQueue, error) {
	q := &TaskQueue{
		cfg:    cfg,
		timers: make(map[string]*time.Timer),
	}
	if err := q.connect(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *TaskQueue) connect(ctx context.Context) error {
	opts, err := redis.ParseURL(q.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	opts.PoolSize = 50
	opts.MinIdleConns = 10
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 500 * time.Millisecond

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connecting to redis: %w", err)
	}

	q.mu.Lock()
	q.client = client
	q.stopped = false
	q.mu.Unlock()

	log.Info().Str("prefix", q.cfg.KeyPrefix).Msg("queue connected")
	return nil
}

func (q *TaskQueue) conn() (*redis.Client, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.client == nil {
		return nil, ErrStopped
	}
	return q.client, nil
}

func (q *TaskQueue) key(suffix string) string {
	return q.cfg.KeyPrefix + ":" + suffix
}

func (q *TaskQueue) jobKey(id string) string {
	return q.cfg.KeyPrefix + ":tasks:" + id
}

func (q *TaskQueue) idemKey(key string) string {
	return q.cfg.KeyPrefix + ":idempotency:" + key
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	Priority       int               // 1-10; 0 means the configured default
	MaxAttempts    int               // 0 means the configured default
	Delay          time.Duration     // earliest claim is now+Delay
	IdempotencyKey string            // same key within the dedupe window returns the original job
	Metadata       map[string]string
}

// pendingScore orders the pending index: earlier available and higher
// priority sort first. Priority buys a fixed headstart per level, so it
// breaks ties without letting a high-priority job preempt one enqueued much
// earlier.
func (q *TaskQueue) pendingScore(availableAt time.Time, priority int) float64 {
	return float64(availableAt.UnixMilli() - int64(priority)*q.cfg.PriorityWeight.Milliseconds())
}

// Enqueue persists a new job in the pending state. With an idempotency key,
// a duplicate submission inside the dedupe window returns the original job
// and reports duplicate=true.
func (q *TaskQueue) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (*Job, bool, error) {
	client, err := q.conn()
	if err != nil {
		return nil, false, err
	}
	if jobType == "" {
		return nil, false, fmt.Errorf("job type is required")
	}

	priority := opts.Priority
	if priority == 0 {
		priority = q.cfg.DefaultPriority
	}
	if priority < 1 || priority > 10 {
		return nil, false, fmt.Errorf("priority must be 1-10, got %d", priority)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.cfg.DefaultAttempts
	}
	if maxAttempts < 1 {
		return nil, false, fmt.Errorf("max attempts must be >= 1, got %d", maxAttempts)
	}
	if opts.Delay < 0 {
		return nil, false, fmt.Errorf("delay must not be negative")
	}

	now := time.Now()
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		AvailableAt: now.Add(opts.Delay),
	}

	if opts.IdempotencyKey != "" {
		set, err := client.SetNX(ctx, q.idemKey(opts.IdempotencyKey), job.ID, q.cfg.DedupeWindow).Result()
		if err != nil {
			return nil, false, fmt.Errorf("idempotency check: %w", err)
		}
		if !set {
			existingID, err := client.Get(ctx, q.idemKey(opts.IdempotencyKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, false, fmt.Errorf("idempotency lookup: %w", err)
			}
			if existingID != "" {
				existing, err := q.GetJob(ctx, existingID)
				if err == nil && existing != nil {
					log.Debug().
						Str("job_id", existingID).
						Str("idempotency_key", opts.IdempotencyKey).
						Msg("duplicate enqueue absorbed")
					return existing, true, nil
				}
			}
			// The original job's hash is gone; take over the key.
			if err := client.Set(ctx, q.idemKey(opts.IdempotencyKey), job.ID, q.cfg.DedupeWindow).Err(); err != nil {
				return nil, false, fmt.Errorf("idempotency refresh: %w", err)
			}
		}
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), job.toHash())
	pipe.ZAdd(ctx, q.key("pending"), redis.Z{
		Score:  q.pendingScore(job.AvailableAt, job.Priority),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("persisting job: %w", err)
	}

	log.Info().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int("priority", job.Priority).
		Dur("delay", opts.Delay).
		Msg("job enqueued")

	return job, false, nil
}

// Claim atomically takes the next available job for this worker. Returns
// nil when nothing is claimable.
func (q *TaskQueue) Claim(ctx context.Context) (*Job, error) {
	client, err := q.conn()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	deadline := now.Add(q.cfg.VisibilityTimeout)

	res, err := claimScript.Run(ctx, client,
		[]string{q.key("pending"), q.key("processing")},
		q.cfg.KeyPrefix+":tasks:",
		now.UnixMilli(),
		deadline.UnixMilli(),
		20,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Claimed an id whose hash vanished. Drop it from processing so the
		// sweep does not chase a ghost.
		_, _ = client.ZRem(ctx, q.key("processing"), id).Result()
		log.Warn().Str("job_id", id).Msg("claimed job hash missing, dropped")
		return nil, nil
	}

	q.armTimer(job.ID)

	log.Debug().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int("attempts", job.Attempts).
		Msg("job claimed")

	return job, nil
}

// Complete resolves a claimed job as succeeded. Returns false when the job
// was not in processing, which makes duplicate and stale reports no-ops.
func (q *TaskQueue) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	client, err := q.conn()
	if err != nil {
		return false, err
	}
	q.cancelTimer(id)

	res, err := completeScript.Run(ctx, client,
		[]string{q.key("processing"), q.key("completed"), q.jobKey(id)},
		id,
		time.Now().UnixMilli(),
		string(result),
		q.cfg.TerminalRetention,
	).Int()
	if err != nil {
		return false, fmt.Errorf("completing job %s: %w", id, err)
	}
	if res == 0 {
		log.Warn().Str("job_id", id).Msg("complete for job not in processing, ignored")
		return false, nil
	}

	log.Info().Str("job_id", id).Msg("job completed")
	return true, nil
}

// Fail resolves a claimed job as failed. Under the attempt budget the job is
// re-queued with exponential backoff; over it the job lands in the terminal
// failed state. Returns FailNotOwned when the job was not in processing.
func (q *TaskQueue) Fail(ctx context.Context, id, errMsg string) (FailOutcome, error) {
	client, err := q.conn()
	if err != nil {
		return FailNotOwned, err
	}
	q.cancelTimer(id)

	// Attempts and priority are stable while a job is in processing, so they
	// can be read ahead of the resolve script.
	fields, err := client.HMGet(ctx, q.jobKey(id), "attempts", "priority").Result()
	if err != nil {
		return FailNotOwned, fmt.Errorf("reading job %s: %w", id, err)
	}
	attempts := fieldInt(fields[0])
	priority := fieldInt(fields[1])

	now := time.Now()
	retryAt := now.Add(backoffDelay(attempts))

	res, err := failScript.Run(ctx, client,
		[]string{q.key("processing"), q.key("pending"), q.key("failed"), q.jobKey(id)},
		id,
		now.UnixMilli(),
		errMsg,
		retryAt.UnixMilli(),
		q.pendingScore(retryAt, priority),
		q.cfg.TerminalRetention,
	).Int()
	if err != nil {
		return FailNotOwned, fmt.Errorf("failing job %s: %w", id, err)
	}

	switch res {
	case 1:
		log.Info().
			Str("job_id", id).
			Int("attempts", attempts).
			Time("retry_at", retryAt).
			Str("error", errMsg).
			Msg("job failed, retry scheduled")
		return FailRetried, nil
	case 2:
		log.Warn().
			Str("job_id", id).
			Int("attempts", attempts).
			Str("error", errMsg).
			Msg("job failed terminally")
		return FailTerminal, nil
	default:
		log.Warn().Str("job_id", id).Msg("fail for job not in processing, ignored")
		return FailNotOwned, nil
	}
}

// RecoverOrphans fails every processing job whose visibility deadline has
// elapsed, feeding each through the normal retry path. Jobs resolved by
// their owner between the scan and the fail are skipped by the ownership
// check, so the sweep is safe to run concurrently with normal operation.
func (q *TaskQueue) RecoverOrphans(ctx context.Context) (int, error) {
	client, err := q.conn()
	if err != nil {
		return 0, err
	}

	now := time.Now().UnixMilli()
	expired, err := client.ZRangeByScore(ctx, q.key("processing"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scanning processing index: %w", err)
	}

	var recovered int
	for _, id := range expired {
		outcome, err := q.Fail(ctx, id, "recovered after worker crash")
		if err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("orphan recovery failed")
			continue
		}
		if outcome != FailNotOwned {
			recovered++
		}
	}

	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("recovered orphaned jobs")
	}
	return recovered, nil
}

// GetJob fetches a job by id. Returns nil when it does not exist.
func (q *TaskQueue) GetJob(ctx context.Context, id string) (*Job, error) {
	client, err := q.conn()
	if err != nil {
		return nil, err
	}

	fields, err := client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return jobFromHash(fields)
}

// Stats is a point-in-time queue snapshot. TypeSample is approximate: it
// covers a bounded prefix of the pending index, which is enough for
// dashboards without paying for a full scan.
type Stats struct {
	Pending    int64          `json:"pending"`
	Processing int64          `json:"processing"`
	Completed  int64          `json:"completed"`
	Failed     int64          `json:"failed"`
	TypeSample map[string]int `json:"pending_types_sampled,omitempty"`
}

const statsSampleSize = 100

func (q *TaskQueue) GetStats(ctx context.Context) (*Stats, error) {
	client, err := q.conn()
	if err != nil {
		return nil, err
	}

	pipe := client.Pipeline()
	pending := pipe.ZCard(ctx, q.key("pending"))
	processing := pipe.ZCard(ctx, q.key("processing"))
	completed := pipe.ZCard(ctx, q.key("completed"))
	failed := pipe.ZCard(ctx, q.key("failed"))
	sample := pipe.ZRange(ctx, q.key("pending"), 0, statsSampleSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("collecting stats: %w", err)
	}

	stats := &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
		TypeSample: make(map[string]int),
	}

	for _, id := range sample.Val() {
		jobType, err := client.HGet(ctx, q.jobKey(id), "type").Result()
		if err != nil {
			continue
		}
		stats.TypeSample[jobType]++
	}

	return stats, nil
}

// Stop releases the backing connection and cancels every in-flight local
// timer. Jobs in processing are untouched; the sweep reclaims them if their
// workers never report.
func (q *TaskQueue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil
	}
	q.stopped = true

	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}

	var err error
	if q.client != nil {
		err = q.client.Close()
		q.client = nil
	}
	log.Info().Msg("queue stopped")
	return err
}

// Start reacquires the backing connection after a Stop.
func (q *TaskQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	alreadyRunning := !q.stopped && q.client != nil
	q.mu.Unlock()
	if alreadyRunning {
		return nil
	}
	return q.connect(ctx)
}

// armTimer starts the local visibility watchdog for a claimed job. When it
// fires, the job goes through the normal Fail path: the script's ownership
// check makes this race-safe against the handler resolving the job itself,
// and the sweep remains the backstop for processes that die outright.
func (q *TaskQueue) armTimer(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if old, ok := q.timers[id]; ok {
		old.Stop()
	}
	q.timers[id] = time.AfterFunc(q.cfg.VisibilityTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		outcome, err := q.Fail(ctx, id, "visibility timeout exceeded")
		if err != nil {
			if !errors.Is(err, ErrStopped) {
				log.Error().Err(err).Str("job_id", id).Msg("visibility timeout fail failed")
			}
			return
		}
		if outcome == FailNotOwned {
			// The handler beat the timer; nothing to do.
			return
		}
		log.Warn().
			Str("job_id", id).
			Dur("visibility_timeout", q.cfg.VisibilityTimeout).
			Bool("terminal", outcome == FailTerminal).
			Msg("claimed job unreported past visibility timeout, failed")
	})
}

func (q *TaskQueue) cancelTimer(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
}

func fieldInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
