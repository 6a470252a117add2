package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"devforge/internal/executor"
	"devforge/internal/guard"
	"devforge/internal/monitor"
	"devforge/internal/queue"
	"devforge/internal/storage"
)

type Handlers struct {
	queue   *queue.TaskQueue
	exec    *executor.Executor
	db      *storage.DB
	audit   *storage.AuditWriter
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

func NewHandlers(q *queue.TaskQueue, exec *executor.Executor, db *storage.DB, audit *storage.AuditWriter, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		queue:   q,
		exec:    exec,
		db:      db,
		audit:   audit,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
	}
}

// HandleEnqueue submits a job to the queue.
func (h *Handlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Type == "" {
		writeError(w, "type is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	job, duplicate, err := h.queue.Enqueue(r.Context(), req.Type, req.Payload, queue.EnqueueOptions{
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		Delay:          req.Delay.Duration,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		if errors.Is(err, queue.ErrStopped) {
			writeError(w, "queue unavailable", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if !duplicate {
		h.metrics.JobsEnqueued.WithLabelValues(job.Type).Inc()
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, EnqueueResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Duplicate: duplicate,
	})
}

// HandleGetJob returns the current state of a job.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.queue.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if job == nil {
		writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleStats returns queue depth counters and a sampled type distribution.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.GetStats(r.Context())
	if err != nil {
		if errors.Is(err, queue.ErrStopped) {
			writeError(w, "queue unavailable", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		writeError(w, err.Error(), "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleExecute runs code synchronously, bypassing the queue. The security
// gate and sandbox limits still apply.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	overrides := make(map[guard.Capability]bool, len(req.Permissions))
	for name, allowed := range req.Permissions {
		overrides[guard.Capability(name)] = allowed
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "api.execute",
		monitor.AttrLanguage.String(req.Language),
	)
	defer span.End()

	res := h.exec.RunCode(ctx, executor.Request{
		Code:          req.Code,
		Language:      req.Language,
		Timeout:       req.Timeout.Duration,
		MemoryLimit:   req.MemoryLimit,
		CPULimit:      req.CPULimit,
		Stdin:         req.Stdin,
		Args:          req.Args,
		Env:           req.Env,
		Isolation:     executor.Isolation(req.Isolation),
		SecurityLevel: guard.Level(req.SecurityLevel),
		Overrides:     overrides,
		Network:       req.Network,
	})

	span.SetAttributes(
		monitor.AttrExitCode.Int(res.ExitCode),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
	)

	if strings.HasPrefix(res.Error, "security violation") {
		h.metrics.SecurityRejects.WithLabelValues(req.Language).Inc()
	}

	status := "success"
	switch {
	case res.TimedOut:
		status = "timeout"
	case !res.Success:
		status = "error"
	}
	h.metrics.RecordExecution(req.Language, status, res.Duration)
	h.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))
	if h.audit != nil {
		h.audit.LogResult("", req.Language, req.Code, res)
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Success:    res.Success,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		Duration:   res.Duration.Round(time.Millisecond).String(),
		Restricted: res.Restricted,
		TimedOut:   res.TimedOut,
		Error:      res.Error,
	})
}

// HandleListExecutions queries the audit trail.
func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "audit trail not configured", "NOT_CONFIGURED", http.StatusNotImplemented, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		JobID:    q.Get("job_id"),
		Language: q.Get("language"),
		Status:   q.Get("status"),
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing executions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

// HandleGetExecution returns one audit record.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "audit trail not configured", "NOT_CONFIGURED", http.StatusNotImplemented, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response failed")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
