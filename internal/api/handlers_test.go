package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"devforge/internal/config"
	"devforge/internal/container"
	"devforge/internal/executor"
	"devforge/internal/monitor"
)

// stubManager satisfies container.Manager without a runtime. Restricted-mode
// requests never reach it.
type stubManager struct{}

func (stubManager) Run(ctx context.Context, spec container.RunSpec) (*container.RunResult, error) {
	return &container.RunResult{Success: true, Stdout: "container ran\n"}, nil
}

func (stubManager) CleanupOldResources(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (stubManager) Healthy(ctx context.Context) bool { return true }

func (stubManager) Close() error { return nil }

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	cfg := config.DefaultConfig()
	exec := executor.New(stubManager{}, cfg)
	return NewHandlers(nil, exec, nil, nil, monitor.NewMetrics())
}

func TestHandleExecute_RestrictedJavaScript(t *testing.T) {
	h := newTestHandlers(t)

	body := `{"language":"javascript","code":"1+1","isolation_mode":"restricted","security_level":"low"}`
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Success {
		t.Errorf("execution failed: %s", resp.Error)
	}
	if resp.Stdout != "2\n" {
		t.Errorf("got stdout %q, want %q", resp.Stdout, "2\n")
	}
	if !resp.Restricted {
		t.Error("restricted flag not set")
	}
}

func TestHandleExecute_SecurityRejection(t *testing.T) {
	h := newTestHandlers(t)

	body := `{"language":"javascript","code":"fetch('http://evil.example')","security_level":"high"}`
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}

	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Success {
		t.Error("rejected code reported success")
	}
	if !strings.Contains(resp.Error, "security violation") {
		t.Errorf("got error %q, want security violation", resp.Error)
	}
}

func TestHandleExecute_MissingFields(t *testing.T) {
	h := newTestHandlers(t)

	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{not json`},
		{"no language", `{"code":"1+1"}`},
		{"no code", `{"language":"javascript"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.HandleExecute(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}

			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decoding error response: %v", err)
			}
			if resp.Code != "INVALID_REQUEST" {
				t.Errorf("got code %q, want INVALID_REQUEST", resp.Code)
			}
		})
	}
}

func TestHandleExecute_PermissionOverride(t *testing.T) {
	h := newTestHandlers(t)

	body := `{"language":"javascript","code":"fetch('http://internal.example')","security_level":"high","permissions":{"network":true}}`
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleExecute(rec, req)

	var resp ExecuteResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if strings.Contains(resp.Error, "security violation") {
		t.Errorf("network override ignored: %s", resp.Error)
	}
}

func TestHandleListExecutions_NoDatabase(t *testing.T) {
	h := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/executions", nil)
	rec := httptest.NewRecorder()
	h.HandleListExecutions(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Errorf("got status %d, want 501", rec.Code)
	}
}

func TestDurationJSON(t *testing.T) {
	var req ExecuteRequest
	if err := json.Unmarshal([]byte(`{"language":"javascript","code":"1","timeout":"5s"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Timeout.Duration != 5*time.Second {
		t.Errorf("got timeout %v, want 5s", req.Timeout.Duration)
	}

	b, err := json.Marshal(Duration{3 * time.Second})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"3s"` {
		t.Errorf("got %s, want \"3s\"", b)
	}
}

func TestDurationJSON_Invalid(t *testing.T) {
	var req ExecuteRequest
	if err := json.Unmarshal([]byte(`{"timeout":"not-a-duration"}`), &req); err == nil {
		t.Error("expected error for invalid duration")
	}
}
