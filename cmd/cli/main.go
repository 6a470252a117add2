package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string

	timeout   string
	language  string
	memory    string
	isolation string
	secLevel  string
	network   bool

	jobType        string
	priority       int
	maxAttempts    int
	delay          string
	idempotencyKey string
)

func main() {
	root := &cobra.Command{
		Use:   "devforge",
		Short: "CLI client for the devforge job and execution API",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("DEVFORGE_API_KEY"), "API key")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Execute code synchronously",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, javascript, bash, ...)")
	execCmd.Flags().StringVar(&memory, "memory", "256m", "Memory limit")
	execCmd.Flags().StringVar(&isolation, "isolation", "", "Isolation mode (container, restricted)")
	execCmd.Flags().StringVar(&secLevel, "security-level", "", "Security level (high, medium, low)")
	execCmd.Flags().BoolVar(&network, "network", false, "Enable network access")
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Execute code from a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	execFileCmd.Flags().StringVar(&timeout, "timeout", "10s", "Execution timeout")
	execFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	execFileCmd.Flags().StringVar(&memory, "memory", "256m", "Memory limit")
	execFileCmd.Flags().StringVar(&isolation, "isolation", "", "Isolation mode (container, restricted)")
	execFileCmd.Flags().StringVar(&secLevel, "security-level", "", "Security level (high, medium, low)")
	execFileCmd.Flags().BoolVar(&network, "network", false, "Enable network access")
	root.AddCommand(execFileCmd)

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [payload]",
		Short: "Submit a job to the queue (payload is JSON, or - for stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEnqueue,
	}
	enqueueCmd.Flags().StringVarP(&jobType, "type", "t", "run_code", "Job type")
	enqueueCmd.Flags().IntVarP(&priority, "priority", "p", 0, "Priority 1-10 (0 uses the server default)")
	enqueueCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Max attempts (0 uses the server default)")
	enqueueCmd.Flags().StringVar(&delay, "delay", "", "Delay before the job becomes runnable, e.g. 30s")
	enqueueCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Deduplication key")
	root.AddCommand(enqueueCmd)

	root.AddCommand(&cobra.Command{
		Use:   "job [id]",
		Short: "Show a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/jobs/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue depth counters",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/queue/stats")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent executions from the audit trail",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/executions")
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string

	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}

	return executeCode(code, language)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		switch ext := fileExtension(args[0]); ext {
		case ".py":
			language = "python"
		case ".js":
			language = "javascript"
		case ".ts":
			language = "typescript"
		case ".sh":
			language = "bash"
		case ".rb":
			language = "ruby"
		case ".go":
			language = "go"
		default:
			return fmt.Errorf("cannot detect language for extension %q, use --language flag", ext)
		}
	}

	return executeCode(string(data), language)
}

func executeCode(code, lang string) error {
	payload := map[string]any{
		"code":         code,
		"language":     lang,
		"timeout":      timeout,
		"memory_limit": memory,
	}
	if isolation != "" {
		payload["isolation_mode"] = isolation
	}
	if secLevel != "" {
		payload["security_level"] = secLevel
	}
	if network {
		payload["network_enabled"] = true
	}

	result, err := postJSON("/execute", payload, 70*time.Second)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	// Exit with the sandbox exit code
	if exitCode, ok := result["exit_code"].(float64); ok && exitCode != 0 {
		os.Exit(int(exitCode))
	}

	return nil
}

func runEnqueue(_ *cobra.Command, args []string) error {
	var raw []byte
	if len(args) > 0 && args[0] != "-" {
		raw = []byte(args[0])
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		raw = data
	}

	if len(raw) > 0 && !json.Valid(raw) {
		return fmt.Errorf("payload is not valid JSON")
	}

	payload := map[string]any{
		"type":    jobType,
		"payload": json.RawMessage(raw),
	}
	if priority > 0 {
		payload["priority"] = priority
	}
	if maxAttempts > 0 {
		payload["max_attempts"] = maxAttempts
	}
	if delay != "" {
		payload["delay"] = delay
	}
	if idempotencyKey != "" {
		payload["idempotency_key"] = idempotencyKey
	}

	result, err := postJSON("/jobs", payload, 10*time.Second)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func postJSON(path string, payload any, timeout time.Duration) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest("POST", serverURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

func getJSON(path string) error {
	req, err := http.NewRequest("GET", serverURL+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func fileExtension(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}
