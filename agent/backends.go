package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Executor backend selectors.
const (
	BackendCommand = "command"
	BackendHTTP    = "http"
)

// ExecutorConfig selects and configures a concrete executor backend.
//
// The command backend runs a local program per turn; the http backend
// forwards each turn to a remote service. Either way the backend receives
// the full InvokeRequest as JSON and replies with the agent's raw output.
type ExecutorConfig struct {
	// Backend is "command" or "http".
	Backend string `yaml:"backend" json:"backend"`

	// Command is the program the command backend runs (required for it).
	Command string `yaml:"command" json:"command"`

	// Args are fixed arguments passed before the per-turn input.
	Args []string `yaml:"args" json:"args"`

	// URL is the endpoint the http backend posts to (required for it).
	URL string `yaml:"url" json:"url"`

	// APIKey, when set, is sent as a bearer token by the http backend.
	APIKey string `yaml:"api_key" json:"api_key"`

	// Timeout bounds a single invocation. Zero means the caller's
	// context is the only bound.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxOutputBytes caps the accepted output size. Oversized output is
	// an invocation failure, not a silent truncation: cutting off the
	// tail would corrupt the decisions block the engine parses from it.
	MaxOutputBytes int `yaml:"max_output_bytes" json:"max_output_bytes"`
}

// DefaultExecutorConfig returns the default backend configuration. The
// command itself has no default: the operator must point the engine at a
// real agent program before serving.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Backend:        BackendCommand,
		Timeout:        10 * time.Minute,
		MaxOutputBytes: 4 << 20,
	}
}

// NewExecutor builds the configured executor backend.
func NewExecutor(cfg ExecutorConfig, logger *zap.Logger) (Executor, error) {
	switch cfg.Backend {
	case BackendCommand:
		return NewCommandExecutor(cfg, logger)
	case BackendHTTP:
		return NewHTTPExecutor(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported executor backend %q", cfg.Backend)
	}
}

// =============================================================================
// Command backend
// =============================================================================

// CommandExecutor runs a local program once per turn. The InvokeRequest is
// written to the program's stdin as JSON, the working directory is the
// agent's workspace, and stdout is returned as the agent's raw output.
// Request fields are mirrored into STATEFLOW_* environment variables so
// shell-based backends can skip JSON parsing.
type CommandExecutor struct {
	command   string
	args      []string
	timeout   time.Duration
	maxOutput int
	logger    *zap.Logger
}

// NewCommandExecutor creates a command backend from the configuration.
func NewCommandExecutor(cfg ExecutorConfig, logger *zap.Logger) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("executor command is required for the command backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultExecutorConfig().MaxOutputBytes
	}
	return &CommandExecutor{
		command:   cfg.Command,
		args:      cfg.Args,
		timeout:   cfg.Timeout,
		maxOutput: maxOutput,
		logger:    logger.With(zap.String("component", "command_executor")),
	}, nil
}

// Invoke implements Executor.
func (e *CommandExecutor) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode invoke request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = req.Workspace
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"STATEFLOW_WORKFLOW="+req.Workflow,
		"STATEFLOW_AGENT="+req.Agent,
		"STATEFLOW_AGENT_TYPE="+req.Type,
		"STATEFLOW_WORKSPACE="+req.Workspace,
		"STATEFLOW_TURN="+strconv.Itoa(req.Turn),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	e.logger.Debug("agent command finished",
		zap.String("workflow", req.Workflow),
		zap.String("agent", req.Agent),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("failed", runErr != nil),
	)

	// Cancellation and deadline must surface as context errors so the
	// retry layer classifies them as TIMEOUT/CANCELLED, not as backend
	// failures.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return "", fmt.Errorf("agent command failed: %s", clampDetail(detail))
	}
	if stdout.Len() > e.maxOutput {
		return "", fmt.Errorf("agent output exceeds %d bytes", e.maxOutput)
	}
	return stdout.String(), nil
}

// =============================================================================
// HTTP backend
// =============================================================================

// HTTPExecutor forwards each turn to a remote agent service with a JSON
// POST of the InvokeRequest. JSON replies use the invokeResponse envelope;
// any other content type is taken verbatim as the agent's output.
type HTTPExecutor struct {
	url       string
	apiKey    string
	client    *http.Client
	maxOutput int
	logger    *zap.Logger
}

// invokeResponse is the reply envelope of a JSON-speaking agent service.
type invokeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// NewHTTPExecutor creates an http backend from the configuration.
func NewHTTPExecutor(cfg ExecutorConfig, logger *zap.Logger) (*HTTPExecutor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("executor url is required for the http backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = DefaultExecutorConfig().MaxOutputBytes
	}
	return &HTTPExecutor{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: cfg.Timeout},
		maxOutput: maxOutput,
		logger:    logger.With(zap.String("component", "http_executor")),
	}, nil
}

// Invoke implements Executor.
func (e *HTTPExecutor) Invoke(ctx context.Context, req InvokeRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("invoke agent backend: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(e.maxOutput)+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("read agent backend response: %w", err)
	}
	if len(body) > e.maxOutput {
		return "", fmt.Errorf("agent output exceeds %d bytes", e.maxOutput)
	}

	e.logger.Debug("agent backend responded",
		zap.String("workflow", req.Workflow),
		zap.String("agent", req.Agent),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("agent backend returned status %d: %s", resp.StatusCode, clampDetail(string(body)))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var out invokeResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decode agent backend response: %w", err)
		}
		if out.Error != "" {
			return "", fmt.Errorf("agent backend error: %s", clampDetail(out.Error))
		}
		return out.Output, nil
	}
	return string(body), nil
}

// clampDetail bounds diagnostic strings carried inside error values.
func clampDetail(s string) string {
	const limit = 2048
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
