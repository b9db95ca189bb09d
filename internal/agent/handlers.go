package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/switchboard/switchboard/internal/health"
	"github.com/switchboard/switchboard/pkg/tracing"
)

// HandlerFunc executes one command. The context carries the per-command
// timeout; params are the spec defaults merged under the forwarded params.
// The returned value is JSON-encoded into the command_result payload.
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// blockingBuiltins names the handlers that always run on the worker pool,
// regardless of the spec's blocking flag.
var blockingBuiltins = map[string]bool{
	"sleep": true,
	"run":   true,
}

// runOutputLimit caps captured stdout/stderr per stream.
const runOutputLimit = 64 * 1024

// handlerSet holds the built-in command handlers and their shared
// dependencies.
type handlerSet struct {
	cfg        *Config
	evaluator  *health.Evaluator
	httpClient *http.Client
}

func newHandlerSet(cfg *Config, evaluator *health.Evaluator) *handlerSet {
	return &handlerSet{
		cfg:       cfg,
		evaluator: evaluator,
		httpClient: &http.Client{
			Transport: tracing.RoundTripper(http.DefaultTransport),
		},
	}
}

// Map returns the handler table keyed by handler name.
func (h *handlerSet) Map() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"echo":        h.Echo,
		"ping":        h.Ping,
		"sleep":       h.Sleep,
		"run":         h.Run,
		"system_info": h.SystemInfo,
		"http_probe":  h.HTTPProbe,
	}
}

// Echo returns the msg param under an "echo" key, or the whole param set
// when no msg was given.
func (h *handlerSet) Echo(_ context.Context, params map[string]interface{}) (interface{}, error) {
	if msg, ok := params["msg"]; ok {
		return map[string]interface{}{"echo": msg}, nil
	}
	return params, nil
}

// Ping reports liveness.
func (h *handlerSet) Ping(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"reply":     "pong",
		"timestamp": time.Now().UTC(),
	}, nil
}

// Sleep pauses for the duration param. Cancelling the context cuts the
// sleep short and fails the command.
func (h *handlerSet) Sleep(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	d, err := paramDuration(params, "duration")
	if err != nil {
		return nil, err
	}

	start := time.Now()
	select {
	case <-time.After(d):
		return map[string]interface{}{"slept": time.Since(start).String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes an allow-listed program and captures its output. A non-zero
// exit is reported in the result, not as a handler failure; only failures
// to start (or a timeout) fail the command.
func (h *handlerSet) Run(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if len(h.cfg.RunAllowlist) == 0 {
		return nil, fmt.Errorf("run is disabled: no allow-listed executables configured")
	}

	name, err := paramString(params, "command")
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, candidate := range h.cfg.RunAllowlist {
		if candidate == name {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("executable %q is not allow-listed", name)
	}

	args, err := paramStringSlice(params, "args")
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to run %q: %w", name, runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return map[string]interface{}{
		"command":   name,
		"args":      args,
		"exit_code": exitCode,
		"stdout":    truncate(stdout.String(), runOutputLimit),
		"stderr":    truncate(stderr.String(), runOutputLimit),
	}, nil
}

// SystemInfo reports host facts and the current health snapshot.
func (h *handlerSet) SystemInfo(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	info := map[string]interface{}{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
		"cpus": runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info["hostname"] = hostname
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["kernel_version"] = hi.KernelVersion
		info["uptime_seconds"] = hi.Uptime
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total_bytes"] = vm.Total
		info["memory_used_percent"] = vm.UsedPercent
	}

	if h.evaluator != nil {
		info["health"] = h.evaluator.Snapshot()
	}

	return info, nil
}

// HTTPProbe issues a GET against the url param and reports status and
// latency. The response body is discarded.
func (h *handlerSet) HTTPProbe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	rawURL, err := paramString(params, "url")
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url scheme %q: only http and https are probed", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	latency := time.Since(start)

	return map[string]interface{}{
		"url":         rawURL,
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"latency_ms":  latency.Milliseconds(),
	}, nil
}

// Param helpers. Forwarded params arrive as generic JSON values, so numeric
// types show up as float64 and lists as []interface{}.

func paramString(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

// paramDuration accepts either a Go duration string ("2s") or a number of
// seconds.
func paramDuration(params map[string]interface{}, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing required param %q", key)
	}

	switch val := v.(type) {
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", key, err)
		}
		if d <= 0 {
			return 0, fmt.Errorf("param %q must be positive", key)
		}
		return d, nil
	case float64:
		if val <= 0 {
			return 0, fmt.Errorf("param %q must be positive", key)
		}
		return time.Duration(val * float64(time.Second)), nil
	case int:
		if val <= 0 {
			return 0, fmt.Errorf("param %q must be positive", key)
		}
		return time.Duration(val) * time.Second, nil
	default:
		return 0, fmt.Errorf("param %q must be a duration string or seconds", key)
	}
}

func paramStringSlice(params map[string]interface{}, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}

	switch val := v.(type) {
	case []string:
		return val, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("param %q[%d] must be a string", key, i)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q must be a list of strings", key)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "... (truncated)"
}
