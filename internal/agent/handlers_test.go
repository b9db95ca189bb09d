package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard/switchboard/internal/health"
)

func newTestHandlerSet(cfg *Config) *handlerSet {
	sampler := health.NewSampler(time.Minute, zerolog.Nop())
	evaluator := health.NewEvaluator(sampler, health.DefaultThresholds(), zerolog.Nop())
	return newHandlerSet(cfg, evaluator)
}

func TestHandlerSet_MapCoversBuiltins(t *testing.T) {
	h := newTestHandlerSet(&Config{})

	m := h.Map()
	for _, name := range []string{"echo", "ping", "sleep", "run", "system_info", "http_probe"} {
		assert.Contains(t, m, name)
	}
}

func TestEcho(t *testing.T) {
	h := newTestHandlerSet(&Config{})
	ctx := context.Background()

	t.Run("msg param echoed", func(t *testing.T) {
		result, err := h.Echo(ctx, map[string]interface{}{"msg": "hi"})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"echo": "hi"}, result)
	})

	t.Run("no msg returns params", func(t *testing.T) {
		params := map[string]interface{}{"a": 1.0, "b": "two"}
		result, err := h.Echo(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, params, result)
	})
}

func TestPing(t *testing.T) {
	h := newTestHandlerSet(&Config{})

	result, err := h.Ping(context.Background(), nil)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "pong", m["reply"])
	assert.NotZero(t, m["timestamp"])
}

func TestSleep(t *testing.T) {
	h := newTestHandlerSet(&Config{})

	t.Run("duration string", func(t *testing.T) {
		start := time.Now()
		result, err := h.Sleep(context.Background(), map[string]interface{}{"duration": "20ms"})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

		m := result.(map[string]interface{})
		assert.NotEmpty(t, m["slept"])
	})

	t.Run("seconds as number", func(t *testing.T) {
		start := time.Now()
		_, err := h.Sleep(context.Background(), map[string]interface{}{"duration": 0.02})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("cancelled mid-sleep", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := h.Sleep(ctx, map[string]interface{}{"duration": "10s"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("missing duration", func(t *testing.T) {
		_, err := h.Sleep(context.Background(), map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `missing required param "duration"`)
	})
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled without allowlist", func(t *testing.T) {
		h := newTestHandlerSet(&Config{})
		_, err := h.Run(ctx, map[string]interface{}{"command": "echo"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run is disabled")
	})

	t.Run("rejects executable outside allowlist", func(t *testing.T) {
		h := newTestHandlerSet(&Config{RunAllowlist: []string{"uptime"}})
		_, err := h.Run(ctx, map[string]interface{}{"command": "rm"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"rm" is not allow-listed`)
	})

	t.Run("captures stdout", func(t *testing.T) {
		h := newTestHandlerSet(&Config{RunAllowlist: []string{"echo"}})
		result, err := h.Run(ctx, map[string]interface{}{
			"command": "echo",
			"args":    []interface{}{"hello", "world"},
		})
		require.NoError(t, err)

		m := result.(map[string]interface{})
		assert.Equal(t, "echo", m["command"])
		assert.Equal(t, 0, m["exit_code"])
		assert.Equal(t, "hello world\n", m["stdout"])
		assert.Empty(t, m["stderr"])
	})

	t.Run("non-zero exit is data, not failure", func(t *testing.T) {
		h := newTestHandlerSet(&Config{RunAllowlist: []string{"sh"}})
		result, err := h.Run(ctx, map[string]interface{}{
			"command": "sh",
			"args":    []interface{}{"-c", "exit 3"},
		})
		require.NoError(t, err)

		m := result.(map[string]interface{})
		assert.Equal(t, 3, m["exit_code"])
	})

	t.Run("missing command param", func(t *testing.T) {
		h := newTestHandlerSet(&Config{RunAllowlist: []string{"echo"}})
		_, err := h.Run(ctx, map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `missing required param "command"`)
	})
}

func TestSystemInfo(t *testing.T) {
	h := newTestHandlerSet(&Config{})

	result, err := h.SystemInfo(context.Background(), nil)
	require.NoError(t, err)

	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, m["os"])
	assert.NotEmpty(t, m["arch"])
	assert.NotZero(t, m["cpus"])

	if hostname, err := os.Hostname(); err == nil {
		assert.Equal(t, hostname, m["hostname"])
	}

	// The health snapshot rides along with host facts.
	require.Contains(t, m, "health")
	snap, ok := m["health"].(health.Snapshot)
	require.True(t, ok)
	assert.Equal(t, health.StatusHealthy, snap.Overall)
}

func TestHTTPProbe(t *testing.T) {
	h := newTestHandlerSet(&Config{})
	ctx := context.Background()

	t.Run("reports status and latency", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		result, err := h.HTTPProbe(ctx, map[string]interface{}{"url": srv.URL})
		require.NoError(t, err)

		m := result.(map[string]interface{})
		assert.Equal(t, srv.URL, m["url"])
		assert.Equal(t, http.StatusNoContent, m["status_code"])
		assert.GreaterOrEqual(t, m["latency_ms"], int64(0))
	})

	t.Run("rejects non-http scheme", func(t *testing.T) {
		_, err := h.HTTPProbe(ctx, map[string]interface{}{"url": "ftp://example.com/file"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only http and https")
	})

	t.Run("missing url", func(t *testing.T) {
		_, err := h.HTTPProbe(ctx, map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `missing required param "url"`)
	})

	t.Run("unreachable target fails the probe", func(t *testing.T) {
		_, err := h.HTTPProbe(ctx, map[string]interface{}{"url": "http://127.0.0.1:1/nothing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "probe failed")
	})
}

func TestParamDuration(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    time.Duration
		wantErr string
	}{
		{"duration string", "1500ms", 1500 * time.Millisecond, ""},
		{"seconds float", 2.0, 2 * time.Second, ""},
		{"fractional seconds", 0.5, 500 * time.Millisecond, ""},
		{"unparseable string", "soon", 0, `param "duration"`},
		{"negative", -1.0, 0, "must be positive"},
		{"zero", 0.0, 0, "must be positive"},
		{"wrong type", true, 0, "must be a duration string or seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := paramDuration(map[string]interface{}{"duration": tt.value}, "duration")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParamStringSlice(t *testing.T) {
	t.Run("absent is nil", func(t *testing.T) {
		got, err := paramStringSlice(map[string]interface{}{}, "args")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("json list", func(t *testing.T) {
		got, err := paramStringSlice(map[string]interface{}{"args": []interface{}{"a", "b"}}, "args")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, got)
	})

	t.Run("mixed list rejected", func(t *testing.T) {
		_, err := paramStringSlice(map[string]interface{}{"args": []interface{}{"a", 2.0}}, "args")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be a string")
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	long := strings.Repeat("x", 20)
	got := truncate(long, 10)
	assert.True(t, strings.HasSuffix(got, "... (truncated)"))
	assert.Equal(t, strings.Repeat("x", 10), strings.TrimSuffix(got, "... (truncated)"))
}
