package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/switchboard/switchboard/pkg/health"
	"github.com/switchboard/switchboard/pkg/log"
	"github.com/switchboard/switchboard/pkg/tracing"
)

// readyzTimeout bounds the readiness probes so a hung dependency cannot hang
// the endpoint.
const readyzTimeout = 5 * time.Second

// Handler returns the broker's HTTP surface: the WebSocket endpoint and the
// operational endpoints, all on one listener.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/healthz", b.handleHealthz)
	mux.HandleFunc("/readyz", b.handleReadyz)
	mux.Handle("/metrics", b.metricsHandler.Handler())

	var h http.Handler = mux
	h = b.instrumentHTTP(h)
	h = tracing.MiddlewareWithConfig(tracing.MiddlewareConfig{
		// Upgraded connections live for hours; a span per connection is
		// noise, so the WebSocket endpoint is not traced here.
		Skipper: func(r *http.Request) bool { return r.URL.Path == "/ws" },
	})(h)
	h = log.HTTPMiddleware(b.logger)(h)
	return h
}

// handleWS upgrades the connection and starts its pump goroutines. Everything
// after the upgrade happens over the fabric protocol, starting with the
// registration handshake.
func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := newConnection(b, ws, bearerToken(r))
	b.logger.Debug().Str("connection_id", conn.id).Str("remote_addr", r.RemoteAddr).Msg("connection opened")

	go conn.writePump()
	go conn.readPump()
}

// bearerToken extracts the Authorization bearer token, if any. The register
// payload's token field takes precedence over it.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// handleHealthz reports process liveness.
func (b *Broker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz runs the readiness checks: fabric up, journal reachable, and
// artifact store reachable when enabled.
func (b *Broker) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
	defer cancel()

	status, results := health.RunChecks(ctx, b.checks)
	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// instrumentHTTP records request metrics for the operational endpoints. The
// WebSocket endpoint is skipped: its connections are long-lived and the
// wrapped writer would break the upgrade's hijack.
func (b *Broker) instrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		b.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for the request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
