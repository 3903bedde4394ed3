package observability

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool
	// Namespace prefix for all metrics (default: authbridge).
	Namespace string
	// Version is the application version for the info metric.
	Version string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "authbridge",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv creates a MetricsConfig from environment variables.
// AUTHBRIDGE_METRICS_ENABLED: true/false (default: true)
// APP_VERSION: version string (default: dev)
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("AUTHBRIDGE_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics provides application metrics collection.
// Thread-safe for concurrent use.
type Metrics struct {
	mu        sync.RWMutex
	namespace string
	version   string

	// HTTP request counters: key = "method:path:status"
	httpRequestCounts map[string]*atomic.Int64

	// Flow terminal-state counters: key = outcome label.
	flowOutcomes map[string]*atomic.Int64

	exchangeFailures atomic.Int64
	refreshes        atomic.Int64
	refreshFailures  atomic.Int64
	ambientTokens    atomic.Int64
	stateMismatches  atomic.Int64
}

// NewMetrics creates a new Metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		namespace:         cfg.Namespace,
		version:           cfg.Version,
		httpRequestCounts: make(map[string]*atomic.Int64),
		flowOutcomes:      make(map[string]*atomic.Int64),
	}
}

// RecordHTTPRequest records an HTTP request with its method, path, and
// status code.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int) {
	if m == nil {
		return
	}
	key := fmt.Sprintf("%s:%s:%d", method, path, statusCode)
	m.counter(m.httpRequestCounts, key).Add(1)
}

// RecordFlowOutcome counts one flow reaching a terminal state:
// authenticated, exchange_failed, cancelled, or timed_out.
func (m *Metrics) RecordFlowOutcome(outcome string) {
	if m == nil {
		return
	}
	m.counter(m.flowOutcomes, outcome).Add(1)
}

// RecordExchangeFailure counts a failed code-for-token exchange.
func (m *Metrics) RecordExchangeFailure() {
	if m != nil {
		m.exchangeFailures.Add(1)
	}
}

// RecordRefresh counts a lazy session refresh attempt.
func (m *Metrics) RecordRefresh(ok bool) {
	if m == nil {
		return
	}
	m.refreshes.Add(1)
	if !ok {
		m.refreshFailures.Add(1)
	}
}

// RecordAmbientToken counts a token captured on the ambient path.
func (m *Metrics) RecordAmbientToken() {
	if m != nil {
		m.ambientTokens.Add(1)
	}
}

// RecordStateMismatch counts a callback dropped for an unknown or
// already-consumed state.
func (m *Metrics) RecordStateMismatch() {
	if m != nil {
		m.stateMismatches.Add(1)
	}
}

func (m *Metrics) counter(table map[string]*atomic.Int64, key string) *atomic.Int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := table[key]
	if !ok {
		c = &atomic.Int64{}
		table[key] = c
	}
	return c
}

// Handler returns an http.Handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writePrometheusMetrics(w)
	})
}

func (m *Metrics) writePrometheusMetrics(w http.ResponseWriter) {
	fmt.Fprintf(w, "# HELP %s_info Application information\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_info gauge\n", m.namespace)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", m.namespace, m.version)

	fmt.Fprintf(w, "# HELP %s_http_requests_total Total number of HTTP requests\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_http_requests_total counter\n", m.namespace)
	m.mu.RLock()
	keys := make([]string, 0, len(m.httpRequestCounts))
	for k := range m.httpRequestCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			fmt.Fprintf(w, "%s_http_requests_total{method=%q,path=%q,status=%q} %d\n",
				m.namespace, parts[0], parts[1], parts[2], m.httpRequestCounts[key].Load())
		}
	}

	fmt.Fprintf(w, "\n# HELP %s_flows_total Authentication flows by terminal state\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_flows_total counter\n", m.namespace)
	outcomes := make([]string, 0, len(m.flowOutcomes))
	for k := range m.flowOutcomes {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "%s_flows_total{outcome=%q} %d\n", m.namespace, o, m.flowOutcomes[o].Load())
	}
	m.mu.RUnlock()

	fmt.Fprintf(w, "\n# HELP %s_exchange_failures_total Failed code-for-token exchanges\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_exchange_failures_total counter\n", m.namespace)
	fmt.Fprintf(w, "%s_exchange_failures_total %d\n", m.namespace, m.exchangeFailures.Load())

	fmt.Fprintf(w, "\n# HELP %s_refreshes_total Lazy session refresh attempts\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_refreshes_total counter\n", m.namespace)
	fmt.Fprintf(w, "%s_refreshes_total{result=\"ok\"} %d\n", m.namespace, m.refreshes.Load()-m.refreshFailures.Load())
	fmt.Fprintf(w, "%s_refreshes_total{result=\"failed\"} %d\n", m.namespace, m.refreshFailures.Load())

	fmt.Fprintf(w, "\n# HELP %s_ambient_tokens_total Tokens captured on the ambient path\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_ambient_tokens_total counter\n", m.namespace)
	fmt.Fprintf(w, "%s_ambient_tokens_total %d\n", m.namespace, m.ambientTokens.Load())

	fmt.Fprintf(w, "\n# HELP %s_state_mismatches_total Callbacks dropped for unknown or consumed state\n", m.namespace)
	fmt.Fprintf(w, "# TYPE %s_state_mismatches_total counter\n", m.namespace)
	fmt.Fprintf(w, "%s_state_mismatches_total %d\n", m.namespace, m.stateMismatches.Load())
}

// MetricsMiddleware returns an HTTP middleware that records request metrics.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip the metrics endpoint itself to avoid recursion.
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode)
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so streaming responses keep
// working through the middleware chain.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for compatibility with
// http.ResponseController and other wrapping utilities.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
