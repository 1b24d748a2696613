package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the tri-state result of a single named check.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the result of one named check.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse is the full /healthz payload.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthCheckFunc performs one named check.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// HealthChecker aggregates named checks for the long-running daemon mode
// (index DB reachability, provider channel_check, cache-dir free space).
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// NewHealthChecker builds a checker reporting version in its payload.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck adds or replaces a named check.
func (hc *HealthChecker) RegisterCheck(name string, fn HealthCheckFunc) {
	hc.checks[name] = fn
}

// Check runs every registered check and aggregates the worst status.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	resp := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth, len(hc.checks)),
	}
	for name, fn := range hc.checks {
		h := fn(ctx)
		resp.Checks[name] = h
		switch {
		case h.Status == HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case h.Status == HealthStatusDegraded && resp.Status != HealthStatusUnhealthy:
			resp.Status = HealthStatusDegraded
		}
	}
	return resp
}

// Handler serves the aggregated health response as JSON.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		resp := hc.Check(ctx)
		w.Header().Set("Content-Type", "application/json")
		switch resp.Status {
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// IndexReachableCheck reports whether pingFn (typically *sql.DB.PingContext)
// succeeds within the health-check deadline.
func IndexReachableCheck(pingFn func(ctx context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := pingFn(ctx); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error(), LatencyMS: time.Since(start).Milliseconds()}
		}
		return ComponentHealth{Status: HealthStatusOK, Message: "index reachable", LatencyMS: time.Since(start).Milliseconds()}
	}
}

// ProviderChannelCheck reports the result of the provider's
// channel_check() operation.
func ProviderChannelCheck(checkFn func(ctx context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := checkFn(ctx); err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error(), LatencyMS: time.Since(start).Milliseconds()}
		}
		return ComponentHealth{Status: HealthStatusOK, Message: "channel reachable", LatencyMS: time.Since(start).Milliseconds()}
	}
}

// DiskFreeCheck reports degraded/unhealthy status when freeBytesFn drops
// below minFreeBytes.
func DiskFreeCheck(freeBytesFn func() (int64, error), minFreeBytes int64) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		free, err := freeBytesFn()
		if err != nil {
			return ComponentHealth{Status: HealthStatusDegraded, Message: err.Error()}
		}
		if free < minFreeBytes {
			return ComponentHealth{Status: HealthStatusDegraded, Message: "low free space in cache dir"}
		}
		return ComponentHealth{Status: HealthStatusOK}
	}
}
