package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string                 `json:"status"`
	LatencyMs int64                  `json:"latency_ms,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Pinger is a dependency that can report its reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Broker reports whether the message broker connection is usable
type Broker interface {
	IsClosed() bool
}

// Ready returns readiness check with dependencies. A nil broker means the
// server runs without one and is reported as disabled.
func Ready(backend Pinger, backendName string, broker Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		backendResult := make(chan HealthCheckResult, 1)
		go func() {
			backendResult <- checkBackend(ctx, backend, backendName)
		}()
		brokerCheck := checkBroker(broker)
		backendCheck := <-backendResult

		response := map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"checks": map[string]HealthCheckResult{
				"backend":  backendCheck,
				"rabbitmq": brokerCheck,
			},
		}

		allHealthy := backendCheck.Status == "up" && brokerCheck.Status != "down"

		if allHealthy {
			response["status"] = "ready"
			writeJSON(w, http.StatusOK, response)
		} else {
			response["status"] = "not_ready"
			writeJSON(w, http.StatusServiceUnavailable, response)
		}
	}
}

// checkBackend verifies the realtime backend answers
func checkBackend(ctx context.Context, backend Pinger, name string) HealthCheckResult {
	start := time.Now()
	err := backend.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return HealthCheckResult{
			Status:    "down",
			LatencyMs: latency.Milliseconds(),
			Error:     err.Error(),
		}
	}

	return HealthCheckResult{
		Status:    "up",
		LatencyMs: latency.Milliseconds(),
		Metadata: map[string]interface{}{
			"kind": name,
		},
	}
}

// checkBroker verifies RabbitMQ connectivity
func checkBroker(broker Broker) HealthCheckResult {
	if broker == nil {
		return HealthCheckResult{Status: "disabled"}
	}
	if broker.IsClosed() {
		return HealthCheckResult{
			Status: "down",
			Error:  "connection closed",
		}
	}
	return HealthCheckResult{Status: "up"}
}
