package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsHandler serves the default registry, where the OpenTelemetry
// Prometheus exporter publishes saga and outbox metrics
func NewMetricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	PendingEvents int64  `json:"pendingEvents"`
}

// Health reports OK while the outbox store answers
func (h *SubscriptionHandlers) Health(w http.ResponseWriter, r *http.Request) {
	pending, err := h.outboxAdmin.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "OK", PendingEvents: pending})
}
