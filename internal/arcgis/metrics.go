package arcgis

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for feature service requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clu_service_requests_total",
		Help: "Feature service requests by endpoint and HTTP status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clu_service_request_duration_seconds",
		Help:    "Feature service request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clu_service_retries_total",
		Help: "Retries of transient feature service failures",
	})

	tokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clu_service_token_refreshes_total",
		Help: "Session token refreshes after the service rejected a token",
	})
)

// endpointLabel keeps label cardinality fixed regardless of the layer URL.
func endpointLabel(endpoint string) string {
	if strings.HasSuffix(endpoint, "/query") {
		return "query"
	}
	return "layer"
}

func statusLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code)
}
