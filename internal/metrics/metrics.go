// Package metrics exposes the Prometheus registry shared by the extractor.
// Metrics are defined next to the code they measure (arcgis, extract) and
// registered via promauto.
//
// Feature service (internal/arcgis):
//   - clu_service_requests_total{endpoint, status} (Counter)
//   - clu_service_request_duration_seconds{endpoint} (Histogram)
//   - clu_service_retries_total (Counter)
//   - clu_service_token_refreshes_total (Counter)
//
// Subdivision (internal/extract):
//   - clu_extract_regions_total{outcome} (Counter): leaf, split, paginated
//   - clu_extract_records_total (Counter)
//   - clu_extract_duplicates_total (Counter)
//
// A CLI run is short lived, so instead of serving /metrics the totals are
// written once to a node_exporter textfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
)

// Registry is the registerer promauto uses by default.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source WriteTextfile reads from.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// WriteTextfile writes every gathered metric to path in the text exposition
// format. The file is written atomically. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Gatherer); err != nil {
		return eris.Wrapf(err, "metrics: write %s", path)
	}
	return nil
}
