package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for subdivision.
var (
	regionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clu_extract_regions_total",
		Help: "Query regions resolved, by outcome (leaf, split, paginated)",
	}, []string{"outcome"})

	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clu_extract_records_total",
		Help: "Deduplicated CLU records fetched",
	})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clu_extract_duplicates_total",
		Help: "Records dropped because a neighbouring region already returned them",
	})
)
