package native

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	symbolsMaterialized *prometheus.CounterVec
	symbolCacheHits     *prometheus.CounterVec
	indexCacheRequests  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		symbolsMaterialized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdb_native_symbols_materialized_total",
			Help: "Number of symbols materialized, by symbol tag.",
		}, []string{"tag"}),
		symbolCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdb_native_symbol_cache_hits_total",
			Help: "Number of materialization requests answered from the symbol cache.",
		}, []string{"kind"}),
		indexCacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdb_native_index_cache_requests_total",
			Help: "Number of per-compiland index lookups, by index and result.",
		}, []string{"index", "result"}),
	}

	if reg != nil {
		m.symbolsMaterialized = registerOrGet(reg, m.symbolsMaterialized)
		m.symbolCacheHits = registerOrGet(reg, m.symbolCacheHits)
		m.indexCacheRequests = registerOrGet(reg, m.indexCacheRequests)
	}

	return m
}

// registerOrGet registers c with reg, returning the existing collector if
// an identical one is already registered.
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}

func (m *metrics) indexLookup(index string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.indexCacheRequests.WithLabelValues(index, result).Inc()
}
