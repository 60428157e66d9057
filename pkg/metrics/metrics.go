// Package metrics exposes prometheus counters for the code-shipping subsystem.
//
// Counters are grouped per component (bundler, installer). A nil *Metrics is
// valid and records nothing, so that library packages do not need to care
// whether a CLI driver has enabled metrics collection.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelUnit   = "unit"
	labelReason = "reason"
)

// Metrics holds all counters
type Metrics struct {
	BundlesArchived  *prometheus.CounterVec
	BundleBytes      *prometheus.CounterVec
	Installs         *prometheus.CounterVec
	InstallCacheHits *prometheus.CounterVec
	Invalidations    *prometheus.CounterVec
	Evictions        *prometheus.CounterVec
	ExtractFailures  *prometheus.CounterVec
	Purged           prometheus.Counter
}

var (
	defaultMetrics *Metrics
	initOnce       sync.Once
)

// Default returns process-wide metrics, registered on the default prometheus registry
func Default() *Metrics {
	initOnce.Do(func() {
		defaultMetrics = New(WithRegisterer(prometheus.DefaultRegisterer))
	})
	return defaultMetrics
}

// New builds a fresh set of counters
func New(opts ...Option) *Metrics {
	s := defaultSettings()
	for _, apply := range opts {
		apply(s)
	}

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		BundlesArchived:  counterVec("bundles_archived_total", "Code units archived into bundles", labelUnit),
		BundleBytes:      counterVec("bundle_bytes_total", "Bytes of archived bundles", labelUnit),
		Installs:         counterVec("installs_total", "Bundles extracted and activated", labelUnit),
		InstallCacheHits: counterVec("install_cache_hits_total", "Installs short-circuited by a matching fingerprint", labelUnit),
		Invalidations:    counterVec("invalidations_total", "Installations deactivated", labelUnit),
		Evictions:        counterVec("evictions_total", "Loaded modules evicted after an invalidation", labelUnit),
		ExtractFailures:  counterVec("extract_failures_total", "Bundles that could not be extracted", labelUnit, labelReason),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: s.namespace,
			Name:      "purged_locations_total",
			Help:      "Inactive installed locations removed from disk",
		}),
	}

	if s.registerer != nil {
		for _, c := range m.collectors() {
			if err := s.registerer.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BundlesArchived, m.BundleBytes, m.Installs, m.InstallCacheHits,
		m.Invalidations, m.Evictions, m.ExtractFailures, m.Purged,
	}
}

// Archived records a freshly archived bundle
func (m *Metrics) Archived(unit string, size int) {
	if m == nil {
		return
	}
	m.BundlesArchived.WithLabelValues(unit).Inc()
	m.BundleBytes.WithLabelValues(unit).Add(float64(size))
}

// Installed records an extracted and activated bundle
func (m *Metrics) Installed(unit string) {
	if m == nil {
		return
	}
	m.Installs.WithLabelValues(unit).Inc()
}

// CacheHit records an install short-circuited by a matching fingerprint
func (m *Metrics) CacheHit(unit string) {
	if m == nil {
		return
	}
	m.InstallCacheHits.WithLabelValues(unit).Inc()
}

// Invalidated records a deactivated installation and the number of evicted modules
func (m *Metrics) Invalidated(unit string, evicted int) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(unit).Inc()
	m.Evictions.WithLabelValues(unit).Add(float64(evicted))
}

// ExtractFailed records a bundle that could not be extracted
func (m *Metrics) ExtractFailed(unit, reason string) {
	if m == nil {
		return
	}
	m.ExtractFailures.WithLabelValues(unit, reason).Inc()
}

// PurgedLocations records removed inactive locations
func (m *Metrics) PurgedLocations(n int) {
	if m == nil {
		return
	}
	m.Purged.Add(float64(n))
}
