// Package metrics holds the prometheus collectors shared by the VFS,
// the caches and the block devices.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kernelfs"

// Registry is private to kernelfs so tests and embedders are not affected
// by the global default registry.
var Registry = newRegistry()

var factory = promauto.With(Registry)

var (
	PathCacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "path_cache",
		Name:      "lookups_total",
		Help:      "Forward path cache lookups by result.",
	}, []string{"result"})

	PathCacheEvictions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "path_cache",
		Name:      "evictions_total",
		Help:      "Entries removed by prefix invalidation.",
	})

	IndexRebuilds = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vfs",
		Name:      "index_rebuilds_total",
		Help:      "Full path index rebuilds.",
	})

	Mounts = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "vfs",
		Name:      "mounts",
		Help:      "Number of mounted filesystems.",
	})

	BlockCacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "block_cache",
		Name:      "lookups_total",
		Help:      "Block cache lookups by result.",
	}, []string{"result"})

	DeviceBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blockdev",
		Name:      "bytes_total",
		Help:      "Bytes transferred to and from block devices.",
	}, []string{"op"})
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Hit and Miss are label values for the lookup counters.
const (
	Hit  = "hit"
	Miss = "miss"
)
