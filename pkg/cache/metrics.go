package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_lookups_total",
		Help: "Total number of item lookups that reached a backend.",
	}, []string{"backend", "status" /* hit | miss | expired */})
	poolSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_saves_total",
		Help: "Total number of item saves.",
	}, []string{"backend", "status" /* ok | failed | skipped */})
	poolStorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_storage_errors_total",
		Help: "Total number of backend operations that returned an error.",
	}, []string{"backend", "op" /* load | persist | remove | clear | list */})
)
