package listlock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sermonsync_lock_conflicts_total",
	Help: "Lock attempts that found the list held by another caller.",
})
