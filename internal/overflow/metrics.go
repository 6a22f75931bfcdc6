package overflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var overflows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sermonsync_overflow_total",
	Help: "Inserts that exceeded list capacity, by overflow policy.",
}, []string{"policy"})
