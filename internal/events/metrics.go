package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sermonsync_events_handled_total",
		Help: "Change events handled, by collection, kind and outcome.",
	}, []string{"collection", "kind", "outcome"})

	eventsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sermonsync_events_pending",
		Help: "Change events published but not yet handled.",
	})
)
