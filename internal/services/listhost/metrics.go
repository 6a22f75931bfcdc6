package listhost

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var remoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sermonsync_remote_requests_total",
	Help: "Requests made to the list host, by operation and outcome.",
}, []string{"op", "outcome"})
