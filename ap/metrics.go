package ap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboxActivities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_inbox_activities_total",
		Help: "Inbound activities by type and response status.",
	}, []string{"type", "status"})

	relayedDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Outbound relay deliveries by result.",
	}, []string{"result"})

	followRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_follow_requests_total",
		Help: "Follow requests by resulting status.",
	}, []string{"status"})
)
