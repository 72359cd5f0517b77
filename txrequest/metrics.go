package txrequest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "txrequest"
	metricsSubsystem = "tracker"
)

// trackerMetrics mirrors, with real counters, the event-per-meter
// idiom the teacher's eth/fetcher/metrics.go uses (one named meter per
// state transition the scheduler can cause).
type trackerMetrics struct {
	announcementsIn      prometheus.Counter
	announcementsDropped prometheus.Counter
	requestsOut          prometheus.Counter
	requestsExpired      prometheus.Counter
	responsesIn          prometheus.Counter
	itemsForgotten       prometheus.Counter
	peersDisconnected    prometheus.Counter
	itemsTracked         prometheus.Gauge
}

func newTrackerMetrics(reg prometheus.Registerer) *trackerMetrics {
	factory := promauto.With(reg)
	return &trackerMetrics{
		announcementsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "announcements_received_total",
			Help:      "Number of received_inv calls that created a new announcement.",
		}),
		announcementsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "announcements_dropped_total",
			Help:      "Number of received_inv calls ignored as duplicates.",
		}),
		requestsOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_sent_total",
			Help:      "Number of announcements transitioned to Requested.",
		}),
		requestsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_expired_total",
			Help:      "Number of outstanding requests that timed out before a response arrived.",
		}),
		responsesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "responses_received_total",
			Help:      "Number of received_response calls matched to an existing announcement.",
		}),
		itemsForgotten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "items_forgotten_total",
			Help:      "Number of forget_item calls that erased at least one announcement.",
		}),
		peersDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "peers_disconnected_total",
			Help:      "Number of disconnected_peer calls that erased at least one announcement.",
		}),
		itemsTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "announcements_tracked",
			Help:      "Current number of live announcements across all peers and items.",
		}),
	}
}
