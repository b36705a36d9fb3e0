package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks federation traffic. A nil *Metrics records nothing.
type Metrics struct {
	Deliveries             *prometheus.CounterVec
	DeliveryRetriesPending prometheus.Gauge
	DispatchedActivities   *prometheus.CounterVec
	TimelineEntries        prometheus.Counter
	SignatureVerifications *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_deliveries_total",
			Help: "Outbound activity deliveries by result",
		}, []string{"result"}),
		DeliveryRetriesPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tusk_delivery_retries_pending",
			Help: "Deliveries waiting in the retry queue",
		}),
		DispatchedActivities: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_dispatched_activities_total",
			Help: "Inbound activities handled by the dispatcher",
		}, []string{"type", "result"}),
		TimelineEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "tusk_timeline_entries_total",
			Help: "Timeline entries written by fan-out",
		}),
		SignatureVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_signature_verifications_total",
			Help: "Inbound HTTP signature checks by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) Delivery(result string) {
	if m != nil {
		m.Deliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RetriesPending(n int) {
	if m != nil {
		m.DeliveryRetriesPending.Set(float64(n))
	}
}

func (m *Metrics) Dispatched(activityType, result string) {
	if m != nil {
		m.DispatchedActivities.WithLabelValues(activityType, result).Inc()
	}
}

func (m *Metrics) TimelineWritten(n int) {
	if m != nil && n > 0 {
		m.TimelineEntries.Add(float64(n))
	}
}

func (m *Metrics) SignatureChecked(result string) {
	if m != nil {
		m.SignatureVerifications.WithLabelValues(result).Inc()
	}
}
