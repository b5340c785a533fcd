package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the check-in service.
type Metrics struct {
	// Check-in batch item outcomes by result ("admitted" or a failure reason)
	CheckinItems *prometheus.CounterVec

	// Pickup verification outcomes ("authorized", "denied", "override_eligible")
	PickupVerifications *prometheus.CounterVec

	// Verification requests rejected by the attempt limiter
	PickupRateLimited prometheus.Counter

	// Completed releases by disposition ("authorized", "override")
	PickupsRecorded *prometheus.CounterVec
}

// New creates a Metrics instance with all service metrics registered.
func New() *Metrics {
	return &Metrics{
		CheckinItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "checkin_items_total",
			Help: "Total check-in batch items by result",
		}, []string{"result"}),

		PickupVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pickup_verifications_total",
			Help: "Total pickup verification attempts by outcome",
		}, []string{"outcome"}),

		PickupRateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pickup_rate_limited_total",
			Help: "Total verification requests rejected by the attempt limiter",
		}),

		PickupsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pickups_recorded_total",
			Help: "Total completed releases by disposition",
		}, []string{"disposition"}),
	}
}

// IncrementCheckinItem records the outcome of a single batch item.
func (m *Metrics) IncrementCheckinItem(result string) {
	if m != nil {
		m.CheckinItems.WithLabelValues(result).Inc()
	}
}

// IncrementVerification records a pickup verification outcome.
func (m *Metrics) IncrementVerification(outcome string) {
	if m != nil {
		m.PickupVerifications.WithLabelValues(outcome).Inc()
	}
}

// IncrementRateLimited records a verification request rejected by the limiter.
func (m *Metrics) IncrementRateLimited() {
	if m != nil {
		m.PickupRateLimited.Inc()
	}
}

// IncrementPickupRecorded records a completed release.
func (m *Metrics) IncrementPickupRecorded(disposition string) {
	if m != nil {
		m.PickupsRecorded.WithLabelValues(disposition).Inc()
	}
}
