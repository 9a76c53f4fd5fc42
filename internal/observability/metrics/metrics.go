package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for booking and sync flows.
type SchedulingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	claimConflicts     prometheus.Counter
	syncRuns           *prometheus.CounterVec
	syncDuration       *prometheus.HistogramVec
	eventsUpserted     prometheus.Counter
	slotsBlocked       prometheus.Counter
	slotsUnblocked     prometheus.Counter
	conflictsDetected  *prometheus.CounterVec
	conflictsResolved  *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Total booking claims by outcome status",
		}, []string{"status"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "scheduling",
			Name:      "booking_claim_conflicts_total",
			Help:      "Claims rejected because the slot was no longer available",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "calendar",
			Name:      "sync_runs_total",
			Help:      "Calendar sync passes by mode and outcome",
		}, []string{"mode", "status"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carebook",
			Subsystem: "calendar",
			Name:      "sync_duration_seconds",
			Help:      "Duration of calendar sync passes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		eventsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "calendar",
			Name:      "sync_events_upserted_total",
			Help:      "External calendar events imported or updated",
		}),
		slotsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "calendar",
			Name:      "slots_blocked_total",
			Help:      "Slots blocked by external events",
		}),
		slotsUnblocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "calendar",
			Name:      "slots_unblocked_total",
			Help:      "Slots released after external events disappeared",
		}),
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "conflicts",
			Name:      "detected_total",
			Help:      "Conflicts detected by type",
		}, []string{"type"}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebook",
			Subsystem: "conflicts",
			Name:      "resolved_total",
			Help:      "Conflicts resolved by type and resolution",
		}, []string{"type", "resolution"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.claimConflicts, m.syncRuns, m.syncDuration,
		m.eventsUpserted, m.slotsBlocked, m.slotsUnblocked, m.conflictsDetected, m.conflictsResolved)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(status string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(status).Inc()
}

func (m *SchedulingMetrics) ObserveClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *SchedulingMetrics) ObserveSyncRun(mode, status string, seconds float64) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(mode, status).Inc()
	m.syncDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveEventsUpserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsUpserted.Add(float64(n))
}

func (m *SchedulingMetrics) ObserveSlotsBlocked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.slotsBlocked.Add(float64(n))
}

func (m *SchedulingMetrics) ObserveSlotsUnblocked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.slotsUnblocked.Add(float64(n))
}

func (m *SchedulingMetrics) ObserveConflictDetected(conflictType string) {
	if m == nil {
		return
	}
	m.conflictsDetected.WithLabelValues(conflictType).Inc()
}

func (m *SchedulingMetrics) ObserveConflictResolved(conflictType, resolution string) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(conflictType, resolution).Inc()
}
