package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RouteUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccprouter_route_updates_total",
			Help: "Inbound ROUTE_UPDATE_REQUESTs by outcome.",
		},
		[]string{"peer", "result"},
	)

	RouteControlTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccprouter_route_control_total",
			Help: "ROUTE_CONTROL messages by direction and mode.",
		},
		[]string{"direction", "mode"},
	)

	RoutesChangedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccprouter_routes_changed_total",
			Help: "Learned-route changes applied to peer tables.",
		},
		[]string{"peer", "action"},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccprouter_broadcasts_total",
			Help: "Outbound route updates by kind (full, delta, heartbeat).",
		},
		[]string{"peer", "kind"},
	)

	BroadcastErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccprouter_broadcast_errors_total",
			Help: "Outbound route update failures by reason.",
		},
		[]string{"peer", "reason"},
	)

	UpdateApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ccprouter_update_apply_duration_seconds",
			Help:    "Time to apply an inbound route update and rebuild the forwarding view.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
	)

	LocalEpoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ccprouter_local_epoch",
			Help: "Current epoch of the local routing table.",
		},
	)

	ForwardingTableSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ccprouter_forwarding_table_size",
			Help: "Prefixes in the merged forwarding view.",
		},
	)

	EpochLogEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ccprouter_epoch_log_entries",
			Help: "Entries currently retained in the epoch log.",
		},
	)

	ExportEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccprouter_export_events_total",
			Help: "Route events published to the audit stream.",
		},
		[]string{"result"},
	)
)

func Register() {
	prometheus.MustRegister(
		RouteUpdatesTotal,
		RouteControlTotal,
		RoutesChangedTotal,
		BroadcastsTotal,
		BroadcastErrorsTotal,
		UpdateApplyDuration,
		LocalEpoch,
		ForwardingTableSize,
		EpochLogEntries,
		ExportEventsTotal,
	)
}
