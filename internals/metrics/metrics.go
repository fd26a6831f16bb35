package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hub
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_connections_active",
		Help: "Number of open signaling connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_connections_total",
		Help: "Total number of accepted signaling connections",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_rooms_active",
		Help: "Number of rooms with at least one member",
	})

	RoomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_room_members",
		Help: "Number of peers currently in a room",
	})

	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_messages_received_total",
		Help: "Signaling messages received from clients",
	}, []string{"type"})

	MessagesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_messages_relayed_total",
		Help: "Signaling messages relayed to a single target",
	}, []string{"type"})

	RelayDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_relay_dropped_total",
		Help: "Relayed messages dropped because the target was not connected",
	}, []string{"type"})

	RoomFullTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_room_full_total",
		Help: "Join attempts rejected because the room was at capacity",
	})

	ReconcileRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_reconcile_repairs_total",
		Help: "sync-room requests that produced a non-empty add-peers reply",
	})

	PresenterChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_presenter_changes_total",
		Help: "Presenter set or cleared",
	}, []string{"action"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_rate_limited_total",
		Help: "Messages rejected by the per-connection rate limiter",
	})

	// Client
	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_session_state_transitions_total",
		Help: "Peer session state transitions by target state",
	}, []string{"state"})

	ReconnectRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_reconnect_requests_total",
		Help: "reconnect-request messages sent",
	})

	ReconnectGaveUpTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_reconnect_gave_up_total",
		Help: "Peer sessions abandoned after exhausting reconnect attempts",
	})

	CandidatesBufferedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_candidates_buffered_total",
		Help: "Remote ICE candidates buffered before they could be applied",
	})

	PLIRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_pli_requests_total",
		Help: "Total Picture Loss Indication requests",
	})

	// Redis health
	RedisLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshcall_redis_latency_ms",
		Help:    "Redis operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50},
	})

	RedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_redis_errors_total",
		Help: "Total Redis errors",
	})
)

// Helper functions

func RecordReceived(msgType string) {
	MessagesReceivedTotal.WithLabelValues(msgType).Inc()
}

func RecordRelay(msgType string, delivered bool) {
	if delivered {
		MessagesRelayedTotal.WithLabelValues(msgType).Inc()
	} else {
		RelayDroppedTotal.WithLabelValues(msgType).Inc()
	}
}

func RecordPresenter(set bool) {
	if set {
		PresenterChangesTotal.WithLabelValues("set").Inc()
	} else {
		PresenterChangesTotal.WithLabelValues("cleared").Inc()
	}
}

func RecordSessionState(state string) {
	SessionTransitionsTotal.WithLabelValues(state).Inc()
}

func RecordPLI() {
	PLIRequestsTotal.Inc()
}

func RecordRedis(ms float64, err error) {
	RedisLatencyMs.Observe(ms)
	if err != nil {
		RedisErrorsTotal.Inc()
	}
}
