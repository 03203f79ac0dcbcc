// ABOUTME: Prometheus collectors for the connector, dispatcher and broadcast hub.
// ABOUTME: Counters are package globals; live gauges are registered from stat sources.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExternalCallsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vox_external_calls_total", Help: "External function calls by outcome code"}, []string{"outcome"})
	ExternalCallSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vox_external_call_duration_seconds", Help: "External function call latency", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
	DuplicateCallsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "vox_external_call_duplicates_total", Help: "external_call frames ignored as duplicates"})
	GameEventsTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "vox_game_events_total", Help: "Game events received from the native process"})
	BroadcastsTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "vox_sse_broadcasts_total", Help: "Events broadcast to subscribers"})
	SubscriberDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vox_sse_subscriber_drops_total", Help: "Subscribers removed by reason"}, []string{"reason"})
	QueueDropsTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vox_queue_drops_total", Help: "Background queue items dropped on overflow"}, []string{"queue"})
	NativeConnectsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "vox_native_connects_total", Help: "Successful connections to the native process"})
)

// Outcome label for successful calls.
const OutcomeOK = "ok"

// Sources supplies live values for gauges. Nil funcs are skipped.
type Sources struct {
	Connected         func() bool
	PendingRequests   func() int
	ReconnectAttempts func() int
	ActiveClients     func() int
	Functions         func() int
}

// RegisterGauges registers gauge funcs for every non-nil source on reg.
func RegisterGauges(reg prometheus.Registerer, src Sources) error {
	var gauges []prometheus.Collector

	if src.Connected != nil {
		gauges = append(gauges, prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "vox_native_connected", Help: "1 while connected to the native process"}, func() float64 {
			if src.Connected() {
				return 1
			}
			return 0
		}))
	}
	if src.PendingRequests != nil {
		gauges = append(gauges, intGauge("vox_native_pending_requests", "Requests awaiting a native response", src.PendingRequests))
	}
	if src.ReconnectAttempts != nil {
		gauges = append(gauges, intGauge("vox_native_reconnect_attempts", "Failed reconnection attempts since the last connect", src.ReconnectAttempts))
	}
	if src.ActiveClients != nil {
		gauges = append(gauges, intGauge("vox_sse_active_clients", "Open event stream subscribers", src.ActiveClients))
	}
	if src.Functions != nil {
		gauges = append(gauges, intGauge("vox_registered_functions", "Registered external functions", src.Functions))
	}

	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func intGauge(name, help string, fn func() int) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
		return float64(fn())
	})
}
