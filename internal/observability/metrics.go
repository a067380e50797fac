package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obc",
			Subsystem: "link",
			Name:      "frames_received_total",
			Help:      "Frames received from ground, by decode result.",
		},
		[]string{"result"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obc",
			Subsystem: "link",
			Name:      "frames_sent_total",
			Help:      "Frames transmitted to ground, by traffic class.",
		},
		[]string{"class"},
	)
	heartbeatMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "obc",
			Subsystem: "link",
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeat intervals that elapsed without a ping.",
		},
	)
	linkStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "obc",
			Subsystem: "link",
			Name:      "status",
			Help:      "Link status: 0=up 1=degraded 2=lost.",
		},
	)
	commandsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "obc",
			Subsystem: "dispatch",
			Name:      "commands_dropped_total",
			Help:      "Pending commands dropped on queue overflow.",
		},
	)
	dispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obc",
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Commands rejected or failed, by reason.",
		},
		[]string{"reason"},
	)
	controlDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "obc",
			Subsystem: "control",
			Name:      "outputs_discarded_total",
			Help:      "Autonomous control outputs discarded under manual override.",
		},
	)
	missionPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "obc",
			Subsystem: "mission",
			Name:      "phase",
			Help:      "Current mission phase: 0=idle 1-3=phase number.",
		},
	)
	bulkBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "obc",
			Subsystem: "telemetry",
			Name:      "bulk_buffered",
			Help:      "Bulk telemetry messages held while the link is lost.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesReceived, framesSent, heartbeatMisses, linkStatus,
			commandsDropped, dispatchFailures, controlDiscarded,
			missionPhase, bulkBuffered,
		)
	})
}

func RecordFrameReceived(result string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(result).Inc()
}

func RecordFrameSent(class string) {
	RegisterMetrics()
	framesSent.WithLabelValues(class).Inc()
}

func RecordHeartbeatMiss() {
	RegisterMetrics()
	heartbeatMisses.Inc()
}

func SetLinkStatus(v int) {
	RegisterMetrics()
	linkStatus.Set(float64(v))
}

func RecordCommandDropped() {
	RegisterMetrics()
	commandsDropped.Inc()
}

func RecordDispatchFailure(reason string) {
	RegisterMetrics()
	dispatchFailures.WithLabelValues(reason).Inc()
}

func RecordControlDiscarded() {
	RegisterMetrics()
	controlDiscarded.Inc()
}

func SetMissionPhase(v int) {
	RegisterMetrics()
	missionPhase.Set(float64(v))
}

func SetBulkBuffered(n int) {
	RegisterMetrics()
	bulkBuffered.Set(float64(n))
}
