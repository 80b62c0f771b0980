package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry = prometheus.NewRegistry()

	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Name:      "sends_total",
		Help:      "Outbound send attempts by channel and result.",
	}, []string{"channel", "result"})

	RetryQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nudge",
		Name:      "retry_queue_size",
		Help:      "Entries currently waiting in the retry queue.",
	})

	RetryDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nudge",
		Name:      "retry_dropped_total",
		Help:      "Entries dropped after exhausting retry attempts.",
	})

	ChannelHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nudge",
		Name:      "channel_healthy",
		Help:      "1 when the last health probe of the channel succeeded.",
	}, []string{"channel"})

	JobsFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Name:      "jobs_fired_total",
		Help:      "Scheduled jobs fired by kind.",
	}, []string{"kind"})

	FlowTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nudge",
		Name:      "flow_transitions_total",
		Help:      "Conversation flow terminal transitions by state and reason.",
	}, []string{"flow_type", "state", "reason"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SendsTotal,
		RetryQueueSize,
		RetryDroppedTotal,
		ChannelHealthy,
		JobsFiredTotal,
		FlowTransitionsTotal,
	)
}

func GetRegistry() *prometheus.Registry {
	return registry
}
