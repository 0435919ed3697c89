// Package metrics is the prometheus facade for the file writer,
// grounded on metric/core.go's namespaced GaugeVec/CounterVec shape and
// metric/registry.go's dedicated prometheus.Registry-plus-HTTP-handler
// pattern, narrowed to this service's own metric surface: per-topic
// demultiplex outcomes, per-partition state, and per-job activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/umithardal/kafka-to-nexus/demux"
	"github.com/umithardal/kafka-to-nexus/partition"
)

// Metrics owns every prometheus collector this service exports.
type Metrics struct {
	registry *prometheus.Registry

	demuxOutcomes    *prometheus.CounterVec
	partitionState   *prometheus.GaugeVec
	activeJobs       prometheus.Gauge
	statusPublished  prometheus.Counter
	commandsRejected prometheus.Counter
	messagesWritten  *prometheus.GaugeVec
}

// New returns a Metrics instance registered against a fresh
// prometheus.Registry, with the Go runtime/process collectors attached
// (mirroring metric.NewMetricsRegistry's "platform metrics" baseline).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		demuxOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filewriter",
				Subsystem: "demux",
				Name:      "outcomes_total",
				Help:      "Count of demultiplexed envelopes by topic and outcome.",
			},
			[]string{"topic", "outcome"},
		),
		partitionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "filewriter",
				Subsystem: "partition",
				Name:      "state",
				Help:      "Partition consumer state (0=not_initialized,1=initializing,2=writing,3=finished,4=error).",
			},
			[]string{"topic", "partition"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "filewriter",
				Subsystem: "jobs",
				Name:      "active",
				Help:      "Number of jobs currently Active.",
			},
		),
		statusPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "filewriter",
				Subsystem: "master",
				Name:      "status_published_total",
				Help:      "Number of status messages published to the status topic.",
			},
		),
		commandsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "filewriter",
				Subsystem: "command",
				Name:      "rejected_total",
				Help:      "Number of control messages whose dispatch failed (schema, command or handler error).",
			},
		),
		messagesWritten: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "filewriter",
				Subsystem: "job",
				Name:      "messages_written",
				Help:      "Messages written per (job_id, topic, source).",
			},
			[]string{"job_id", "topic", "source"},
		),
	}

	reg.MustRegister(
		m.demuxOutcomes,
		m.partitionState,
		m.activeJobs,
		m.statusPublished,
		m.commandsRejected,
		m.messagesWritten,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying prometheus.Registry, for an HTTP
// exposition handler (promhttp.HandlerFor).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// IncOutcome implements demux.Counter.
func (m *Metrics) IncOutcome(topic string, outcome demux.Outcome) {
	m.demuxOutcomes.WithLabelValues(topic, outcome.String()).Inc()
}

// SetPartitionState implements partition.StateGauge.
func (m *Metrics) SetPartitionState(topic string, partitionID int32, state partition.State) {
	m.partitionState.WithLabelValues(topic, partitionLabel(partitionID)).Set(float64(state))
}

// SetActiveJobs records the current number of Active jobs.
func (m *Metrics) SetActiveJobs(n int) { m.activeJobs.Set(float64(n)) }

// IncStatusPublished counts one status-topic publication.
func (m *Metrics) IncStatusPublished() { m.statusPublished.Inc() }

// IncCommandRejected counts one control message whose dispatch failed.
func (m *Metrics) IncCommandRejected() { m.commandsRejected.Inc() }

// SetMessagesWritten records one stream's running total.
func (m *Metrics) SetMessagesWritten(jobID, topic, source string, n int64) {
	m.messagesWritten.WithLabelValues(jobID, topic, source).Set(float64(n))
}

func partitionLabel(p int32) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	neg := p < 0
	if neg {
		p = -p
	}
	var buf [16]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
