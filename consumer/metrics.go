package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the consumer's Prometheus collectors. A nil *Metrics records
// nothing, so the consumer works without a registry.
type Metrics struct {
	Received          prometheus.Counter
	Relayed           *prometheus.CounterVec
	Deleted           prometheus.Counter
	SQSErrors         *prometheus.CounterVec
	PreprocessErrors  prometheus.Counter
	RelayErrors       prometheus.Counter
	PollingState      prometheus.Gauge
	QueueMessages     *prometheus.GaugeVec
	WorkerUtilization *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_consumer",
			Name:      "messages_received_total",
			Help:      "Messages returned by ReceiveMessage.",
		}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqs_consumer",
			Name:      "envelopes_relayed_total",
			Help:      "Envelopes handed to workers, by envelope kind.",
		}, []string{"kind"}),
		Deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_consumer",
			Name:      "messages_deleted_total",
			Help:      "Messages acknowledged by DeleteMessageBatch.",
		}),
		SQSErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqs_consumer",
			Name:      "sqs_errors_total",
			Help:      "Failed SQS calls by operation.",
		}, []string{"operation"}),
		PreprocessErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_consumer",
			Name:      "preprocessor_errors_total",
			Help:      "Messages the preprocessor failed on.",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqs_consumer",
			Name:      "relay_errors_total",
			Help:      "Envelopes that could not be handed to a worker.",
		}),
		PollingState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sqs_consumer",
			Name:      "polling_active",
			Help:      "1 while the polling loop is ACTIVE.",
		}),
		QueueMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sqs_consumer",
			Name:      "queue_messages",
			Help:      "Approximate queue depth reported by SQS.",
		}, []string{"state"}),
		WorkerUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sqs_consumer",
			Name:      "worker_inbox_utilization_ratio",
			Help:      "Fill ratio of each worker inbox.",
		}, []string{"worker_id"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Received,
			m.Relayed,
			m.Deleted,
			m.SQSErrors,
			m.PreprocessErrors,
			m.RelayErrors,
			m.PollingState,
			m.QueueMessages,
			m.WorkerUtilization,
		)
	}
	return m
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.Received.Add(float64(n))
	}
}

func (m *Metrics) relayed(kind Kind) {
	if m != nil {
		m.Relayed.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) deleted(n int) {
	if m != nil {
		m.Deleted.Add(float64(n))
	}
}

func (m *Metrics) sqsError(operation string) {
	if m != nil {
		m.SQSErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) preprocessError() {
	if m != nil {
		m.PreprocessErrors.Inc()
	}
}

func (m *Metrics) relayError() {
	if m != nil {
		m.RelayErrors.Inc()
	}
}

func (m *Metrics) state(s PollingState) {
	if m != nil {
		m.PollingState.Set(float64(s))
	}
}

func (m *Metrics) queueDepth(state string, v float64) {
	if m != nil {
		m.QueueMessages.WithLabelValues(state).Set(v)
	}
}

func (m *Metrics) workerUtilization(workerID string, ratio float64) {
	if m != nil {
		m.WorkerUtilization.WithLabelValues(workerID).Set(ratio)
	}
}

func (m *Metrics) forgetWorker(workerID string) {
	if m != nil {
		m.WorkerUtilization.DeleteLabelValues(workerID)
	}
}
