package notify

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for the stream, the tracker and the
// offline queue. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Connected       prometheus.Gauge
	Reconnects      prometheus.Counter
	Events          *prometheus.CounterVec
	MalformedEvents prometheus.Counter
	Unread          prometheus.Gauge
	QueueDepth      prometheus.Gauge
	Replays         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow_notify",
			Name:      "stream_connected",
			Help:      "1 while the notification stream is connected.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow_notify",
			Name:      "stream_reconnects_total",
			Help:      "Reconnect attempts scheduled after a stream failure.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow_notify",
			Name:      "stream_events_total",
			Help:      "Stream events received, by event name.",
		}, []string{"event"}),
		MalformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskflow_notify",
			Name:      "stream_malformed_events_total",
			Help:      "Stream events dropped because their payload did not decode.",
		}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow_notify",
			Name:      "unread_notifications",
			Help:      "Current unread notification count.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskflow_notify",
			Name:      "offline_queue_depth",
			Help:      "Actions waiting in the offline queue.",
		}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskflow_notify",
			Name:      "offline_replays_total",
			Help:      "Queued action replays, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Connected, m.Reconnects, m.Events, m.MalformedEvents, m.Unread, m.QueueDepth, m.Replays)
	}
	return m
}

func (m *Metrics) setConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) event(name string) {
	if m != nil {
		m.Events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) malformed() {
	if m != nil {
		m.MalformedEvents.Inc()
	}
}

func (m *Metrics) setUnread(n int) {
	if m != nil {
		m.Unread.Set(float64(n))
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) replay(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Replays.WithLabelValues("success").Inc()
	} else {
		m.Replays.WithLabelValues("failure").Inc()
	}
}
