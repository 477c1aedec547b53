package moqbridge

import "github.com/prometheus/client_golang/prometheus"

type bridgeMetrics struct {
	connects         *prometheus.CounterVec
	objectsPublished *prometheus.CounterVec
	bytesPublished   prometheus.Counter
	objectsDelivered prometheus.Counter
	callbackPanics   *prometheus.CounterVec
	activeSubs       prometheus.Gauge
}

var (
	registry = prometheus.NewRegistry()
	metrics  = newBridgeMetrics(registry)
)

func newBridgeMetrics(reg prometheus.Registerer) *bridgeMetrics {
	m := &bridgeMetrics{
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqbridge_connects_total",
			Help: "Connect attempts by result.",
		}, []string{"result"}),
		objectsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqbridge_objects_published_total",
			Help: "Objects accepted by publishers, by delivery mode.",
		}, []string{"mode"}),
		bytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moqbridge_bytes_published_total",
			Help: "Payload bytes accepted by publishers.",
		}),
		objectsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moqbridge_objects_delivered_total",
			Help: "Objects handed to subscriber callbacks.",
		}),
		callbackPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqbridge_callback_panics_total",
			Help: "Caller callbacks that panicked, by callback kind.",
		}, []string{"kind"}),
		activeSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moqbridge_active_subscriptions",
			Help: "Subscriptions whose reader task is running.",
		}),
	}
	reg.MustRegister(m.connects, m.objectsPublished, m.bytesPublished,
		m.objectsDelivered, m.callbackPanics, m.activeSubs)
	return m
}

// Metrics exposes the bridge counters for scraping or inspection.
func Metrics() prometheus.Gatherer {
	return registry
}
