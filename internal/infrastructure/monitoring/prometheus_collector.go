package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes the signaling and media-plane metrics. The registerer
// is injected so tests can use an isolated registry.
type Collector struct {
	peersConnected  prometheus.Gauge
	peersTotal      prometheus.Counter
	signalMessages  *prometheus.CounterVec
	broadcastsTotal *prometheus.CounterVec

	transportsCreated *prometheus.CounterVec
	producersActive   *prometheus.GaugeVec
	producersTotal    *prometheus.CounterVec
	consumersActive   *prometheus.GaugeVec
	consumersTotal    *prometheus.CounterVec

	transcodeJobsActive prometheus.Gauge
	transcodeJobsTotal  *prometheus.CounterVec
	transcodeDuration   prometheus.Histogram

	requestDuration *prometheus.HistogramVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_peers_connected",
			Help: "Number of peers currently connected to the signaling server",
		}),

		peersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomcast_peers_total",
			Help: "Total number of peer connections accepted",
		}),

		signalMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_signal_messages_total",
			Help: "Signaling requests received, by request type",
		}, []string{"type"}),

		broadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_broadcasts_total",
			Help: "Server-initiated events fanned out to the room, by event type",
		}, []string{"type"}),

		transportsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_transports_created_total",
			Help: "WebRTC transports created, by direction",
		}, []string{"direction"}),

		producersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomcast_producers_active",
			Help: "Producers currently publishing media, by kind",
		}, []string{"kind"}),

		producersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_producers_total",
			Help: "Total producers created, by kind",
		}, []string{"kind"}),

		consumersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomcast_consumers_active",
			Help: "Consumers currently receiving media, by kind",
		}, []string{"kind"}),

		consumersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_consumers_total",
			Help: "Total consumers created, by kind",
		}, []string{"kind"}),

		transcodeJobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomcast_transcode_jobs_active",
			Help: "Transcoding jobs currently running",
		}),

		transcodeJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomcast_transcode_jobs_total",
			Help: "Transcoding jobs completed, by outcome",
		}, []string{"outcome"}),

		transcodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "roomcast_transcode_job_duration_seconds",
			Help:    "Lifetime of transcoding jobs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomcast_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and path",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
	}
}

func (c *Collector) RecordPeerConnected() {
	c.peersConnected.Inc()
	c.peersTotal.Inc()
}

func (c *Collector) RecordPeerDisconnected() {
	c.peersConnected.Dec()
}

func (c *Collector) RecordSignalMessage(msgType string) {
	c.signalMessages.WithLabelValues(msgType).Inc()
}

func (c *Collector) RecordBroadcast(eventType string) {
	c.broadcastsTotal.WithLabelValues(eventType).Inc()
}

func (c *Collector) RecordTransportCreated(direction string) {
	c.transportsCreated.WithLabelValues(direction).Inc()
}

func (c *Collector) RecordProducerCreated(kind string) {
	c.producersActive.WithLabelValues(kind).Inc()
	c.producersTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordProducerClosed(kind string) {
	c.producersActive.WithLabelValues(kind).Dec()
}

func (c *Collector) RecordConsumerCreated(kind string) {
	c.consumersActive.WithLabelValues(kind).Inc()
	c.consumersTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordConsumerClosed(kind string) {
	c.consumersActive.WithLabelValues(kind).Dec()
}

func (c *Collector) RecordTranscodeStarted() {
	c.transcodeJobsActive.Inc()
}

func (c *Collector) RecordTranscodeFinished(outcome string, lifetime time.Duration) {
	c.transcodeJobsActive.Dec()
	c.transcodeJobsTotal.WithLabelValues(outcome).Inc()
	c.transcodeDuration.Observe(lifetime.Seconds())
}

func (c *Collector) RecordHTTPRequest(method, path string, duration time.Duration) {
	c.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
