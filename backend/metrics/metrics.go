package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "proctor"
	subsystem = "relay"
)

// Metrics groups relay collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsIngested   prometheus.Counter
	framesRelayed    prometheus.Counter
	chunksAccepted   prometheus.Counter
	chunkBytes       prometheus.Counter
	droppedUnjoined  *prometheus.CounterVec
	deliveryDropped  *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	rooms            prometheus.Gauge
	frameRecipients  prometheus.Histogram
	malformedInbound prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "events_ingested_total",
			Help: "Proctoring events appended to room history.",
		}),
		framesRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "frames_relayed_total",
			Help: "Video frames accepted for relay.",
		}),
		chunksAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "stream_chunks_total",
			Help: "Stream chunks accepted.",
		}),
		chunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "stream_chunk_bytes_total",
			Help: "Bytes of stream chunks accepted.",
		}),
		droppedUnjoined: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "unjoined_dropped_total",
			Help: "Messages dropped because the session has not joined a room.",
		}, []string{"channel"}),
		deliveryDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "delivery_dropped_total",
			Help: "Outbound messages dropped because the session queue was full or gone.",
		}, []string{"channel"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions",
			Help: "Connected sessions.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rooms",
			Help: "Rooms known to the registry.",
		}),
		frameRecipients: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "frame_recipients",
			Help:    "Number of peers a frame was delivered to.",
			Buckets: []float64{0, 1, 2, 4, 8, 16},
		}),
		malformedInbound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "malformed_inbound_total",
			Help: "Inbound messages rejected at the boundary.",
		}),
	}
}

// NewRegistry returns a registry with runtime collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) EventIngested() {
	if m == nil {
		return
	}
	m.eventsIngested.Inc()
}

func (m *Metrics) FrameRelayed(recipients int) {
	if m == nil {
		return
	}
	m.framesRelayed.Inc()
	m.frameRecipients.Observe(float64(recipients))
}

func (m *Metrics) ChunkAccepted(size int) {
	if m == nil {
		return
	}
	m.chunksAccepted.Inc()
	m.chunkBytes.Add(float64(size))
}

func (m *Metrics) DroppedUnjoined(channel string) {
	if m == nil {
		return
	}
	m.droppedUnjoined.WithLabelValues(channel).Inc()
}

func (m *Metrics) DeliveryDropped(channel string) {
	if m == nil {
		return
	}
	m.deliveryDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformedInbound.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}
