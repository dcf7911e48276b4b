package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics are the bus and motion metrics. It satisfies both bus.Observer
// and motor.Observer.
type Metrics struct {
	Requests        *prometheus.CounterVec   // labels: op, result
	RequestDuration *prometheus.HistogramVec // labels: op
	Retries         *prometheus.CounterVec   // labels: op
	FramesDropped   *prometheus.CounterVec   // labels: reason
	Moves           *prometheus.CounterVec   // labels: id, kind, result
	MoveSteps       *prometheus.HistogramVec // labels: kind
	MoveDuration    *prometheus.HistogramVec // labels: kind
	Position        *prometheus.GaugeVec     // labels: axis
	WSClients       prometheus.Gauge
}

// New registers and returns the metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepbus_requests_total",
			Help: "Bus commands by opcode and outcome.",
		}, []string{"op", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepbus_request_duration_seconds",
			Help:    "Time from first write to reply, including retries.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepbus_retries_total",
			Help: "Request attempts after the first.",
		}, []string{"op"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepbus_frames_dropped_total",
			Help: "Inbound bytes discarded by the router.",
		}, []string{"reason"}),
		Moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepbus_moves_total",
			Help: "Completed moves by device, kind and outcome.",
		}, []string{"id", "kind", "result"}),
		MoveSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepbus_move_steps",
			Help:    "Control loop iterations per move.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"kind"}),
		MoveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepbus_move_duration_seconds",
			Help:    "Wall time per move.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"kind"}),
		Position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stepbus_position_degrees",
			Help: "Last position read per axis.",
		}, []string{"axis"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepbus_ws_clients",
			Help: "Connected websocket clients.",
		}),
	}
	reg.MustRegister(m.Requests, m.RequestDuration, m.Retries, m.FramesDropped,
		m.Moves, m.MoveSteps, m.MoveDuration, m.Position, m.WSClients)
	return m
}

func (m *Metrics) RequestDone(op, result string, elapsed time.Duration) {
	m.Requests.WithLabelValues(op, result).Inc()
	if result == "ok" {
		m.RequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Retry(op string) {
	m.Retries.WithLabelValues(op).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) MoveDone(id byte, kind, result string, steps int, elapsed time.Duration) {
	m.Moves.WithLabelValues(fmt.Sprintf("0x%02X", id), kind, result).Inc()
	m.MoveSteps.WithLabelValues(kind).Observe(float64(steps))
	m.MoveDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// SetPosition records the latest reading of an axis.
func (m *Metrics) SetPosition(axis string, deg float64) {
	m.Position.WithLabelValues(axis).Set(deg)
}
