// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "filerelay"

// Transfer directions.
const (
	Upload   = "upload"
	Download = "download"
	Delete   = "delete"
)

// Transfer results.
const (
	ResultOK        = "ok"
	ResultBusy      = "busy"
	ResultError     = "error"
	ResultNotFound  = "not_found"
	ResultForbidden = "forbidden"
)

// Metrics groups the relay collectors.
type Metrics struct {
	Transfers     *prometheus.CounterVec
	Bytes         *prometheus.CounterVec
	ActiveUploads prometheus.Gauge
	StoredFiles   prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gives unregistered
// collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Relay operations by direction and result.",
			},
			[]string{"direction", "result"}),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Bytes moved through the relay.",
			},
			[]string{"direction"}),
		ActiveUploads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_uploads",
			Help:      "Uploads currently holding a coordinator slot.",
		}),
		StoredFiles: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_files",
			Help:      "Live access codes in the registry.",
		}),
	}
}

// Observe records one finished operation.
func (m *Metrics) Observe(direction, result string, bytes int64) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(direction, result).Inc()
	if result == ResultOK && bytes > 0 {
		m.Bytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// UploadStarted marks a slot as held and returns the matching release.
func (m *Metrics) UploadStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveUploads.Inc()
	return m.ActiveUploads.Dec
}

// SetStoredFiles records the number of live access codes.
func (m *Metrics) SetStoredFiles(n int) {
	if m == nil {
		return
	}
	m.StoredFiles.Set(float64(n))
}
