// Package instrument decorates docstore backends with Prometheus metrics.
package instrument

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tendant/simple-docstore/pkg/docstore"
)

// Status label values
const (
	StatusOK          = "ok"
	StatusNotFound    = "not_found"
	StatusDuplicate   = "duplicate"
	StatusUnavailable = "unavailable"
	StatusCanceled    = "canceled"
	StatusError       = "error"
)

// Metrics holds the backend operation metrics
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_backend_operations_total",
				Help: "Total number of backend operations",
			},
			[]string{"backend", "operation", "status"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docstore_backend_operation_duration_seconds",
				Help:    "Duration of backend operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
	}
}

func status(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, docstore.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, docstore.ErrDuplicateKey):
		return StatusDuplicate
	case errors.Is(err, docstore.ErrBackendUnavailable):
		return StatusUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	}
	return StatusError
}

func (m *Metrics) observe(backend, op string, start time.Time, err error) {
	m.OperationsTotal.WithLabelValues(backend, op, status(err)).Inc()
	m.OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
