package odb

import (
	stderrors "errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	live    *prometheus.GaugeVec
	loads   *prometheus.CounterVec
	applied *prometheus.CounterVec
	failed  *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		live: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "odb",
			Subsystem: "documents",
			Name:      "live",
			Help:      "Live documents held by the database.",
		}, []string{"collection"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odb",
			Subsystem: "documents",
			Name:      "loads_total",
			Help:      "Documents constructed from the driver.",
		}, []string{"collection", "source"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odb",
			Subsystem: "sync",
			Name:      "events_applied_total",
			Help:      "Driver change events applied to live documents.",
		}, []string{"collection", "kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odb",
			Subsystem: "sync",
			Name:      "events_failed_total",
			Help:      "Driver change events that could not be applied.",
		}, []string{"collection"}),
	}
}

// register registers the collectors on r. Collectors already registered by
// another DB sharing r are reused.
func (m *metrics) register(r prometheus.Registerer) error {
	var err error
	if m.live, err = registerVec(r, m.live); err != nil {
		return err
	}
	if m.loads, err = registerVec(r, m.loads); err != nil {
		return err
	}
	if m.applied, err = registerVec(r, m.applied); err != nil {
		return err
	}
	m.failed, err = registerVec(r, m.failed)
	return err
}

func registerVec[T prometheus.Collector](r prometheus.Registerer, c T) (T, error) {
	err := r.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if stderrors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}
