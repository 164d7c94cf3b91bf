package release

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitionsTotal = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orlo",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle transitions applied, by entity and transition",
	}, []string{"entity", "transition"}))

	rejectedTotal = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orlo",
		Subsystem: "lifecycle",
		Name:      "rejected_total",
		Help:      "Lifecycle operations rejected, by entity, operation and reason",
	}, []string{"entity", "op", "reason"}))

	packageOutcomes = registerCounter(prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orlo",
		Subsystem: "lifecycle",
		Name:      "package_outcomes_total",
		Help:      "Finished packages by status",
	}, []string{"status"}))
)

func registerCounter(c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}
