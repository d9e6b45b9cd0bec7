package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tududes/websophon/internal/sophon"
)

// PrometheusSink exports notification counters so operators can watch
// event churn and token turnover.
type PrometheusSink struct {
	notifications *prometheus.CounterVec
	trueResults   *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided
// registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sophon_notifications_total",
			Help: "Notifications emitted partitioned by kind.",
		}, []string{"kind"}),
		trueResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sophon_true_results_total",
			Help: "Completed events carrying at least one true field, per domain.",
		}, []string{"domain"}),
	}
	for _, collector := range []prometheus.Collector{s.notifications, s.trueResults} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register notify collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []sophon.Notification) error {
	for _, n := range batch {
		s.notifications.WithLabelValues(string(n.Kind)).Inc()
		if n.Kind == sophon.NotifyEventUpdated && n.Event != nil && n.Event.HasTrueResult {
			s.trueResults.WithLabelValues(n.Domain).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
