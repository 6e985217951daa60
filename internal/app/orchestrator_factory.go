package app

import (
	"github.com/vladislavdragonenkov/ordering/internal/config"
	"github.com/vladislavdragonenkov/ordering/internal/metrics"
	"github.com/vladislavdragonenkov/ordering/internal/service/customerlock"
	"github.com/vladislavdragonenkov/ordering/internal/service/ordering"
)

// newOrchestrator создаёт оркестратор оформления; события о заказах
// публикуются только при наличии Kafka.
func newOrchestrator(cfg *config.Config, deps *Dependencies, locks *customerlock.Locker, m *metrics.PlacementMetrics) *ordering.Orchestrator {
	options := []ordering.Option{
		ordering.WithLogger(deps.Logger.WithField("component", "orchestrator")),
		ordering.WithMetrics(m),
		ordering.WithTimeline(deps.Storage.Timeline),
		ordering.WithLocks(locks),
		ordering.WithNotifyTimeout(cfg.NotifyTimeout),
	}
	if events := deps.Kafka.events(); events != nil {
		options = append(options, ordering.WithEvents(events))
	}
	return ordering.NewOrchestrator(deps.Storage.Store, deps.Propagator, options...)
}
