// Package purger periodically removes finalized messages. It never touches
// leases: expired leases become reclaimable through the claim predicate
// alone, with no background writer involved.
package purger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docqueue/docq/internal/metrics"
	"github.com/docqueue/docq/internal/queue"
)

type Purger struct {
	registry *queue.Registry
	interval time.Duration
	log      *logrus.Logger
	stopCh   chan struct{}
}

func New(registry *queue.Registry, interval time.Duration, log *logrus.Logger) *Purger {
	return &Purger{
		registry: registry,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

func (p *Purger) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.WithField("interval", p.interval).Info("purger started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info("purger stopped (context cancelled)")
			return

		case <-p.stopCh:
			p.log.Info("purger stopped (stop signal)")
			return

		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Purger) sweep(ctx context.Context) {
	for _, q := range p.registry.All() {
		n, err := q.PurgeCompleted(ctx)
		if err != nil {
			metrics.PurgerErrors.Inc()
			p.log.WithError(err).WithField("queue", q.Name()).Error("purge failed")
			continue
		}
		if n > 0 {
			p.log.WithFields(logrus.Fields{"queue": q.Name(), "purged": n}).Info("purged completed messages")
		}
	}
}

func (p *Purger) Stop() {
	close(p.stopCh)
}
