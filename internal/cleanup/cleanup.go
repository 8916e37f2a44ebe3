// Package cleanup implements the Cleanup Scheduler (spec §4.7): a
// periodic sweep that purges expired subscriptions and reports queue
// stats, grounded on the teacher's BatchSink ticker loop
// (internal/audit/sink.go) generalized to a single-shot sweep rather
// than a write-batch flush.
package cleanup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/webhook-relay/internal/audit"
	"github.com/kenneth/webhook-relay/internal/metrics"
	"github.com/kenneth/webhook-relay/internal/queue"
	"github.com/kenneth/webhook-relay/internal/ratelimit"
	"github.com/kenneth/webhook-relay/internal/store"
)

const defaultInterval = time.Hour

// Scheduler runs the periodic TTL purge.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Queue
	limiter  ratelimit.Limiter
	ttl      time.Duration
	interval time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	audit    audit.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. If interval is zero, it defaults to one hour.
func New(st *store.Store, q *queue.Queue, limiter ratelimit.Limiter, ttl time.Duration, interval time.Duration, logger *logrus.Logger, m *metrics.Metrics, al audit.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		store:    st,
		queue:    q,
		limiter:  limiter,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		metrics:  m,
		audit:    al,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the sweep loop to exit and waits for it.
func (s *Scheduler) Stop(ctx context.Context) {
	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-ctx.Done():
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep purges TTL-expired subscriptions and publishes current queue
// stats. Failures are logged and the loop continues on the next tick.
func (s *Scheduler) sweep() {
	n, err := s.store.PurgeExpired(time.Now().UTC(), s.ttl)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Error("cleanup: ttl purge failed")
		}
	} else if n > 0 {
		s.metrics.RecordSubscriptionsPurged(n)
		if s.logger != nil {
			s.logger.WithField("count", n).Info("cleanup: purged expired subscriptions")
		}
		if s.audit != nil {
			s.audit.LogSubscriptionEventWithMetadata(audit.EventTypeTTLPurge, "", true, nil, 0, map[string]interface{}{"count": n})
		}
	}

	if sw, ok := s.limiter.(interface{ Sweep() }); ok {
		sw.Sweep()
	}

	if s.metrics != nil {
		depth, err := s.queue.Depth()
		if err != nil && s.logger != nil {
			s.logger.WithError(err).Warn("cleanup: reading queue depth failed")
		}
		s.metrics.SetQueueStats(depth, s.queue.LiveBytes())
	}
}
