// Package worker implements the Delivery Workers (spec §4.5): a fixed
// pool of goroutines that lease chunk envelopes from the Disk Queue,
// resolve their target subscription, encrypt and POST them to the
// subscriber's push service, and ack/nack/abort according to the
// outcome. Grounded on the teacher's BatchSink background-goroutine
// and close-channel shutdown pattern (internal/audit/sink.go),
// generalized from a periodic flush loop to a continuous lease loop.
package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/webhook-relay/internal/audit"
	"github.com/kenneth/webhook-relay/internal/push"
	"github.com/kenneth/webhook-relay/internal/queue"
	"github.com/kenneth/webhook-relay/internal/store"
)

const (
	leaseVisibility = 30 * time.Second
	idleBackoffMin  = 50 * time.Millisecond
	idleBackoffMax  = 200 * time.Millisecond
	retryBaseDelay  = 500 * time.Millisecond
	retryMaxDelay   = 30 * time.Second
)

// Pool is the Delivery Worker pool.
type Pool struct {
	queue      *queue.Queue
	store      *store.Store
	dispatcher *push.Dispatcher
	numWorkers int
	chunkDelay time.Duration
	logger     *logrus.Logger
	audit      audit.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	remaining int
	mu        sync.Mutex
}

// New constructs a Pool. numWorkers and chunkDelay come from
// QUEUE_WORKERS / CHUNK_DELAY_MS.
func New(q *queue.Queue, st *store.Store, d *push.Dispatcher, numWorkers int, chunkDelay time.Duration, logger *logrus.Logger, al audit.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{
		queue:      q,
		store:      st,
		dispatcher: d,
		numWorkers: numWorkers,
		chunkDelay: chunkDelay,
		logger:     logger,
		audit:      al,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.remaining = p.numWorkers
	for i := 0; i < p.numWorkers; i++ {
		go p.run(i)
	}
}

// Shutdown signals every worker to stop leasing new work and waits up
// to ctx's deadline for in-flight deliveries to finish. Entries still
// leased when ctx expires are simply left; their visibility timeout
// expires and another worker (after restart) picks them back up.
func (p *Pool) Shutdown(ctx context.Context) {
	close(p.stopCh)
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		if p.logger != nil {
			p.logger.Warn("worker: shutdown grace period elapsed with deliveries still in flight")
		}
	}
}

func (p *Pool) run(id int) {
	log := p.logger
	if log != nil {
		log = log.WithField("worker", id).Logger
	}

	var lastRequestID string

	for {
		select {
		case <-p.stopCh:
			p.workerDone(id)
			return
		default:
		}

		entries, err := p.queue.Lease(1, leaseVisibility)
		if err != nil {
			if log != nil {
				log.WithError(err).Warn("worker: lease failed")
			}
			sleep(p.stopCh, idleBackoff())
			continue
		}
		if len(entries) == 0 {
			sleep(p.stopCh, idleBackoff())
			continue
		}

		entry := entries[0]
		if p.chunkDelay > 0 && entry.RequestID == lastRequestID {
			sleep(p.stopCh, p.chunkDelay)
		}
		lastRequestID = entry.RequestID

		p.deliver(entry)
	}
}

func (p *Pool) workerDone(id int) {
	p.mu.Lock()
	p.remaining--
	last := p.remaining == 0
	p.mu.Unlock()
	if last {
		close(p.doneCh)
	}
}

func (p *Pool) deliver(entry queue.Entry) {
	log := p.logger
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := p.store.Get(entry.TargetUUID)
	if err != nil {
		if log != nil {
			log.WithError(err).WithField("uuid", entry.TargetUUID).Warn("worker: store lookup failed, will retry")
		}
		p.nackWithBackoff(entry)
		return
	}
	if sub == nil {
		// Target subscription no longer exists: drop silently, per §4.5.
		if err := p.queue.Ack(entry.Sequence); err != nil && log != nil {
			log.WithError(err).Warn("worker: ack of orphaned entry failed")
		}
		return
	}

	subscriber := push.Subscriber{P256DH: sub.P256DH, Auth: sub.Auth}
	result := p.dispatcher.Send(ctx, sub.Endpoint, subscriber, entry.Envelope)

	switch result.Outcome {
	case push.OutcomeDelivered:
		if err := p.queue.Ack(entry.Sequence); err != nil && log != nil {
			log.WithError(err).Warn("worker: ack failed")
		}

	case push.OutcomeGone:
		deleteErr := p.store.DeleteUnchecked(sub.UUID)
		if deleteErr != nil && log != nil {
			log.WithError(deleteErr).WithField("uuid", sub.UUID).Warn("worker: delete of dead subscription failed")
		}
		if p.audit != nil {
			p.audit.LogSubscriptionEvent(audit.EventTypeDeadEndpointReap, sub.UUID, deleteErr == nil, deleteErr, 0)
		}
		if err := p.queue.Ack(entry.Sequence); err != nil && log != nil {
			log.WithError(err).Warn("worker: ack failed")
		}
		if err := p.queue.AbortRequest(entry.RequestID); err != nil && log != nil {
			log.WithError(err).Warn("worker: abort of remaining chunks failed")
		}

	case push.OutcomeThrottled:
		delay := result.RetryAfter
		if delay <= 0 {
			delay = retryBaseDelay
		}
		if err := p.queue.Nack(entry.Sequence, delay); err != nil && log != nil {
			log.WithError(err).Warn("worker: nack failed")
		}

	case push.OutcomeTransientFailure:
		p.nackWithBackoff(entry)

	case push.OutcomeRejected:
		if log != nil {
			log.WithField("uuid", entry.TargetUUID).WithField("status", result.Status).Warn("worker: push service rejected delivery, dropping")
		}
		if err := p.queue.Ack(entry.Sequence); err != nil && log != nil {
			log.WithError(err).Warn("worker: ack failed")
		}
	}
}

func (p *Pool) nackWithBackoff(entry queue.Entry) {
	delay := retryBaseDelay << uint(entry.Attempts)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	if err := p.queue.Nack(entry.Sequence, delay); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("worker: nack failed")
	}
}

func idleBackoff() time.Duration {
	return idleBackoffMin + time.Duration(rand.Int63n(int64(idleBackoffMax-idleBackoffMin)))
}

func sleep(stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-stop:
	}
}
