package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/webhook-relay/internal/audit"
	"github.com/kenneth/webhook-relay/internal/metrics"
	"github.com/kenneth/webhook-relay/internal/queue"
	"github.com/kenneth/webhook-relay/internal/ratelimit"
	"github.com/kenneth/webhook-relay/internal/store"
)

type allowAll struct{}

func (allowAll) HostAllowed(host string) bool { return true }

func newTestDeps(t *testing.T) (*store.Store, *queue.Queue, *metrics.Metrics) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store.db"), allowAll{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), 1<<20)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return st, q, m
}

func TestSweepPurgesExpiredAndRecordsAudit(t *testing.T) {
	st, q, m := newTestDeps(t)
	sub, err := st.Create(store.NewSubscription{
		Endpoint: "https://push.example.com/wp/abc",
		P256DH:   make([]byte, 65),
		Auth:     make([]byte, 16),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	al := audit.NewLogger(10)
	s := New(st, q, ratelimit.NewMemoryLimiter(), -time.Hour, time.Hour, logrus.New(), m, al)
	s.sweep()

	got, err := st.Get(sub.UUID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected subscription to be purged by sweep")
	}

	var sawPurge bool
	for _, ev := range al.GetEvents() {
		if ev.EventType == audit.EventTypeTTLPurge {
			sawPurge = true
			if ev.Metadata["count"] != 1 {
				t.Fatalf("expected purge metadata count=1, got %v", ev.Metadata["count"])
			}
		}
	}
	if !sawPurge {
		t.Fatal("expected a ttl_purge audit event")
	}
}

func TestSweepSkipsAuditWhenNothingPurged(t *testing.T) {
	st, q, m := newTestDeps(t)
	al := audit.NewLogger(10)
	s := New(st, q, ratelimit.NewMemoryLimiter(), time.Hour, time.Hour, logrus.New(), m, al)
	s.sweep()

	if len(al.GetEvents()) != 0 {
		t.Fatalf("expected no audit events when nothing was purged, got %d", len(al.GetEvents()))
	}
}

type sweepCountingLimiter struct {
	ratelimit.Limiter
	sweeps int
}

func (l *sweepCountingLimiter) Sweep() { l.sweeps++ }

func TestSweepInvokesLimiterSweep(t *testing.T) {
	st, q, m := newTestDeps(t)
	limiter := &sweepCountingLimiter{Limiter: ratelimit.NewMemoryLimiter()}
	s := New(st, q, limiter, time.Hour, time.Hour, logrus.New(), m, nil)
	s.sweep()

	if limiter.sweeps != 1 {
		t.Fatalf("expected sweep() to invoke the limiter's Sweep() once, got %d", limiter.sweeps)
	}
}

func TestStartAndStopRunsAtLeastOnSchedule(t *testing.T) {
	st, q, m := newTestDeps(t)
	limiter := &sweepCountingLimiter{Limiter: ratelimit.NewMemoryLimiter()}
	s := New(st, q, limiter, time.Hour, 20*time.Millisecond, logrus.New(), m, nil)
	s.Start()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if limiter.sweeps < 1 {
		t.Fatalf("expected at least one scheduled sweep within 100ms at a 20ms interval, got %d", limiter.sweeps)
	}
}
