package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kenneth/webhook-relay/internal/apierr"
)

func openTestQueue(t *testing.T, maxBytes int64) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, maxBytes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndLease(t *testing.T) {
	q := openTestQueue(t, 1<<20)

	seq, err := q.Enqueue("sub-1", "req-1", []byte("payload"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected first sequence to be 1, got %d", seq)
	}
	if q.LiveBytes() != int64(len("payload")) {
		t.Fatalf("unexpected live bytes: %d", q.LiveBytes())
	}

	depth, err := q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}

	entries, err := q.Lease(10, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(entries) != 1 || entries[0].Sequence != seq {
		t.Fatalf("unexpected leased entries: %+v", entries)
	}
}

func TestLeaseExcludesAlreadyLeasedEntries(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	q.Enqueue("sub-1", "req-1", []byte("a"))
	q.Enqueue("sub-1", "req-2", []byte("b"))

	first, err := q.Lease(1, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 leased entry, got %d", len(first))
	}

	second, err := q.Lease(10, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(second) != 1 || second[0].Sequence == first[0].Sequence {
		t.Fatalf("expected the remaining unleased entry only, got %+v", second)
	}
}

func TestLeaseExpiredVisibilityBecomesReadyAgain(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	q.Enqueue("sub-1", "req-1", []byte("a"))

	if _, err := q.Lease(1, -time.Second); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	entries, err := q.Lease(1, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected entry with expired lease to be leasable again, got %d entries", len(entries))
	}
}

func TestAckRemovesEntryAndFreesBytes(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	seq, _ := q.Enqueue("sub-1", "req-1", []byte("payload"))

	if err := q.Ack(seq); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.LiveBytes() != 0 {
		t.Fatalf("expected live bytes to be 0 after ack, got %d", q.LiveBytes())
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Fatalf("expected depth 0 after ack, got %d", depth)
	}

	entries, err := q.Lease(10, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after ack, got %d", len(entries))
	}
}

func TestNackIncrementsAttemptsAndReturnsToReadySet(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	seq, _ := q.Enqueue("sub-1", "req-1", []byte("payload"))

	leased, _ := q.Lease(1, time.Minute)
	if len(leased) != 1 {
		t.Fatalf("expected 1 leased entry, got %d", len(leased))
	}

	if err := q.Nack(seq, 0); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	entries, err := q.Lease(10, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(entries) != 1 || entries[0].Attempts != 1 {
		t.Fatalf("expected nacked entry back with Attempts=1, got %+v", entries)
	}
}

func TestNackWithRetryAfterDelaysReadiness(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	seq, _ := q.Enqueue("sub-1", "req-1", []byte("payload"))
	q.Lease(1, time.Minute)

	if err := q.Nack(seq, time.Hour); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	entries, err := q.Lease(10, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected entry to stay invisible during retry delay, got %d", len(entries))
	}
}

func TestAbortRequestRemovesAllMatchingEntries(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	q.Enqueue("sub-1", "req-1", []byte("a"))
	q.Enqueue("sub-1", "req-1", []byte("b"))
	q.Enqueue("sub-1", "req-2", []byte("c"))

	if err := q.AbortRequest("req-1"); err != nil {
		t.Fatalf("AbortRequest: %v", err)
	}

	depth, _ := q.Depth()
	if depth != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", depth)
	}
	if q.LiveBytes() != 1 {
		t.Fatalf("expected 1 live byte remaining (\"c\"), got %d", q.LiveBytes())
	}
}

func TestEnqueueRejectsOverCapacity(t *testing.T) {
	q := openTestQueue(t, 5)
	if _, err := q.Enqueue("sub-1", "req-1", []byte("123456")); !apierr.Is(err, apierr.KindQueueFull) {
		t.Fatalf("expected KindQueueFull, got %v", err)
	}
}

func TestEnqueueSequenceNumbersIncreaseMonotonically(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	seq1, _ := q.Enqueue("sub-1", "req-1", []byte("a"))
	seq2, _ := q.Enqueue("sub-1", "req-2", []byte("b"))
	if seq2 <= seq1 {
		t.Fatalf("expected increasing sequence numbers, got %d then %d", seq1, seq2)
	}
}

func TestLeaseReturnsEntriesInSequenceOrder(t *testing.T) {
	q := openTestQueue(t, 1<<20)
	for i := 0; i < 5; i++ {
		q.Enqueue("sub-1", "req", []byte{byte(i)})
	}

	entries, err := q.Lease(5, time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Fatalf("expected strictly increasing sequence order, got %+v", entries)
		}
	}
}

func TestLiveBytesRestoredAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q.Enqueue("sub-1", "req-1", []byte("payload"))
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := Open(path, 1<<20)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer q2.Close()

	if q2.LiveBytes() != int64(len("payload")) {
		t.Fatalf("expected live bytes restored, got %d", q2.LiveBytes())
	}

	// Crash safety: leases are not persisted, so on reopen all entries
	// are ready again.
	entries, err := q2.Lease(10, time.Minute)
	if err != nil {
		t.Fatalf("Lease after reopen: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the entry to be ready after reopen, got %d", len(entries))
	}
}
