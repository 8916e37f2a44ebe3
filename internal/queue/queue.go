// Package queue implements the Disk Queue (spec §4.4): a bounded,
// crash-safe FIFO of chunk envelopes, backed by its own bbolt file so
// that subscription-store purges never contend with in-flight payload
// bytes.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kenneth/webhook-relay/internal/apierr"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
	nextSeqKey    = []byte("next_seq")
	liveBytesKey  = []byte("live_bytes")
)

// Entry is the persisted record for one queued chunk (spec §3 QueueEntry).
type Entry struct {
	Sequence    uint64    `json:"sequence"`
	TargetUUID  string    `json:"target_uuid"`
	RequestID   string    `json:"request_id"`
	Envelope    []byte    `json:"envelope"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
}

// Queue is the Disk Queue.
type Queue struct {
	db        *bbolt.DB
	maxBytes  int64

	mu        sync.Mutex
	liveBytes int64
	leased    map[uint64]time.Time // sequence -> visibility deadline
}

// Open opens (creating if necessary) the bbolt file at path, restores
// liveBytes from the meta bucket, and clears any leases (crash
// safety: every entry becomes ready again on startup).
func Open(path string, maxBytes int64) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: opening %s: %w", path, err)
	}

	q := &Queue{db: db, maxBytes: maxBytes, leased: make(map[uint64]time.Time)}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(entriesBucket); err != nil {
			return err
		}
		mb, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := mb.Get(liveBytesKey); v != nil {
			q.liveBytes = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: initializing: %w", err)
	}
	return q, nil
}

// Close closes the underlying bbolt file.
func (q *Queue) Close() error { return q.db.Close() }

// LiveBytes returns the current total size of all live (unacked) entries.
func (q *Queue) LiveBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.liveBytes
}

// Depth returns the current number of unacked entries.
func (q *Queue) Depth() (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Enqueue appends envelopeBytes tagged with targetUUID/requestID at
// the next sequence number, inside one transaction with the
// live_bytes accounting, returning apierr.KindQueueFull if the bound
// would be exceeded.
func (q *Queue) Enqueue(targetUUID, requestID string, envelopeBytes []byte) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := int64(len(envelopeBytes))
	if q.liveBytes+size > q.maxBytes {
		return 0, apierr.QueueFull("disk queue is full")
	}

	var seq uint64
	err := q.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		mb := tx.Bucket(metaBucket)

		seq = nextSeq(mb)

		entry := Entry{
			Sequence:   seq,
			TargetUUID: targetUUID,
			RequestID:  requestID,
			Envelope:   envelopeBytes,
			EnqueuedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := eb.Put(seqKey(seq), data); err != nil {
			return err
		}

		q.liveBytes += size
		return putMeta(mb, seq+1, q.liveBytes)
	})
	if err != nil {
		q.liveBytes -= size
		return 0, err
	}
	return seq, nil
}

// Lease returns up to n ready (not currently leased) entries in
// sequence order, marking them leased with the given visibility
// timeout. Concurrent callers get disjoint sets.
func (q *Queue) Lease(n int, visibility time.Duration) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for seq, deadline := range q.leased {
		if now.After(deadline) {
			delete(q.leased, seq)
		}
	}

	var out []Entry
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			if _, isLeased := q.leased[seq]; isLeased {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue // skip corrupt record
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	deadline := now.Add(visibility)
	for _, e := range out {
		q.leased[e.Sequence] = deadline
	}
	return out, nil
}

// Ack removes the entry at sequence and decrements live_bytes.
func (q *Queue) Ack(sequence uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, sequence)

	return q.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		mb := tx.Bucket(metaBucket)

		data := eb.Get(seqKey(sequence))
		if data == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if err := eb.Delete(seqKey(sequence)); err != nil {
			return err
		}
		q.liveBytes -= int64(len(entry.Envelope))
		if q.liveBytes < 0 {
			q.liveBytes = 0
		}
		return putMeta(mb, nextSeq(mb), q.liveBytes)
	})
}

// Nack returns the entry to the ready set after retryAfter elapses,
// incrementing its persisted attempt count.
func (q *Queue) Nack(sequence uint64, retryAfter time.Duration) error {
	q.mu.Lock()
	delete(q.leased, sequence)
	q.mu.Unlock()

	err := q.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		data := eb.Get(seqKey(sequence))
		if data == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		entry.Attempts++
		newData, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return eb.Put(seqKey(sequence), newData)
	})
	if err != nil {
		return err
	}

	if retryAfter > 0 {
		// Re-lease immediately with a deadline of now plus retryAfter
		// so Lease skips it until the delay elapses.
		q.mu.Lock()
		q.leased[sequence] = time.Now().Add(retryAfter)
		q.mu.Unlock()
	}
	return nil
}

// AbortRequest removes every queued envelope tagged with requestID,
// used for chunker rollback on QueueFull or on dead-endpoint discard.
func (q *Queue) AbortRequest(requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var toDelete []uint64
	var freed int64
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.RequestID == requestID {
				toDelete = append(toDelete, entry.Sequence)
				freed += int64(len(entry.Envelope))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(toDelete) == 0 {
		return nil
	}

	err = q.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		mb := tx.Bucket(metaBucket)
		for _, seq := range toDelete {
			if err := eb.Delete(seqKey(seq)); err != nil {
				return err
			}
			delete(q.leased, seq)
		}
		q.liveBytes -= freed
		if q.liveBytes < 0 {
			q.liveBytes = 0
		}
		return putMeta(mb, nextSeq(mb), q.liveBytes)
	})
	return err
}

func nextSeq(mb *bbolt.Bucket) uint64 {
	v := mb.Get(nextSeqKey)
	if v == nil {
		return 1
	}
	return binary.BigEndian.Uint64(v)
}

func putMeta(mb *bbolt.Bucket, next uint64, liveBytes int64) error {
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, next)
	if err := mb.Put(nextSeqKey, nb); err != nil {
		return err
	}
	lb := make([]byte, 8)
	binary.BigEndian.PutUint64(lb, uint64(liveBytes))
	return mb.Put(liveBytesKey, lb)
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
