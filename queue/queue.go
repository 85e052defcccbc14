// Package queue persists purchase order writes made while the order API is
// unreachable and replays them in order once it is reachable again.
package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/offline-cache/remoteapi"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Kind is the API operation a queued write replays as.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
)

// State tracks a write through replay.
type State string

const (
	StatePending   State = "pending"
	StateReplaying State = "replaying"
	StateCommitted State = "committed"
)

var (
	// ErrNotFound is returned when a write id is not queued.
	ErrNotFound = errors.New("write not found")

	// ErrInvalidWrite is returned for writes that cannot be replayed.
	ErrInvalidWrite = errors.New("invalid write")
)

// Bucket names for bbolt storage.
var (
	bucketWrites     = []byte("writes")       // 8-byte seq -> Write JSON
	bucketWritesByID = []byte("writes_by_id") // correlation id -> 8-byte seq
)

// Write is one queued create or update.
type Write struct {
	ID         string                  `json:"id"`
	Kind       Kind                    `json:"kind"`
	Order      remoteapi.PurchaseOrder `json:"order"`
	EnqueuedAt time.Time               `json:"enqueued_at"`
	State      State                   `json:"state"`
	Attempts   int                     `json:"attempts"`
	LastError  string                  `json:"last_error,omitempty"`
	Seq        uint64                  `json:"seq"`

	// Unconfirmed is set once a send has failed without an answer from the
	// API, which may still have applied it.
	Unconfirmed bool `json:"unconfirmed,omitempty"`
}

// Validate checks that w can be replayed.
func (w *Write) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidWrite)
	}
	switch w.Kind {
	case KindCreate, KindUpdate:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidWrite, w.Kind)
	}
	if w.Order.PONumber == "" {
		return fmt.Errorf("%w: order number is required", ErrInvalidWrite)
	}
	return nil
}

// Replayer sends a queued write to the order API.
type Replayer interface {
	Replay(ctx context.Context, w *Write) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, w *Write) error

// Replay calls f.
func (f ReplayFunc) Replay(ctx context.Context, w *Write) error {
	return f(ctx, w)
}

// Queue is a durable FIFO of writes.
type Queue struct {
	db     *bbolt.DB
	name   string
	logger *slog.Logger
	now    func() time.Time
	noSync bool

	drainMu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(q *Queue) {
		q.noSync = noSync
	}
}

// WithName labels the queue in logs and metrics.
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

// Open opens the queue stored at path. Writes left in the replaying state by
// a crash are returned to pending.
func Open(path string, opts ...Option) (*Queue, error) {
	q := &Queue{
		name:   "default",
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue", "queue", q.name)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  q.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}
	q.db = db

	reset := 0
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketWrites, bucketWritesByID} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		writes := tx.Bucket(bucketWrites)
		return writes.ForEach(func(k, v []byte) error {
			w, err := decodeWrite(v)
			if err != nil {
				return err
			}
			if w.State != StateReplaying {
				return nil
			}
			w.State = StatePending
			reset++
			return putWrite(writes, k, w)
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if reset > 0 {
		q.logger.Warn("reset interrupted replays", "count", reset)
	}

	q.recordDepth(context.Background())
	return q, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue appends w. A write whose id is already queued is ignored and
// Enqueue returns false.
func (q *Queue) Enqueue(ctx context.Context, w Write) (bool, error) {
	if err := w.Validate(); err != nil {
		return false, err
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = q.now().UTC()
	}
	w.State = StatePending
	w.Attempts = 0
	w.LastError = ""

	added := false
	err := q.db.Update(func(tx *bbolt.Tx) error {
		byID := tx.Bucket(bucketWritesByID)
		if byID.Get([]byte(w.ID)) != nil {
			return nil
		}
		writes := tx.Bucket(bucketWrites)
		seq, err := writes.NextSequence()
		if err != nil {
			return err
		}
		w.Seq = seq
		key := encodeSeq(seq)
		if err := putWrite(writes, key, &w); err != nil {
			return err
		}
		added = true
		return byID.Put([]byte(w.ID), key)
	})
	if err != nil {
		return false, fmt.Errorf("enqueueing %s: %w", w.ID, err)
	}

	if added {
		q.logger.Info("write queued", "id", w.ID, "kind", w.Kind, "po_number", w.Order.PONumber)
		q.recordDepth(ctx)
	} else {
		q.logger.Debug("duplicate write ignored", "id", w.ID)
	}
	return added, nil
}

// Pending returns the queued writes in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]Write, error) {
	var writes []Write
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWrites).ForEach(func(_, v []byte) error {
			w, err := decodeWrite(v)
			if err != nil {
				return err
			}
			writes = append(writes, *w)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing writes: %w", err)
	}
	return writes, nil
}

// Len returns the number of queued writes.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketWritesByID).Stats().KeyN
		return nil
	})
	return n, err
}

// Get returns the queued write with id.
func (q *Queue) Get(ctx context.Context, id string) (*Write, error) {
	var w *Write
	err := q.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketWritesByID).Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		data := tx.Bucket(bucketWrites).Get(key)
		if data == nil {
			return ErrNotFound
		}
		var err error
		w, err = decodeWrite(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Remove deletes the write with id and reports whether it was queued.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	removed := false
	err := q.db.Update(func(tx *bbolt.Tx) error {
		var err error
		removed, err = removeWrite(tx, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("removing %s: %w", id, err)
	}
	if removed {
		q.recordDepth(ctx)
	}
	return removed, nil
}

func (q *Queue) recordDepth(ctx context.Context) {
	n, err := q.Len(ctx)
	if err != nil {
		return
	}
	telemetry.RecordQueueDepth(ctx, q.name, n)
}

func removeWrite(tx *bbolt.Tx, id string) (bool, error) {
	byID := tx.Bucket(bucketWritesByID)
	key := byID.Get([]byte(id))
	if key == nil {
		return false, nil
	}
	key = append([]byte(nil), key...)
	if err := tx.Bucket(bucketWrites).Delete(key); err != nil {
		return false, err
	}
	return true, byID.Delete([]byte(id))
}

func putWrite(b *bbolt.Bucket, key []byte, w *Write) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encoding write: %w", err)
	}
	return b.Put(key, data)
}

func decodeWrite(data []byte) (*Write, error) {
	var w Write
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding write: %w", err)
	}
	return &w, nil
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
