package queue

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/offline-cache/remoteapi"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// Result is the outcome of replaying one write.
type Result struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	PONumber string `json:"po_number"`
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// DrainReport summarises one drain cycle.
type DrainReport struct {
	Results   []Result `json:"results"`
	Halted    bool     `json:"halted"`
	Remaining int      `json:"remaining"`
}

// Committed returns the results of writes that were replayed successfully.
func (r *DrainReport) Committed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.State == StateCommitted {
			out = append(out, res)
		}
	}
	return out
}

// Drain replays queued writes one at a time in enqueue order. A successful
// write is removed. The first failure returns that write to pending with its
// error recorded and ends the cycle, leaving it and every later write queued.
// Concurrent calls run one after another.
func (q *Queue) Drain(ctx context.Context, r Replayer) (*DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	start := time.Now()
	report := &DrainReport{}

	defer func() {
		n, err := q.Len(ctx)
		if err == nil {
			report.Remaining = n
		}
		telemetry.RecordQueueDepth(ctx, q.name, report.Remaining)
		telemetry.RecordDrain(ctx, time.Since(start), report.Halted)
	}()

	for {
		if err := ctx.Err(); err != nil {
			report.Halted = true
			return report, err
		}

		w, err := q.claimHead()
		if err != nil {
			return report, err
		}
		if w == nil {
			return report, nil
		}

		replayErr := r.Replay(ctx, w)
		if replayErr == nil {
			if err := q.commit(w); err != nil {
				return report, err
			}
			telemetry.RecordReplay(ctx, string(w.Kind), "committed")
			q.logger.Info("write replayed", "id", w.ID, "kind", w.Kind, "po_number", w.Order.PONumber, "attempts", w.Attempts)
			report.Results = append(report.Results, Result{
				ID:       w.ID,
				Kind:     w.Kind,
				PONumber: w.Order.PONumber,
				State:    StateCommitted,
				Attempts: w.Attempts,
			})
			continue
		}

		if err := q.release(w, replayErr); err != nil {
			return report, err
		}
		telemetry.RecordReplay(ctx, string(w.Kind), "failed")
		q.logger.Warn("write replay failed, halting drain",
			"id", w.ID, "kind", w.Kind, "po_number", w.Order.PONumber,
			"attempts", w.Attempts, "error", replayErr)
		report.Results = append(report.Results, Result{
			ID:       w.ID,
			Kind:     w.Kind,
			PONumber: w.Order.PONumber,
			State:    StatePending,
			Attempts: w.Attempts,
			Error:    replayErr.Error(),
		})
		report.Halted = true
		return report, nil
	}
}

// claimHead marks the oldest write as replaying and returns it, or nil when
// the queue is empty.
func (q *Queue) claimHead() (*Write, error) {
	var w *Write
	err := q.db.Update(func(tx *bbolt.Tx) error {
		writes := tx.Bucket(bucketWrites)
		k, v := writes.Cursor().First()
		if k == nil {
			return nil
		}
		var err error
		if w, err = decodeWrite(v); err != nil {
			return err
		}
		w.State = StateReplaying
		w.Attempts++
		return putWrite(writes, append([]byte(nil), k...), w)
	})
	return w, err
}

func (q *Queue) commit(w *Write) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		_, err := removeWrite(tx, w.ID)
		return err
	})
}

func (q *Queue) release(w *Write, cause error) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		writes := tx.Bucket(bucketWrites)
		key := encodeSeq(w.Seq)
		if writes.Get(key) == nil {
			return nil
		}
		w.State = StatePending
		w.LastError = cause.Error()
		if remoteapi.IsOffline(cause) {
			w.Unconfirmed = true
		}
		return putWrite(writes, key, w)
	})
}
