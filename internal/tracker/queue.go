package tracker

import (
	"time"

	"github.com/optrail/optrail/internal/op"
)

// jobKind tags the work items flowing through the background pipeline.
// Inserts, terminal updates and aggregation bumps share one channel so
// the single consumer sees them in producer order: a record's insert
// always reaches the driver before its terminal update.
type jobKind int

const (
	jobInsert jobKind = iota
	jobUpdate
	jobBump
)

type job struct {
	kind   jobKind
	record *op.Operation // jobInsert
	update op.Update     // jobUpdate
	id     string        // jobBump
	delta  int
}

// enqueue hands a job to the pipeline without blocking. Insert and bump
// jobs carry only write-behind persistence work, so under overload they
// are dropped with a warning while the in-memory table stays complete.
// Update jobs never come through here; finish has its own fallback.
func (t *Tracker) enqueue(j job) {
	if t.driver == nil && j.kind != jobUpdate {
		return
	}
	select {
	case t.jobs <- j:
	case <-t.drain:
	default:
		t.logger.Warn("pipeline at capacity, skipping write-behind",
			"kind", int(j.kind),
			"capacity", t.cfg.QueueCapacity,
		)
	}
}

// runProcessor is the single background consumer. It accumulates jobs
// into batches and flushes when the batch is full or the flush interval
// elapses, so a burst of completions costs one table lock instead of
// one per update.
func (t *Tracker) runProcessor() {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]job, 0, t.cfg.BatchSize)
	for {
		select {
		case j := <-t.jobs:
			batch = append(batch, j)
			if len(batch) >= t.cfg.BatchSize {
				t.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				t.flush(batch)
				batch = batch[:0]
			}
		case <-t.drain:
			// Shutdown: take whatever is still queued, flush and exit.
			for {
				select {
				case j := <-t.jobs:
					batch = append(batch, j)
					if len(batch) >= t.cfg.BatchSize {
						t.flush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						t.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush applies one batch. All terminal updates in the batch hit the
// in-memory table under a single lock; driver writes follow in arrival
// order. Driver failures are logged per item and never stop the batch.
func (t *Tracker) flush(batch []job) {
	updates := make([]op.Update, 0, len(batch))
	for _, j := range batch {
		if j.kind == jobUpdate {
			updates = append(updates, j.update)
		}
	}

	var results []applyResult
	if len(updates) > 0 {
		results = t.mem.ApplyBatch(updates)
	}

	applied := 0
	ri := 0
	for _, j := range batch {
		switch j.kind {
		case jobInsert:
			if t.driver == nil {
				continue
			}
			if err := t.driver.InsertOperation(j.record); err != nil {
				t.logger.Error("failed to persist operation",
					"operation_id", j.record.ID,
					"error", err,
				)
			}
		case jobBump:
			if t.driver == nil {
				continue
			}
			if err := t.driver.BumpAggregated(j.id, j.delta); err != nil {
				t.logger.Error("failed to persist aggregation bump",
					"operation_id", j.id,
					"error", err,
				)
			}
		case jobUpdate:
			res := results[ri]
			ri++
			switch res.outcome {
			case applyApplied:
				applied++
				t.persistUpdate(res.update)
				t.publishTerminal(res.after)
			case applyUnknown:
				t.logger.Warn("update for unknown operation dropped",
					"operation_id", res.update.OperationID,
					"status", string(res.update.Status),
				)
			case applyAlreadyTerminal:
				t.logger.Debug("duplicate terminal update ignored",
					"operation_id", res.update.OperationID,
					"status", string(res.update.Status),
				)
			}
		}
	}

	if applied > 0 {
		t.cache.InvalidateAll()
	}
}

// applySync is the backpressure fallback: the caller pays the apply and
// persistence cost inline instead of losing the update.
func (t *Tracker) applySync(u op.Update) {
	res := t.mem.Apply(u)
	switch res.outcome {
	case applyApplied:
		t.persistUpdate(res.update)
		t.publishTerminal(res.after)
		t.cache.InvalidateAll()
	case applyUnknown:
		t.logger.Warn("update for unknown operation dropped",
			"operation_id", u.OperationID,
			"status", string(u.Status),
		)
	case applyAlreadyTerminal:
		t.logger.Debug("duplicate terminal update ignored",
			"operation_id", u.OperationID,
			"status", string(u.Status),
		)
	}
}

func (t *Tracker) persistUpdate(u op.Update) {
	if t.driver == nil {
		return
	}
	if err := t.driver.UpdateOperation(u); err != nil {
		t.logger.Error("failed to persist update",
			"operation_id", u.OperationID,
			"error", err,
		)
	}
}

func (t *Tracker) publishTerminal(after *op.Operation) {
	if after == nil {
		return
	}
	kind := op.EventCompleted
	if after.Status == op.StatusFailed {
		kind = op.EventFailed
	}
	ts := time.Now()
	if after.EndTime != nil {
		ts = *after.EndTime
	}
	t.publish(op.Event{Kind: kind, Operation: after, Timestamp: ts})
}
