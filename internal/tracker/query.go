package tracker

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/optrail/optrail/internal/op"
)

// Get returns a snapshot of one operation.
func (t *Tracker) Get(id string) (*op.Operation, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	o := t.mem.Get(id)
	if o == nil {
		return nil, &op.NotFoundError{ID: id}
	}
	return o, nil
}

// Children returns the child records of id, oldest first.
func (t *Tracker) Children(id string) ([]*op.Operation, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if !t.mem.Has(id) {
		return nil, &op.NotFoundError{ID: id}
	}
	return t.mem.Children(id), nil
}

// List returns a filtered page of operations, newest first, along with
// the total number of matches before paging.
func (t *Tracker) List(f op.Filter) ([]*op.Operation, int, error) {
	if err := validateFilter(f.Type, f.Status, f.Since, f.Until); err != nil {
		return nil, 0, err
	}
	if f.Limit < 0 {
		return nil, 0, &op.ValidationError{Field: "limit", Reason: "must be >= 0"}
	}
	if f.Offset < 0 {
		return nil, 0, &op.ValidationError{Field: "offset", Reason: "must be >= 0"}
	}
	ops, total := t.mem.List(f)
	return ops, total, nil
}

// Recent returns the newest operations, most recent first.
func (t *Tracker) Recent(limit int) []*op.Operation {
	return t.mem.Recent(limit)
}

// Stats returns aggregate statistics for the query, served from the
// cache when a fresh snapshot exists. Returned snapshots are shared and
// must not be modified.
func (t *Tracker) Stats(q op.StatsQuery) (*op.Statistics, error) {
	switch q.GroupBy {
	case "", "type", "command", "status", "user":
	default:
		return nil, &op.ValidationError{Field: "group_by", Reason: "must be one of type, command, status, user"}
	}
	if err := validateFilter(q.Type, "", q.Since, q.Until); err != nil {
		return nil, err
	}

	key := q.CacheKey()
	if cached, ok := t.cache.Get(key); ok {
		return cached, nil
	}
	stats := t.mem.Stats(q)
	t.cache.Put(key, stats)
	return stats, nil
}

// Clean removes operations that started before the cutoff, honoring the
// configured child policy. The in-memory table is swept first and stays
// authoritative; a persistence failure is reported as a RetentionError
// but does not undo the sweep.
func (t *Tracker) Clean(olderThanDays int, dryRun bool, typ op.Type, command string) (int64, error) {
	if olderThanDays < 0 {
		return 0, &op.ValidationError{Field: "older_than_days", Reason: "must be >= 0"}
	}
	if typ != "" && !typ.Valid() {
		return 0, &op.ValidationError{Field: "type", Reason: "unknown operation type"}
	}

	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	deleted, detached := t.mem.RemoveExpired(cutoff, typ, command, t.cfg.CascadeChildren, dryRun)
	if dryRun || len(deleted) == 0 {
		return int64(len(deleted)), nil
	}

	t.cache.InvalidateAll()
	t.logger.Info("cleaned operations",
		"deleted", len(deleted),
		"detached", len(detached),
		"older_than_days", olderThanDays,
	)

	if t.driver != nil {
		if !t.cfg.CascadeChildren {
			if _, err := t.driver.DetachChildren(deleted); err != nil {
				return int64(len(deleted)), &op.RetentionError{Err: err}
			}
		}
		if _, err := t.driver.DeleteOperations(deleted); err != nil {
			return int64(len(deleted)), &op.RetentionError{Err: err}
		}
	}
	return int64(len(deleted)), nil
}

// SetRateLimit overrides the aggregation threshold for commandName.
func (t *Tracker) SetRateLimit(commandName string, threshold int) {
	t.agg.SetThreshold(commandName, threshold)
}

// RateLimits reports the aggregation window, default threshold and the
// current per-command overrides.
func (t *Tracker) RateLimits() (time.Duration, int, map[string]int) {
	return t.agg.Window(), t.agg.Threshold(""), t.agg.Thresholds()
}

// Count returns the number of operations held in memory.
func (t *Tracker) Count() int {
	return t.mem.Count()
}

// VerifyChain walks the in-memory records in insertion order and checks
// hash-chain continuity. It returns false and the index of the first
// broken link when tampering is detected.
func (t *Tracker) VerifyChain() (bool, int) {
	return op.VerifyChain(t.mem.InsertionOrder())
}

func validateID(id string) error {
	if id == "" {
		return &op.ValidationError{Field: "operation_id", Reason: "must not be empty"}
	}
	if _, err := ulid.Parse(id); err != nil {
		return &op.ValidationError{Field: "operation_id", Reason: "malformed id"}
	}
	return nil
}

func validateFilter(typ op.Type, status op.Status, since, until *time.Time) error {
	if typ != "" && !typ.Valid() {
		return &op.ValidationError{Field: "type", Reason: "unknown operation type"}
	}
	if status != "" {
		switch status {
		case op.StatusStarted, op.StatusCompleted, op.StatusFailed:
		default:
			return &op.ValidationError{Field: "status", Reason: "unknown status"}
		}
	}
	if since != nil && until != nil && since.After(*until) {
		return &op.ValidationError{Field: "since", Reason: "must not be after until"}
	}
	return nil
}
