package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/optrail/optrail/internal/op"
)

const defaultSweepInterval = time.Hour

// RetentionConfig carries the sweep policy.
type RetentionConfig struct {
	// RetentionDays is the age past which operations are removed. Zero or
	// negative disables expiry.
	RetentionDays int

	// StaleAfter fails operations still STARTED after this long, on the
	// assumption the producer died without reporting. Zero disables it.
	StaleAfter time.Duration

	SweepInterval time.Duration
}

// RetentionManager periodically expires old operations and fails
// abandoned ones. Stale records go through the normal update pipeline
// so persistence, events and the stats cache see them like any other
// failure; expiry reuses the tracker's Clean path.
type RetentionManager struct {
	tracker *Tracker
	cfg     RetentionConfig
	logger  *slog.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRetentionManager creates a manager; call Start to begin sweeping.
func NewRetentionManager(t *Tracker, cfg RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &RetentionManager{
		tracker: t,
		cfg:     cfg,
		logger:  logger.With("component", "tracker.RetentionManager"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (r *RetentionManager) Start() {
	go r.run()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (r *RetentionManager) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *RetentionManager) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// Sweep runs one full retention pass. Persistence failures are logged
// and retried on the next cycle; the in-memory table always reflects
// the sweep immediately.
func (r *RetentionManager) Sweep() {
	r.failStale()
	r.expire()
}

func (r *RetentionManager) failStale() {
	if r.cfg.StaleAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.StaleAfter)
	ids := r.tracker.mem.StaleStartedIDs(cutoff)
	if len(ids) == 0 {
		return
	}
	staleErr := fmt.Errorf("no terminal update within %s, marked failed by retention", r.cfg.StaleAfter)
	for _, id := range ids {
		r.tracker.Fail(id, staleErr)
	}
	r.logger.Info("failed stale operations", "count", len(ids), "stale_after", r.cfg.StaleAfter)
}

func (r *RetentionManager) expire() {
	if r.cfg.RetentionDays <= 0 {
		return
	}
	removed, err := r.tracker.Clean(r.cfg.RetentionDays, false, "", "")
	if err != nil {
		var retErr *op.RetentionError
		if errors.As(err, &retErr) {
			r.logger.Error("retention sweep could not persist deletions, will retry",
				"removed", removed,
				"error", err,
			)
		} else {
			r.logger.Error("retention sweep failed", "error", err)
		}
		return
	}
	if removed > 0 {
		r.logger.Info("expired operations", "removed", removed, "retention_days", r.cfg.RetentionDays)
	}

	// Catch rows the in-memory table never saw, e.g. history beyond the
	// reload limit from earlier runs.
	if r.tracker.driver != nil {
		pruned, err := r.tracker.driver.PruneOlderThan(r.cfg.RetentionDays)
		if err != nil {
			r.logger.Error("failed to prune persisted history", "error", err)
			return
		}
		if pruned > 0 {
			r.logger.Info("pruned persisted history", "rows", pruned)
		}
	}
}
