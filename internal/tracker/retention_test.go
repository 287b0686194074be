package tracker

import (
	"strings"
	"testing"
	"time"

	"github.com/optrail/optrail/internal/op"
)

func TestRetentionFailsStale(t *testing.T) {
	trk := newTestTracker(t, fastConfig(), nil)

	// Backdate records directly; the public surface always stamps now.
	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000001", CommandName: "import", Type: op.TypeUpdate,
		Status: op.StatusStarted, StartTime: time.Now().Add(-3 * time.Hour),
	})
	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000002", CommandName: "import", Type: op.TypeUpdate,
		Status: op.StatusStarted, StartTime: time.Now().Add(-time.Minute),
	})
	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000003", CommandName: "import", Type: op.TypeUpdate,
		Status: op.StatusCompleted, StartTime: time.Now().Add(-3 * time.Hour),
	})

	rm := NewRetentionManager(trk, RetentionConfig{StaleAfter: 2 * time.Hour}, nil)
	rm.Sweep()
	drain(t, trk)

	stale, err := trk.Get("01JD0000000000000000000001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stale.Status != op.StatusFailed {
		t.Errorf("stale status = %q, want FAILED", stale.Status)
	}
	if !strings.Contains(stale.Error, "marked failed by retention") {
		t.Errorf("stale error = %q", stale.Error)
	}

	fresh, _ := trk.Get("01JD0000000000000000000002")
	if fresh.Status != op.StatusStarted {
		t.Errorf("fresh status = %q, must stay STARTED", fresh.Status)
	}

	// Terminal records are not stale regardless of age.
	done, _ := trk.Get("01JD0000000000000000000003")
	if done.Status != op.StatusCompleted {
		t.Errorf("completed status = %q", done.Status)
	}
}

func TestRetentionExpires(t *testing.T) {
	driver := newMockDriver()
	trk := newTestTracker(t, fastConfig(), driver)
	defer drain(t, trk)

	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000001", CommandName: "bulk", Type: op.TypeUpdate,
		Status: op.StatusCompleted, StartTime: time.Now().AddDate(0, 0, -40),
	})
	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000002", CommandName: "bulk", Type: op.TypeUpdate,
		Status: op.StatusCompleted, StartTime: time.Now(),
	})

	rm := NewRetentionManager(trk, RetentionConfig{RetentionDays: 30}, nil)
	rm.Sweep()

	if trk.mem.Has("01JD0000000000000000000001") {
		t.Error("expired record survived the sweep")
	}
	if !trk.mem.Has("01JD0000000000000000000002") {
		t.Error("recent record was removed")
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.deleted) != 1 || driver.deleted[0] != "01JD0000000000000000000001" {
		t.Errorf("driver deletions = %v", driver.deleted)
	}
	// The persisted-history prune runs with the same horizon.
	if len(driver.pruned) != 1 || driver.pruned[0] != 30 {
		t.Errorf("driver prunes = %v", driver.pruned)
	}
}

func TestRetentionDisabled(t *testing.T) {
	driver := newMockDriver()
	trk := newTestTracker(t, fastConfig(), driver)
	defer drain(t, trk)

	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000001", CommandName: "import", Type: op.TypeUpdate,
		Status: op.StatusStarted, StartTime: time.Now().AddDate(0, 0, -365),
	})

	// Zero values disable both stale failure and expiry.
	rm := NewRetentionManager(trk, RetentionConfig{}, nil)
	rm.Sweep()

	got, _ := trk.Get("01JD0000000000000000000001")
	if got.Status != op.StatusStarted {
		t.Errorf("status = %q, sweep should be a no-op", got.Status)
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.deleted) != 0 || len(driver.pruned) != 0 {
		t.Errorf("driver saw deletions %v prunes %v from a disabled sweep", driver.deleted, driver.pruned)
	}
}

func TestRetentionPersistenceFailureRetries(t *testing.T) {
	driver := newMockDriver()
	driver.failDelete = true
	trk := newTestTracker(t, fastConfig(), driver)
	defer drain(t, trk)

	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000001", CommandName: "bulk", Type: op.TypeUpdate,
		Status: op.StatusCompleted, StartTime: time.Now().AddDate(0, 0, -40),
	})

	rm := NewRetentionManager(trk, RetentionConfig{RetentionDays: 30}, nil)
	rm.Sweep()

	// Memory reflects the sweep even when persistence fails; the prune is
	// skipped so the next cycle retries against intact history.
	if trk.mem.Has("01JD0000000000000000000001") {
		t.Error("memory sweep should not be undone by a driver failure")
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.pruned) != 0 {
		t.Errorf("driver prunes = %v, want none after failed deletion", driver.pruned)
	}
}

func TestRetentionBackgroundLoop(t *testing.T) {
	trk := newTestTracker(t, fastConfig(), nil)

	trk.mem.Insert(&op.Operation{
		ID: "01JD0000000000000000000001", CommandName: "bulk", Type: op.TypeUpdate,
		Status: op.StatusCompleted, StartTime: time.Now().AddDate(0, 0, -40),
	})

	rm := NewRetentionManager(trk, RetentionConfig{
		RetentionDays: 30,
		SweepInterval: 20 * time.Millisecond,
	}, nil)
	rm.Start()

	waitFor(t, func() bool {
		return !trk.mem.Has("01JD0000000000000000000001")
	}, "background sweep never removed the expired record")

	rm.Stop()
	rm.Stop() // must not panic or hang
	drain(t, trk)
}

func TestRetentionDefaultInterval(t *testing.T) {
	trk := newTestTracker(t, fastConfig(), nil)
	defer drain(t, trk)

	rm := NewRetentionManager(trk, RetentionConfig{RetentionDays: 30}, nil)
	if rm.cfg.SweepInterval != time.Hour {
		t.Errorf("interval = %v, want 1h default", rm.cfg.SweepInterval)
	}
}
