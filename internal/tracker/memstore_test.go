package tracker

import (
	"testing"
	"time"

	"github.com/optrail/optrail/internal/op"
)

func memOp(id, parentID, command string, typ op.Type, start time.Time) *op.Operation {
	return &op.Operation{
		ID:          id,
		ParentID:    parentID,
		CommandName: command,
		Type:        typ,
		Status:      op.StatusStarted,
		StartTime:   start,
		User:        "alice",
	}
}

func TestMemStoreInsert(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	o := memOp("op-1", "", "list", op.TypeSearch, base)
	m.Insert(o)

	if !m.Has("op-1") {
		t.Fatal("inserted operation not found")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}

	got := m.Get("op-1")
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.CommandName != "list" {
		t.Errorf("command = %q, want %q", got.CommandName, "list")
	}

	// Get hands out clones, never the stored record.
	got.CommandName = "mutated"
	if m.Get("op-1").CommandName != "list" {
		t.Error("Get returned the live record, not a clone")
	}
}

func TestMemStoreInsertChainsHashes(t *testing.T) {
	seed := op.ChainSeed("test")
	m := newMemStore(100, seed)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	o1 := memOp("op-1", "", "list", op.TypeSearch, base)
	o2 := memOp("op-2", "", "view", op.TypeRead, base.Add(time.Second))
	m.Insert(o1)
	m.Insert(o2)

	if o1.PrevHash != seed {
		t.Errorf("first record PrevHash = %q, want seed", o1.PrevHash)
	}
	if o1.Hash == "" || o2.Hash == "" {
		t.Fatal("hashes not assigned on insert")
	}
	if o2.PrevHash != o1.Hash {
		t.Error("second record does not link to the first")
	}
	if m.LastHash() != o2.Hash {
		t.Error("chain tip not advanced")
	}

	valid, brokenAt := op.VerifyChain(m.InsertionOrder())
	if !valid {
		t.Errorf("fresh chain should verify, broken at %d", brokenAt)
	}
}

func TestMemStoreSeedHash(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	m.SeedHash("stored-tip")

	o := memOp("op-1", "", "list", op.TypeSearch, time.Now())
	m.Insert(o)

	if o.PrevHash != "stored-tip" {
		t.Errorf("PrevHash = %q, want %q", o.PrevHash, "stored-tip")
	}
}

func TestMemStoreApply(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Insert(memOp("op-1", "", "update", op.TypeUpdate, base))

	t.Run("applies terminal update", func(t *testing.T) {
		end := base.Add(2 * time.Second)
		res := m.Apply(op.Update{
			OperationID: "op-1",
			Status:      op.StatusCompleted,
			Result:      "3 items",
			Timestamp:   end,
		})
		if res.outcome != applyApplied {
			t.Fatalf("outcome = %v, want applyApplied", res.outcome)
		}
		if res.after == nil {
			t.Fatal("applied result missing after snapshot")
		}
		if res.after.Status != op.StatusCompleted {
			t.Errorf("status = %q, want COMPLETED", res.after.Status)
		}
		if res.after.EndTime == nil || !res.after.EndTime.Equal(end) {
			t.Error("end time not set from update timestamp")
		}
		if res.after.Result != "3 items" {
			t.Errorf("result = %q", res.after.Result)
		}
	})

	t.Run("repeated terminal transition is a no-op", func(t *testing.T) {
		res := m.Apply(op.Update{
			OperationID: "op-1",
			Status:      op.StatusFailed,
			Error:       "boom",
			Timestamp:   base.Add(5 * time.Second),
		})
		if res.outcome != applyAlreadyTerminal {
			t.Fatalf("outcome = %v, want applyAlreadyTerminal", res.outcome)
		}
		if got := m.Get("op-1"); got.Status != op.StatusCompleted {
			t.Errorf("status overwritten to %q", got.Status)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		res := m.Apply(op.Update{OperationID: "nope", Status: op.StatusCompleted})
		if res.outcome != applyUnknown {
			t.Fatalf("outcome = %v, want applyUnknown", res.outcome)
		}
	})

	t.Run("zero timestamp gets normalized", func(t *testing.T) {
		m.Insert(memOp("op-2", "", "update", op.TypeUpdate, base))
		res := m.Apply(op.Update{OperationID: "op-2", Status: op.StatusFailed, Error: "x"})
		if res.outcome != applyApplied {
			t.Fatalf("outcome = %v, want applyApplied", res.outcome)
		}
		if res.update.Timestamp.IsZero() {
			t.Error("normalized timestamp not written back into the update")
		}
		if res.after.EndTime == nil || res.after.EndTime.IsZero() {
			t.Error("end time not set")
		}
	})
}

func TestMemStoreApplyBatch(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m.Insert(memOp("op-1", "", "a", op.TypeUpdate, base))
	m.Insert(memOp("op-2", "", "b", op.TypeUpdate, base))

	results := m.ApplyBatch([]op.Update{
		{OperationID: "op-1", Status: op.StatusCompleted, Timestamp: base.Add(time.Second)},
		{OperationID: "missing", Status: op.StatusCompleted, Timestamp: base.Add(time.Second)},
		{OperationID: "op-2", Status: op.StatusFailed, Error: "boom", Timestamp: base.Add(time.Second)},
	})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].outcome != applyApplied || results[2].outcome != applyApplied {
		t.Error("expected both known updates applied")
	}
	if results[1].outcome != applyUnknown {
		t.Error("expected unknown outcome for missing id")
	}
}

func TestMemStoreBumpAggregated(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	m.Insert(memOp("op-1", "", "status", op.TypeRead, time.Now()))

	rep, ok := m.BumpAggregated("op-1", 1)
	if !ok {
		t.Fatal("bump on existing record failed")
	}
	if rep.AggregatedCount != 1 {
		t.Errorf("count = %d, want 1", rep.AggregatedCount)
	}

	rep, _ = m.BumpAggregated("op-1", 2)
	if rep.AggregatedCount != 3 {
		t.Errorf("count = %d, want 3", rep.AggregatedCount)
	}

	if _, ok := m.BumpAggregated("missing", 1); ok {
		t.Error("bump on missing record should report failure")
	}
}

func TestMemStoreList(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Insert(memOp("op-1", "", "list", op.TypeSearch, base))
	m.Insert(memOp("op-2", "", "update", op.TypeUpdate, base.Add(time.Second)))
	m.Insert(memOp("op-3", "", "list", op.TypeSearch, base.Add(2*time.Second)))
	m.Apply(op.Update{OperationID: "op-2", Status: op.StatusFailed, Error: "x", Timestamp: base.Add(3 * time.Second)})

	t.Run("newest first", func(t *testing.T) {
		ops, total := m.List(op.Filter{})
		if total != 3 {
			t.Fatalf("total = %d, want 3", total)
		}
		if ops[0].ID != "op-3" || ops[2].ID != "op-1" {
			t.Errorf("wrong order: %s, %s, %s", ops[0].ID, ops[1].ID, ops[2].ID)
		}
	})

	t.Run("by command", func(t *testing.T) {
		ops, total := m.List(op.Filter{CommandName: "list"})
		if total != 2 {
			t.Fatalf("total = %d, want 2", total)
		}
		for _, o := range ops {
			if o.CommandName != "list" {
				t.Errorf("unexpected command %q", o.CommandName)
			}
		}
	})

	t.Run("by command and type", func(t *testing.T) {
		_, total := m.List(op.Filter{CommandName: "list", Type: op.TypeSearch})
		if total != 2 {
			t.Errorf("total = %d, want 2", total)
		}
		_, total = m.List(op.Filter{CommandName: "list", Type: op.TypeUpdate})
		if total != 0 {
			t.Errorf("total = %d, want 0", total)
		}
	})

	t.Run("by status", func(t *testing.T) {
		ops, total := m.List(op.Filter{Status: op.StatusFailed})
		if total != 1 || ops[0].ID != "op-2" {
			t.Errorf("failed filter returned %d rows", total)
		}
	})

	t.Run("time range", func(t *testing.T) {
		since := base.Add(time.Second)
		_, total := m.List(op.Filter{Since: &since})
		if total != 2 {
			t.Errorf("since filter total = %d, want 2", total)
		}
		until := base.Add(time.Second)
		_, total = m.List(op.Filter{Until: &until})
		if total != 2 {
			t.Errorf("until filter total = %d, want 2", total)
		}
	})

	t.Run("paging", func(t *testing.T) {
		ops, total := m.List(op.Filter{Limit: 2})
		if total != 3 || len(ops) != 2 {
			t.Fatalf("limit page: total=%d len=%d", total, len(ops))
		}
		ops, _ = m.List(op.Filter{Limit: 2, Offset: 2})
		if len(ops) != 1 || ops[0].ID != "op-1" {
			t.Errorf("offset page wrong: %+v", ops)
		}
		ops, _ = m.List(op.Filter{Limit: 2, Offset: 10})
		if len(ops) != 0 {
			t.Error("offset past end should return empty page")
		}
	})
}

func TestMemStoreChildren(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Insert(memOp("parent", "", "bulk", op.TypeUpdate, base))
	m.Insert(memOp("child-2", "parent", "step", op.TypeDetail, base.Add(2*time.Second)))
	m.Insert(memOp("child-1", "parent", "step", op.TypeDetail, base.Add(time.Second)))

	children := m.Children("parent")
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	// Oldest first.
	if children[0].ID != "child-1" || children[1].ID != "child-2" {
		t.Errorf("wrong order: %s, %s", children[0].ID, children[1].ID)
	}

	if got := m.Children("child-1"); got != nil {
		t.Errorf("leaf should have no children, got %d", len(got))
	}
}

func TestMemStoreRecent(t *testing.T) {
	m := newMemStore(3, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"op-1", "op-2", "op-3", "op-4"} {
		m.Insert(memOp(id, "", "list", op.TypeSearch, base.Add(time.Duration(i)*time.Second)))
	}

	recent := m.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("recent feed should be bounded at 3, got %d", len(recent))
	}
	if recent[0].ID != "op-4" {
		t.Errorf("newest first, got %s", recent[0].ID)
	}

	limited := m.Recent(2)
	if len(limited) != 2 || limited[0].ID != "op-4" || limited[1].ID != "op-3" {
		t.Errorf("limited recent wrong: %+v", limited)
	}
}

func TestMemStoreRemoveExpired(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cutoff := base.Add(24 * time.Hour)

	setup := func() *memStore {
		m := newMemStore(100, op.ChainSeed("test"))
		m.Insert(memOp("old-root", "", "bulk", op.TypeUpdate, base))
		m.Insert(memOp("old-child", "old-root", "step", op.TypeDetail, base.Add(time.Minute)))
		m.Insert(memOp("new-child", "old-root", "step", op.TypeDetail, cutoff.Add(time.Hour)))
		m.Insert(memOp("new-root", "", "list", op.TypeSearch, cutoff.Add(time.Hour)))
		return m
	}

	t.Run("dry run reports without mutating", func(t *testing.T) {
		m := setup()
		deleted, detached := m.RemoveExpired(cutoff, "", "", false, true)
		if len(deleted) != 2 {
			t.Fatalf("dry run deleted = %v, want 2 ids", deleted)
		}
		if detached != nil {
			t.Error("dry run should not report detached ids")
		}
		if m.Count() != 4 {
			t.Error("dry run mutated the table")
		}
	})

	t.Run("detach policy keeps surviving children as roots", func(t *testing.T) {
		m := setup()
		deleted, detached := m.RemoveExpired(cutoff, "", "", false, false)
		if len(deleted) != 2 {
			t.Fatalf("deleted = %v, want old-root and old-child", deleted)
		}
		if len(detached) != 1 || detached[0] != "new-child" {
			t.Fatalf("detached = %v, want [new-child]", detached)
		}
		if m.Has("old-root") || m.Has("old-child") {
			t.Error("expired records still present")
		}
		if got := m.Get("new-child"); got.ParentID != "" {
			t.Errorf("surviving child still references deleted parent %q", got.ParentID)
		}
	})

	t.Run("cascade policy removes descendants", func(t *testing.T) {
		m := setup()
		deleted, detached := m.RemoveExpired(cutoff, "", "", true, false)
		if len(deleted) != 3 {
			t.Fatalf("deleted = %v, want 3 ids including new-child", deleted)
		}
		if len(detached) != 0 {
			t.Errorf("cascade should not detach, got %v", detached)
		}
		if m.Has("new-child") {
			t.Error("descendant of expired parent survived cascade")
		}
		if !m.Has("new-root") {
			t.Error("unrelated record removed")
		}
	})

	t.Run("type filter", func(t *testing.T) {
		m := setup()
		deleted, _ := m.RemoveExpired(cutoff, op.TypeDetail, "", false, false)
		if len(deleted) != 1 || deleted[0] != "old-child" {
			t.Errorf("deleted = %v, want [old-child]", deleted)
		}
	})

	t.Run("command filter", func(t *testing.T) {
		m := setup()
		deleted, _ := m.RemoveExpired(cutoff, "", "bulk", false, false)
		if len(deleted) != 1 || deleted[0] != "old-root" {
			t.Errorf("deleted = %v, want [old-root]", deleted)
		}
	})

	t.Run("recent feed compacted", func(t *testing.T) {
		m := setup()
		m.RemoveExpired(cutoff, "", "", true, false)
		for _, o := range m.Recent(0) {
			if o.ID == "old-root" || o.ID == "old-child" || o.ID == "new-child" {
				t.Errorf("removed id %s still in recent feed", o.ID)
			}
		}
	})
}

func TestMemStoreStaleStartedIDs(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Insert(memOp("stale", "", "import", op.TypeUpdate, base))
	m.Insert(memOp("done", "", "import", op.TypeUpdate, base))
	m.Apply(op.Update{OperationID: "done", Status: op.StatusCompleted, Timestamp: base.Add(time.Minute)})
	m.Insert(memOp("fresh", "", "import", op.TypeUpdate, base.Add(2*time.Hour)))

	ids := m.StaleStartedIDs(base.Add(time.Hour))
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("stale ids = %v, want [stale]", ids)
	}
}

func TestMemStoreStats(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Insert(memOp("op-1", "", "list", op.TypeSearch, base))
	m.Insert(memOp("op-2", "", "update", op.TypeUpdate, base))
	m.Insert(memOp("op-3", "", "update", op.TypeUpdate, base))
	m.Apply(op.Update{OperationID: "op-1", Status: op.StatusCompleted, Timestamp: base.Add(100 * time.Millisecond)})
	m.Apply(op.Update{OperationID: "op-2", Status: op.StatusFailed, Error: "x", Timestamp: base.Add(300 * time.Millisecond)})

	stats := m.Stats(op.StatsQuery{})
	if stats.TotalOperations != 3 {
		t.Errorf("total = %d, want 3", stats.TotalOperations)
	}
	if stats.CompletedOperations != 1 || stats.FailedOperations != 1 || stats.StartedOperations != 1 {
		t.Errorf("status split wrong: %+v", stats)
	}
	// One success of two terminal outcomes.
	if stats.SuccessRate != 50 {
		t.Errorf("success rate = %v, want 50", stats.SuccessRate)
	}
	if stats.AvgDurationMs != 200 {
		t.Errorf("avg duration = %v, want 200", stats.AvgDurationMs)
	}
	if stats.OperationsByCommand["update"] != 2 {
		t.Errorf("by command = %v", stats.OperationsByCommand)
	}

	t.Run("filtered by command", func(t *testing.T) {
		stats := m.Stats(op.StatsQuery{CommandName: "update"})
		if stats.TotalOperations != 2 {
			t.Errorf("total = %d, want 2", stats.TotalOperations)
		}
	})

	t.Run("grouped by status", func(t *testing.T) {
		stats := m.Stats(op.StatsQuery{GroupBy: "status"})
		if stats.Grouped["COMPLETED"] != 1 || stats.Grouped["FAILED"] != 1 || stats.Grouped["STARTED"] != 1 {
			t.Errorf("grouped = %v", stats.Grouped)
		}
	})
}

func TestMemStoreInsertionOrder(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Same StartTime on purpose: insertion order must not depend on it.
	m.Insert(memOp("z-first", "", "a", op.TypeSearch, base))
	m.Insert(memOp("a-second", "", "b", op.TypeSearch, base))
	m.Insert(memOp("m-third", "", "c", op.TypeSearch, base))

	ordered := m.InsertionOrder()
	if len(ordered) != 3 {
		t.Fatalf("got %d records", len(ordered))
	}
	if ordered[0].ID != "z-first" || ordered[1].ID != "a-second" || ordered[2].ID != "m-third" {
		t.Errorf("wrong order: %s, %s, %s", ordered[0].ID, ordered[1].ID, ordered[2].ID)
	}
}

func TestMemStoreRestore(t *testing.T) {
	m := newMemStore(100, op.ChainSeed("test"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	restored := memOp("op-1", "", "list", op.TypeSearch, base)
	restored.PrevHash = "stored-prev"
	restored.Hash = "stored-hash"
	m.Restore(restored)

	if m.LastHash() != "stored-hash" {
		t.Errorf("chain tip = %q, want restored hash", m.LastHash())
	}
	if got := m.Get("op-1"); got == nil || got.PrevHash != "stored-prev" {
		t.Error("restored record lost its chain fields")
	}
}
