package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/optrail/optrail/internal/op"
)

// applyOutcome classifies what a queued update did to the table.
type applyOutcome int

const (
	applyApplied applyOutcome = iota
	applyUnknown
	applyAlreadyTerminal
)

// applyResult reports the outcome of one queued update, with a snapshot of
// the record after the transition for event publishing and persistence.
type applyResult struct {
	update  op.Update
	outcome applyOutcome
	after   *op.Operation
}

// memStore is the authoritative in-memory operation table plus its
// secondary indexes and the bounded recent feed. Producers insert under a
// short per-record lock; the batch processor applies terminal updates under
// one lock acquisition per batch; queries run under the read lock and hand
// out clones only.
type memStore struct {
	mu          sync.RWMutex
	ops         map[string]*op.Operation
	byCommand   map[string]map[string]struct{}
	byType      map[op.Type]map[string]struct{}
	byParent    map[string]map[string]struct{}
	seqs        map[string]int64 // insertion order, for chain verification
	nextSeq     int64
	recent      []string // newest first, bounded by recentLimit
	recentLimit int
	lastHash    string
}

func newMemStore(recentLimit int, chainSeed string) *memStore {
	if recentLimit <= 0 {
		recentLimit = 1000
	}
	return &memStore{
		ops:         make(map[string]*op.Operation),
		byCommand:   make(map[string]map[string]struct{}),
		byType:      make(map[op.Type]map[string]struct{}),
		byParent:    make(map[string]map[string]struct{}),
		seqs:        make(map[string]int64),
		recentLimit: recentLimit,
		lastHash:    chainSeed,
	}
}

// Insert adds a new record, assigning its position in the hash chain.
func (m *memStore) Insert(o *op.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o.PrevHash = m.lastHash
	o.Hash = op.ComputeHash(o)
	m.lastHash = o.Hash

	m.insertLocked(o)
}

// Restore adds a record reloaded from persistence, trusting its existing
// chain fields. Records must arrive in original insertion order.
func (m *memStore) Restore(o *op.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.Hash != "" {
		m.lastHash = o.Hash
	}
	m.insertLocked(o)
}

func (m *memStore) insertLocked(o *op.Operation) {
	m.ops[o.ID] = o
	m.seqs[o.ID] = m.nextSeq
	m.nextSeq++
	addToIndex(m.byCommand, o.CommandName, o.ID)
	addToTypeIndex(m.byType, o.Type, o.ID)
	if o.ParentID != "" {
		addToIndex(m.byParent, o.ParentID, o.ID)
	}

	m.recent = append([]string{o.ID}, m.recent...)
	if len(m.recent) > m.recentLimit {
		m.recent = m.recent[:m.recentLimit]
	}
}

// Has reports whether id exists in the table.
func (m *memStore) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ops[id]
	return ok
}

// Get returns a clone of the record, or nil when unknown.
func (m *memStore) Get(id string) *op.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.ops[id]; ok {
		return o.Clone()
	}
	return nil
}

// LastHash returns the current chain tip.
func (m *memStore) LastHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHash
}

// SeedHash sets the chain tip, used when warming from a persisted chain
// so new inserts link to the stored history.
func (m *memStore) SeedHash(hash string) {
	m.mu.Lock()
	m.lastHash = hash
	m.mu.Unlock()
}

// Apply performs a single terminal transition. Used by the synchronous
// backpressure fallback; the batch path goes through ApplyBatch.
func (m *memStore) Apply(u op.Update) applyResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(u)
}

// ApplyBatch applies a drained batch under one lock acquisition,
// amortizing lock overhead across the batch.
func (m *memStore) ApplyBatch(updates []op.Update) []applyResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]applyResult, 0, len(updates))
	for _, u := range updates {
		results = append(results, m.applyLocked(u))
	}
	return results
}

func (m *memStore) applyLocked(u op.Update) applyResult {
	o, ok := m.ops[u.OperationID]
	if !ok {
		return applyResult{update: u, outcome: applyUnknown}
	}
	// Terminal states are monotonic: reapplication is a no-op.
	if o.Status.Terminal() {
		return applyResult{update: u, outcome: applyAlreadyTerminal}
	}

	o.Status = u.Status
	o.Result = u.Result
	o.Error = u.Error
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	end := u.Timestamp
	o.EndTime = &end

	return applyResult{update: u, outcome: applyApplied, after: o.Clone()}
}

// BumpAggregated increments a representative record's collapse counter.
func (m *memStore) BumpAggregated(id string, delta int) (*op.Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.ops[id]
	if !ok {
		return nil, false
	}
	o.AggregatedCount += delta
	return o.Clone(), true
}

// List returns a page of clones matching the filter, newest first, plus
// the total match count before paging. Index narrowing runs first; the
// remaining filters scan only the narrowed candidate set.
func (m *memStore) List(f op.Filter) ([]*op.Operation, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*op.Operation
	switch {
	case f.CommandName != "" && f.Type != "":
		// Intersect the two indexes, iterating the smaller set.
		cmdSet := m.byCommand[f.CommandName]
		typeSet := m.byType[f.Type]
		small, large := cmdSet, typeSet
		if len(typeSet) < len(cmdSet) {
			small, large = typeSet, cmdSet
		}
		for id := range small {
			if _, ok := large[id]; ok {
				candidates = append(candidates, m.ops[id])
			}
		}
	case f.CommandName != "":
		for id := range m.byCommand[f.CommandName] {
			candidates = append(candidates, m.ops[id])
		}
	case f.Type != "":
		for id := range m.byType[f.Type] {
			candidates = append(candidates, m.ops[id])
		}
	default:
		for _, o := range m.ops {
			candidates = append(candidates, o)
		}
	}

	matched := candidates[:0]
	for _, o := range candidates {
		if matchesFilter(o, f) {
			matched = append(matched, o)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].StartTime.After(matched[j].StartTime)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	page := make([]*op.Operation, 0, end-offset)
	for _, o := range matched[offset:end] {
		page = append(page, o.Clone())
	}
	return page, total
}

// Children returns clones of an operation's children, oldest first.
func (m *memStore) Children(parentID string) []*op.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byParent[parentID]
	if len(ids) == 0 {
		return nil
	}
	children := make([]*op.Operation, 0, len(ids))
	for id := range ids {
		children = append(children, m.ops[id].Clone())
	}
	sort.Slice(children, func(i, j int) bool {
		if !children[i].StartTime.Equal(children[j].StartTime) {
			return children[i].StartTime.Before(children[j].StartTime)
		}
		return children[i].ID < children[j].ID
	})
	return children
}

// Recent returns clones of the newest records, most recent first.
func (m *memStore) Recent(limit int) []*op.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]*op.Operation, 0, limit)
	for _, id := range m.recent {
		if o, ok := m.ops[id]; ok {
			out = append(out, o.Clone())
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// Count returns the number of live records.
func (m *memStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ops)
}

// StaleStartedIDs returns ids of STARTED records older than cutoff. The
// retention manager fails these through the normal update path so events
// and persistence stay consistent.
func (m *memStore) StaleStartedIDs(cutoff time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, o := range m.ops {
		if o.Status == op.StatusStarted && o.StartTime.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveExpired deletes records with StartTime before cutoff, constrained
// by the optional type/command filters. Children of deleted parents are
// cascade-deleted or detached per policy. Returns deleted ids and the ids
// of detached survivors. With dryRun set, reports what would be deleted
// without mutating anything.
func (m *memStore) RemoveExpired(cutoff time.Time, typeFilter op.Type, commandFilter string, cascade, dryRun bool) (deleted, detached []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doomed := make(map[string]struct{})
	for id, o := range m.ops {
		if !o.StartTime.Before(cutoff) {
			continue
		}
		if typeFilter != "" && o.Type != typeFilter {
			continue
		}
		if commandFilter != "" && o.CommandName != commandFilter {
			continue
		}
		doomed[id] = struct{}{}
	}

	if cascade {
		// Walk down the tree so no surviving child references a deleted
		// parent.
		frontier := make([]string, 0, len(doomed))
		for id := range doomed {
			frontier = append(frontier, id)
		}
		for len(frontier) > 0 {
			id := frontier[len(frontier)-1]
			frontier = frontier[:len(frontier)-1]
			for childID := range m.byParent[id] {
				if _, ok := doomed[childID]; !ok {
					doomed[childID] = struct{}{}
					frontier = append(frontier, childID)
				}
			}
		}
	}

	for id := range doomed {
		deleted = append(deleted, id)
	}
	sort.Strings(deleted)

	if dryRun {
		return deleted, nil
	}

	// Detach surviving children before removing their parents.
	if !cascade {
		for id := range doomed {
			for childID := range m.byParent[id] {
				if _, dead := doomed[childID]; dead {
					continue
				}
				child := m.ops[childID]
				child.ParentID = ""
				detached = append(detached, childID)
			}
		}
		sort.Strings(detached)
	}

	for id := range doomed {
		m.removeLocked(id)
	}
	if len(doomed) > 0 {
		m.compactRecentLocked()
	}
	return deleted, detached
}

func (m *memStore) removeLocked(id string) {
	o, ok := m.ops[id]
	if !ok {
		return
	}
	delete(m.ops, id)
	delete(m.seqs, id)
	removeFromIndex(m.byCommand, o.CommandName, id)
	removeFromTypeIndex(m.byType, o.Type, id)
	if o.ParentID != "" {
		removeFromIndex(m.byParent, o.ParentID, id)
	}
	// The record may itself be an indexed parent.
	delete(m.byParent, id)
}

// InsertionOrder returns clones of every record in the order they were
// inserted, the order hash-chain verification requires.
func (m *memStore) InsertionOrder() []*op.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.ops))
	for id := range m.ops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return m.seqs[ids[i]] < m.seqs[ids[j]] })

	out := make([]*op.Operation, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.ops[id].Clone())
	}
	return out
}

func (m *memStore) compactRecentLocked() {
	live := m.recent[:0]
	for _, id := range m.recent {
		if _, ok := m.ops[id]; ok {
			live = append(live, id)
		}
	}
	m.recent = live
}

// Stats computes an aggregate snapshot for the query population.
func (m *memStore) Stats(q op.StatsQuery) *op.Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &op.Statistics{
		OperationsByType:    make(map[string]int),
		OperationsByCommand: make(map[string]int),
		ComputedAt:          time.Now(),
	}
	if q.GroupBy != "" {
		stats.Grouped = make(map[string]int)
	}

	var durationTotal float64
	var durationCount int

	for _, o := range m.ops {
		if q.CommandName != "" && o.CommandName != q.CommandName {
			continue
		}
		if q.Type != "" && o.Type != q.Type {
			continue
		}
		if q.Since != nil && o.StartTime.Before(*q.Since) {
			continue
		}
		if q.Until != nil && o.StartTime.After(*q.Until) {
			continue
		}

		stats.TotalOperations++
		switch o.Status {
		case op.StatusCompleted:
			stats.CompletedOperations++
		case op.StatusFailed:
			stats.FailedOperations++
		default:
			stats.StartedOperations++
		}
		stats.OperationsByType[string(o.Type)]++
		stats.OperationsByCommand[o.CommandName]++

		if o.EndTime != nil {
			durationTotal += float64(o.EndTime.Sub(o.StartTime).Milliseconds())
			durationCount++
		}

		switch q.GroupBy {
		case "type":
			stats.Grouped[string(o.Type)]++
		case "command":
			stats.Grouped[o.CommandName]++
		case "status":
			stats.Grouped[string(o.Status)]++
		case "user":
			stats.Grouped[o.User]++
		}
	}

	terminal := stats.CompletedOperations + stats.FailedOperations
	if terminal > 0 {
		stats.SuccessRate = float64(stats.CompletedOperations) / float64(terminal) * 100
	}
	if durationCount > 0 {
		stats.AvgDurationMs = durationTotal / float64(durationCount)
	}
	return stats
}

func matchesFilter(o *op.Operation, f op.Filter) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.User != "" && o.User != f.User {
		return false
	}
	if f.Since != nil && o.StartTime.Before(*f.Since) {
		return false
	}
	if f.Until != nil && o.StartTime.After(*f.Until) {
		return false
	}
	return true
}

func addToIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func addToTypeIndex(idx map[op.Type]map[string]struct{}, key op.Type, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFromTypeIndex(idx map[op.Type]map[string]struct{}, key op.Type, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}
