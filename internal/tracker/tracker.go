// Package tracker implements the operation tracking service: an
// in-memory authoritative table of command executions with asynchronous
// terminal updates, sliding-window aggregation of repetitive commands,
// cached statistics, and optional write-behind persistence.
//
// Producers record lifecycle transitions through the Service interface.
// Start inserts synchronously and never performs I/O; Complete and Fail
// enqueue updates that a single background worker applies in batches, so
// command paths stay O(1) while consumers read eventually consistent
// state.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/optrail/optrail/internal/op"
	"github.com/optrail/optrail/internal/redact"
)

// Config carries the tracker tuning knobs. Zero values fall back to the
// defaults below.
type Config struct {
	QueueCapacity int
	BatchSize     int
	FlushInterval time.Duration

	StatsTTL    time.Duration
	RecentLimit int

	RateWindow           time.Duration
	DefaultThreshold     int
	PerCommandThresholds map[string]int

	// CascadeChildren controls whether retention deletes descendants of
	// expired operations or detaches them as new roots.
	CascadeChildren bool

	ReloadOnStart bool
	ReloadLimit   int
}

const (
	defaultQueueCapacity = 1000
	defaultBatchSize     = 50
	defaultFlushInterval = 100 * time.Millisecond
	defaultRecentLimit   = 1000
	defaultReloadLimit   = 10000

	eventFeedCapacity = 256
)

// StartRequest carries the full identity of a new operation. Producers
// that do not care about attribution use Service.Start instead.
type StartRequest struct {
	CommandName string
	Type        op.Type
	ParentID    string
	Parameters  map[string]string
	User        string
	ClientInfo  string
}

// Service is the tracking surface exposed to command producers and to
// the query/admin consumers. All methods are safe for concurrent use.
type Service interface {
	// Start records a new operation and returns its id. When the command
	// is being aggregated the id of the representative record is returned
	// instead of creating a new one.
	Start(commandName string, typ op.Type, parentID string, params map[string]string) string

	// StartAttributed is Start with explicit user and client attribution,
	// used by the ingest surface where the caller is remote.
	StartAttributed(req StartRequest) string

	// Complete marks an operation successful. Unknown ids are logged and
	// ignored; repeated terminal transitions are no-ops.
	Complete(operationID string, result any)

	// Fail marks an operation failed with the given error.
	Fail(operationID string, err error)

	// TrackDetail attaches a completed child record carrying extra
	// key/value detail to a parent operation.
	TrackDetail(parentID, name string, details map[string]string) string

	// TrackError attaches a failed child record describing an error
	// encountered while the parent was running.
	TrackError(parentID, commandName string, err error) string

	Get(id string) (*op.Operation, error)
	Children(id string) ([]*op.Operation, error)
	List(f op.Filter) ([]*op.Operation, int, error)
	Recent(limit int) []*op.Operation
	Stats(q op.StatsQuery) (*op.Statistics, error)

	// Clean removes operations older than the given number of days,
	// optionally filtered by type and command name. With dryRun only the
	// count is reported.
	Clean(olderThanDays int, dryRun bool, typ op.Type, command string) (int64, error)

	// SetRateLimit overrides the aggregation threshold for one command at
	// runtime. A threshold <= 0 restores the default.
	SetRateLimit(commandName string, threshold int)

	// Shutdown stops intake and drains the queued updates. The context
	// bounds how long the drain may take.
	Shutdown(ctx context.Context) error
}

// Tracker is the concrete Service implementation.
type Tracker struct {
	cfg      Config
	mem      *memStore
	agg      *Aggregator
	pool     *ParamPool
	cache    *statsCache
	redactor *redact.Redactor
	driver   op.Store // may be nil: memory-only mode
	logger   *slog.Logger

	jobs  chan job
	drain chan struct{}
	done  chan struct{}

	events         chan op.Event
	quit           chan struct{}
	dispatcherDone chan struct{}
	sink           atomic.Pointer[func(op.Event)]

	closing      atomic.Bool
	shutdownOnce sync.Once
	quitOnce     sync.Once

	defaultUser   string
	defaultClient string

	eventsDropped atomic.Int64
}

var _ Service = (*Tracker)(nil)

// New creates a Tracker. When cfg.ReloadOnStart is set and a driver is
// present the in-memory table is warmed from the newest persisted
// records before the background workers start.
func New(cfg Config, driver op.Store, redactor *redact.Redactor, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if redactor == nil {
		redactor = redact.New(redact.Config{}, logger)
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentLimit
	}
	if cfg.ReloadLimit <= 0 {
		cfg.ReloadLimit = defaultReloadLimit
	}

	t := &Tracker{
		cfg:            cfg,
		mem:            newMemStore(cfg.RecentLimit, op.ChainSeed("optrail")),
		agg:            NewAggregator(cfg.RateWindow, cfg.DefaultThreshold, cfg.PerCommandThresholds, logger),
		pool:           NewParamPool(),
		cache:          newStatsCache(cfg.StatsTTL),
		redactor:       redactor,
		driver:         driver,
		logger:         logger.With("component", "tracker.Tracker"),
		jobs:           make(chan job, cfg.QueueCapacity),
		drain:          make(chan struct{}),
		done:           make(chan struct{}),
		events:         make(chan op.Event, eventFeedCapacity),
		quit:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		defaultUser:    localUser(),
		defaultClient:  "local",
	}

	if driver != nil {
		if err := t.warmFromDriver(); err != nil {
			return nil, fmt.Errorf("failed to warm from store: %w", err)
		}
	}

	go t.runProcessor()
	go t.dispatchEvents()

	return t, nil
}

// SetEventSink installs the callback invoked for every operation event.
// The callback runs on a dedicated goroutine, never on command paths.
func (t *Tracker) SetEventSink(fn func(op.Event)) {
	if fn == nil {
		t.sink.Store(nil)
		return
	}
	t.sink.Store(&fn)
}

// Pool returns the shared parameter pool for producers that reuse
// common parameter shapes.
func (t *Tracker) Pool() *ParamPool {
	return t.pool
}

// Start records a new operation under the process-local identity.
func (t *Tracker) Start(commandName string, typ op.Type, parentID string, params map[string]string) string {
	return t.StartAttributed(StartRequest{
		CommandName: commandName,
		Type:        typ,
		ParentID:    parentID,
		Parameters:  params,
	})
}

// StartAttributed records a new operation. The only I/O-free guarantees
// producers rely on live here: redaction, aggregation and the in-memory
// insert are all bounded CPU work, and persistence is handed to the
// background pipeline.
func (t *Tracker) StartAttributed(req StartRequest) string {
	now := time.Now()
	params := t.redactor.Apply(req.Parameters)

	if req.ParentID != "" && !t.mem.Has(req.ParentID) {
		t.logger.Warn("unknown parent operation, recording as root",
			"parent_id", req.ParentID,
			"command", req.CommandName,
		)
		req.ParentID = ""
	}

	typ := req.Type
	if !typ.Valid() {
		if typ != "" {
			t.logger.Warn("unknown operation type, coercing",
				"type", string(typ),
				"command", req.CommandName,
			)
		}
		typ = op.TypeAdmin
	}

	sig := op.Signature(req.CommandName, params, t.redactor.IdentityKeys())
	if repID, collapse := t.agg.Observe(req.CommandName, sig); collapse {
		if rep, ok := t.mem.BumpAggregated(repID, 1); ok {
			t.enqueue(job{kind: jobBump, id: repID, delta: 1})
			t.publish(op.Event{Kind: op.EventAggregated, Operation: rep, Timestamp: now})
			t.logger.Debug("operation aggregated",
				"command", req.CommandName,
				"representative_id", repID,
				"aggregated_count", rep.AggregatedCount,
			)
			return repID
		}
		// Representative vanished, usually swept by retention. Fall
		// through and create a fresh record.
		t.agg.ClearRepresentative(sig)
	}

	o := &op.Operation{
		ID:          ulid.Make().String(),
		ParentID:    req.ParentID,
		CommandName: req.CommandName,
		Type:        typ,
		Parameters:  params,
		Status:      op.StatusStarted,
		StartTime:   now,
		User:        req.User,
		ClientInfo:  req.ClientInfo,
	}
	if o.User == "" {
		o.User = t.defaultUser
	}
	if o.ClientInfo == "" {
		o.ClientInfo = t.defaultClient
	}

	t.mem.Insert(o)
	t.agg.SetRepresentative(sig, o.ID)
	t.cache.InvalidateAll()

	t.enqueue(job{kind: jobInsert, record: o.Clone()})
	t.publish(op.Event{Kind: op.EventStarted, Operation: o.Clone(), Timestamp: now})

	t.logger.Debug("operation started",
		"operation_id", o.ID,
		"command", o.CommandName,
		"type", string(o.Type),
	)
	return o.ID
}

// Complete marks the operation successful. The result is rendered to a
// string and capped to the configured maximum size.
func (t *Tracker) Complete(operationID string, result any) {
	t.finish(op.Update{
		OperationID: operationID,
		Status:      op.StatusCompleted,
		Result:      t.redactor.CapResult(renderValue(result)),
		Timestamp:   time.Now(),
	})
}

// Fail marks the operation failed.
func (t *Tracker) Fail(operationID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.finish(op.Update{
		OperationID: operationID,
		Status:      op.StatusFailed,
		Error:       msg,
		Timestamp:   time.Now(),
	})
}

func (t *Tracker) finish(u op.Update) {
	if !t.mem.Has(u.OperationID) {
		t.logger.Warn("update for unknown operation ignored",
			"operation_id", u.OperationID,
			"status", string(u.Status),
		)
		return
	}
	if t.closing.Load() {
		// Intake is closed but the table is still live; apply directly so
		// late updates during drain are not lost.
		t.applySync(u)
		return
	}
	select {
	case t.jobs <- job{kind: jobUpdate, update: u}:
	default:
		capErr := &op.CapacityError{Capacity: t.cfg.QueueCapacity}
		t.logger.Warn("update queue at capacity, applying synchronously",
			"operation_id", u.OperationID,
			"error", capErr.Error(),
		)
		t.applySync(u)
	}
}

// TrackDetail records a completed DETAIL child under parentID.
func (t *Tracker) TrackDetail(parentID, name string, details map[string]string) string {
	id := t.StartAttributed(StartRequest{
		CommandName: name,
		Type:        op.TypeDetail,
		ParentID:    parentID,
		Parameters:  details,
	})
	t.Complete(id, "recorded")
	return id
}

// TrackError records a failed ERROR child under parentID without
// touching the parent's own status.
func (t *Tracker) TrackError(parentID, commandName string, err error) string {
	id := t.StartAttributed(StartRequest{
		CommandName: commandName,
		Type:        op.TypeError,
		ParentID:    parentID,
	})
	t.Fail(id, err)
	return id
}

// Shutdown stops intake, drains the update queue and the event feed.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.shutdownOnce.Do(func() {
		t.closing.Store(true)
		close(t.drain)
	})

	select {
	case <-t.done:
	case <-ctx.Done():
		return fmt.Errorf("draining update queue: %w", ctx.Err())
	}

	t.quitOnce.Do(func() { close(t.quit) })
	select {
	case <-t.dispatcherDone:
	case <-ctx.Done():
		return fmt.Errorf("draining event feed: %w", ctx.Err())
	}

	if n := t.eventsDropped.Load(); n > 0 {
		t.logger.Warn("event feed dropped events under load", "dropped", n)
	}
	t.logger.Info("tracker stopped", "operations", t.mem.Count())
	return nil
}

// warmFromDriver restores the newest persisted records into the
// in-memory table and seeds the hash chain from the stored tip.
func (t *Tracker) warmFromDriver() error {
	last, err := t.driver.LastHash()
	if err != nil {
		return fmt.Errorf("failed to read chain tip: %w", err)
	}
	if last != "" {
		t.mem.SeedHash(last)
	}

	if !t.cfg.ReloadOnStart {
		return nil
	}
	ops, err := t.driver.RecentOperations(t.cfg.ReloadLimit)
	if err != nil {
		return fmt.Errorf("failed to load recent operations: %w", err)
	}
	// RecentOperations is newest first; restore oldest first so the
	// recent feed and parent links line up.
	for i := len(ops) - 1; i >= 0; i-- {
		t.mem.Restore(ops[i])
	}
	if last != "" {
		t.mem.SeedHash(last)
	}
	if len(ops) > 0 {
		t.logger.Info("warmed in-memory table from store", "operations", len(ops))
	}
	return nil
}

func (t *Tracker) publish(ev op.Event) {
	if t.sink.Load() == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.eventsDropped.Add(1)
	}
}

func (t *Tracker) dispatchEvents() {
	defer close(t.dispatcherDone)
	for {
		select {
		case ev := <-t.events:
			t.emit(ev)
		case <-t.quit:
			for {
				select {
				case ev := <-t.events:
					t.emit(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) emit(ev op.Event) {
	fn := t.sink.Load()
	if fn == nil {
		return
	}
	(*fn)(ev)
}

// renderValue turns an arbitrary result or error payload into the
// string stored on the record.
func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "unknown"
}
