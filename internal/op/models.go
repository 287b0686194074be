package op

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Type categorizes tracked operations by the kind of work they perform.
type Type string

const (
	TypeCreate   Type = "CREATE"
	TypeRead     Type = "READ"
	TypeUpdate   Type = "UPDATE"
	TypeDelete   Type = "DELETE"
	TypeSearch   Type = "SEARCH"
	TypeValidate Type = "VALIDATE"
	TypeAdmin    Type = "ADMIN"
	TypeReport   Type = "REPORT"
	TypeDetail   Type = "DETAIL"
	TypeError    Type = "ERROR"
)

// Valid reports whether t is one of the known operation types.
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeRead, TypeUpdate, TypeDelete, TypeSearch,
		TypeValidate, TypeAdmin, TypeReport, TypeDetail, TypeError:
		return true
	}
	return false
}

// Status represents an operation's lifecycle state. Transitions are
// monotonic: once terminal (COMPLETED or FAILED), a record never changes
// status again.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Operation is a single tracked command invocation. Records are created in
// STARTED state by the recorder and moved to a terminal state by the batch
// processor; after that they are immutable until retention removes them.
type Operation struct {
	ID              string            `json:"id" db:"id"`
	ParentID        string            `json:"parent_id,omitempty" db:"parent_id"`
	CommandName     string            `json:"command_name" db:"command_name"`
	Type            Type              `json:"operation_type" db:"operation_type"`
	Parameters      map[string]string `json:"parameters,omitempty" db:"parameters"`
	Status          Status            `json:"status" db:"status"`
	Result          string            `json:"result,omitempty" db:"result"`
	Error           string            `json:"error,omitempty" db:"error"`
	StartTime       time.Time         `json:"start_time" db:"start_time"`
	EndTime         *time.Time        `json:"end_time,omitempty" db:"end_time"`
	User            string            `json:"user,omitempty" db:"username"`
	ClientInfo      string            `json:"client_info,omitempty" db:"client_info"`
	AggregatedCount int               `json:"aggregated_count,omitempty" db:"aggregated_count"`
	PrevHash        string            `json:"prev_hash,omitempty" db:"prev_hash"`
	Hash            string            `json:"hash,omitempty" db:"hash"`
}

// Clone returns a deep copy. Handed out by the query paths so callers can
// never mutate the store's records.
func (o *Operation) Clone() *Operation {
	c := *o
	if o.Parameters != nil {
		c.Parameters = make(map[string]string, len(o.Parameters))
		for k, v := range o.Parameters {
			c.Parameters[k] = v
		}
	}
	if o.EndTime != nil {
		t := *o.EndTime
		c.EndTime = &t
	}
	return &c
}

// DurationMs returns the operation's duration in milliseconds, or 0 if it
// has not reached a terminal state.
func (o *Operation) DurationMs() int64 {
	if o.EndTime == nil {
		return 0
	}
	return o.EndTime.Sub(o.StartTime).Milliseconds()
}

// Update is a queued terminal transition: consumed by the batch processor,
// never persisted on its own.
type Update struct {
	OperationID string
	Status      Status // COMPLETED or FAILED
	Result      string // set when Status == COMPLETED
	Error       string // set when Status == FAILED
	Timestamp   time.Time
}

// Filter defines query parameters for listing operations. Zero values mean
// "no constraint".
type Filter struct {
	CommandName string
	Type        Type
	Status      Status
	User        string
	Since       *time.Time
	Until       *time.Time
	Limit       int
	Offset      int
}

// StatsQuery selects the population and grouping for a statistics request.
type StatsQuery struct {
	CommandName string
	Type        Type
	Since       *time.Time
	Until       *time.Time
	GroupBy     string // "", "type", "command", "status", "user"
}

// CacheKey canonicalizes the query into a stable cache key. Identical
// queries must produce identical keys regardless of construction order.
func (q StatsQuery) CacheKey() string {
	var b strings.Builder
	b.WriteString("stats:")
	b.WriteString(q.CommandName)
	b.WriteByte(':')
	b.WriteString(string(q.Type))
	b.WriteByte(':')
	if q.Since != nil {
		b.WriteString(q.Since.UTC().Format(time.RFC3339))
	}
	b.WriteByte(':')
	if q.Until != nil {
		b.WriteString(q.Until.UTC().Format(time.RFC3339))
	}
	b.WriteByte(':')
	b.WriteString(q.GroupBy)
	return b.String()
}

// Statistics is an immutable aggregate snapshot. Once published to the
// cache it is never mutated; recomputation swaps in a fresh snapshot.
type Statistics struct {
	TotalOperations     int            `json:"total_operations"`
	StartedOperations   int            `json:"started_operations"`
	CompletedOperations int            `json:"completed_operations"`
	FailedOperations    int            `json:"failed_operations"`
	SuccessRate         float64        `json:"success_rate"`
	AvgDurationMs       float64        `json:"avg_duration_ms"`
	OperationsByType    map[string]int `json:"operations_by_type,omitempty"`
	OperationsByCommand map[string]int `json:"operations_by_command,omitempty"`
	Grouped             map[string]int `json:"grouped,omitempty"`
	ComputedAt          time.Time      `json:"computed_at"`
}

// Event kinds broadcast over the live feed.
const (
	EventStarted    = "started"
	EventCompleted  = "completed"
	EventFailed     = "failed"
	EventAggregated = "aggregated"
)

// Event is the shape broadcast over the live feed when an operation is
// created or reaches a terminal state.
type Event struct {
	Kind      string     `json:"kind"`
	Operation *Operation `json:"operation"`
	Timestamp time.Time  `json:"timestamp"`
}

// Signature produces the canonical parameter signature used for
// deduplication: identity keys joined as sorted key=value pairs. Keys
// outside the identity set do not affect aggregation.
func Signature(commandName string, params map[string]string, identityKeys []string) string {
	parts := make([]string, 0, len(identityKeys))
	for _, k := range identityKeys {
		if v, ok := params[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	sort.Strings(parts)
	return commandName + "|" + strings.Join(parts, ",")
}

// MarshalParameters renders a parameter map as stable JSON (sorted keys) for
// persistence. A nil map marshals as null.
func MarshalParameters(params map[string]string) ([]byte, error) {
	if params == nil {
		return []byte("null"), nil
	}
	return json.Marshal(params) // encoding/json sorts map keys
}
