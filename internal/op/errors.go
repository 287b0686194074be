package op

import "fmt"

// ValidationError reports a malformed query input: bad date ranges, unknown
// group-by keys, malformed operation ids. Returned to interactive callers,
// never panicked.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a reference to an unknown operation id. On the
// recording path it is logged and swallowed; on the query path it is
// returned to the caller.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("operation %s not found", e.ID)
}

// CapacityError reports a saturated update queue. The recorder reacts by
// applying the update synchronously instead of surfacing this to producers.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("update queue at capacity (%d)", e.Capacity)
}

// RetentionError reports a failed cleanup pass. Logged and retried on the
// next scheduled run; never blocks ingestion.
type RetentionError struct {
	Err error
}

func (e *RetentionError) Error() string {
	return fmt.Sprintf("retention sweep failed: %v", e.Err)
}

func (e *RetentionError) Unwrap() error { return e.Err }
