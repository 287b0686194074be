package op

// Store defines the interface for operation persistence backends. The
// in-memory table owned by the tracker stays authoritative; a Store is a
// write-behind collaborator, so every method here may be called from the
// background pipeline but never from the producer hot path.
type Store interface {
	// Initialize creates tables and indexes.
	Initialize() error

	// Close cleanly shuts down the store.
	Close() error

	// Operations
	InsertOperation(o *Operation) error
	UpdateOperation(u Update) error
	BumpAggregated(id string, delta int) error
	GetOperation(id string) (*Operation, error)
	ListOperations(filter Filter) ([]*Operation, int, error)
	ListChildren(parentID string) ([]*Operation, error)

	// DeleteOperations removes the given ids. Used by retention after the
	// in-memory sweep decides what goes.
	DeleteOperations(ids []string) (int64, error)

	// DetachChildren clears parent references pointing at the given ids.
	DetachChildren(parentIDs []string) (int64, error)

	// Maintenance
	PruneOlderThan(days int) (int64, error)
	LastHash() (string, error)
	VerifyHashChain() (bool, int, error)
	Count() (int64, error)

	// RecentOperations returns the newest records, most recent first. Used
	// to warm the in-memory table on startup.
	RecentOperations(limit int) ([]*Operation, error)
}
