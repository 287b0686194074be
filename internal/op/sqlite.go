package op

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists the operation log to SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the operation database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// The write-behind pipeline is the only writer; a single connection
	// avoids SQLITE_BUSY churn between insert and update statements.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id               TEXT PRIMARY KEY,
		parent_id        TEXT,
		command_name     TEXT NOT NULL,
		operation_type   TEXT NOT NULL,
		parameters       TEXT,
		status           TEXT NOT NULL DEFAULT 'STARTED',
		result           TEXT,
		error            TEXT,
		start_time       DATETIME NOT NULL,
		end_time         DATETIME,
		username         TEXT,
		client_info      TEXT,
		aggregated_count INTEGER DEFAULT 0,
		prev_hash        TEXT,
		hash             TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_operations_command ON operations(command_name);
	CREATE INDEX IF NOT EXISTS idx_operations_type ON operations(operation_type);
	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_start_time ON operations(start_time);
	CREATE INDEX IF NOT EXISTS idx_operations_parent ON operations(parent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Operations ---

func (s *SQLiteStore) InsertOperation(o *Operation) error {
	params, err := MarshalParameters(o.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO operations (id, parent_id, command_name, operation_type, parameters,
		status, result, error, start_time, end_time, username, client_info, aggregated_count, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, nullStr(o.ParentID), o.CommandName, o.Type, nullableJSON(params),
		o.Status, nullStr(o.Result), nullStr(o.Error), o.StartTime, o.EndTime,
		nullStr(o.User), nullStr(o.ClientInfo), o.AggregatedCount, o.PrevHash, o.Hash,
	)
	return err
}

// UpdateOperation applies a terminal transition. The status guard makes
// reapplication a no-op, matching the in-memory idempotence rule.
func (s *SQLiteStore) UpdateOperation(u Update) error {
	_, err := s.db.Exec(`UPDATE operations SET status = ?, result = ?, error = ?, end_time = ?
		WHERE id = ? AND status = 'STARTED'`,
		u.Status, nullStr(u.Result), nullStr(u.Error), u.Timestamp, u.OperationID,
	)
	return err
}

func (s *SQLiteStore) BumpAggregated(id string, delta int) error {
	_, err := s.db.Exec("UPDATE operations SET aggregated_count = aggregated_count + ? WHERE id = ?", delta, id)
	return err
}

func (s *SQLiteStore) GetOperation(id string) (*Operation, error) {
	row := s.db.QueryRow(`SELECT id, parent_id, command_name, operation_type, parameters,
		status, result, error, start_time, end_time, username, client_info, aggregated_count, prev_hash, hash
		FROM operations WHERE id = ?`, id)
	o, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *SQLiteStore) ListOperations(filter Filter) ([]*Operation, int, error) {
	where, args := buildOperationWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	// Total first, so pagination metadata stays exact.
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM operations"+where, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT id, parent_id, command_name, operation_type, parameters, status, result, error,
		start_time, end_time, username, client_info, aggregated_count, prev_hash, hash
		FROM operations` + where + " ORDER BY start_time DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, 0, err
		}
		ops = append(ops, o)
	}
	return ops, count, nil
}

func (s *SQLiteStore) ListChildren(parentID string) ([]*Operation, error) {
	rows, err := s.db.Query(`SELECT id, parent_id, command_name, operation_type, parameters, status, result, error,
		start_time, end_time, username, client_info, aggregated_count, prev_hash, hash
		FROM operations WHERE parent_id = ? ORDER BY start_time ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func (s *SQLiteStore) DeleteOperations(ids []string) (int64, error) {
	var deleted int64
	for _, chunk := range chunkIDs(ids, 500) {
		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		result, err := s.db.Exec("DELETE FROM operations WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return deleted, err
		}
		n, _ := result.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

func (s *SQLiteStore) DetachChildren(parentIDs []string) (int64, error) {
	var detached int64
	for _, chunk := range chunkIDs(parentIDs, 500) {
		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]interface{}, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		result, err := s.db.Exec("UPDATE operations SET parent_id = NULL WHERE parent_id IN ("+placeholders+")", args...)
		if err != nil {
			return detached, err
		}
		n, _ := result.RowsAffected()
		detached += n
	}
	return detached, nil
}

// --- Retention and integrity ---

func (s *SQLiteStore) PruneOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	result, err := s.db.Exec("DELETE FROM operations WHERE start_time < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// LastHash returns the hash of the most recently inserted record, or ""
// when the log is empty. rowid preserves insertion order.
func (s *SQLiteStore) LastHash() (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM operations ORDER BY rowid DESC LIMIT 1").Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (s *SQLiteStore) VerifyHashChain() (bool, int, error) {
	rows, err := s.db.Query(`SELECT id, parent_id, command_name, operation_type, parameters, status, result, error,
		start_time, end_time, username, client_info, aggregated_count, prev_hash, hash
		FROM operations ORDER BY rowid ASC`)
	if err != nil {
		return false, 0, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return false, 0, err
		}
		ops = append(ops, o)
	}

	valid, brokenAt := VerifyChain(ops)
	return valid, brokenAt, nil
}

func (s *SQLiteStore) Count() (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM operations").Scan(&count)
	return count, err
}

func (s *SQLiteStore) RecentOperations(limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`SELECT id, parent_id, command_name, operation_type, parameters, status, result, error,
		start_time, end_time, username, client_info, aggregated_count, prev_hash, hash
		FROM operations ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	return ops, nil
}

// --- Row scanning and SQL helpers ---

// scanTarget covers both *sql.Row and *sql.Rows.
type scanTarget interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row scanTarget) (*Operation, error) {
	o := &Operation{}
	var parentID, params, result, opErr, username, clientInfo sql.NullString
	var endTime sql.NullTime

	err := row.Scan(&o.ID, &parentID, &o.CommandName, &o.Type, &params,
		&o.Status, &result, &opErr, &o.StartTime, &endTime,
		&username, &clientInfo, &o.AggregatedCount, &o.PrevHash, &o.Hash,
	)
	if err != nil {
		return nil, err
	}

	o.ParentID = parentID.String
	o.Result = result.String
	o.Error = opErr.String
	o.User = username.String
	o.ClientInfo = clientInfo.String
	if endTime.Valid {
		t := endTime.Time
		o.EndTime = &t
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &o.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters for %s: %w", o.ID, err)
		}
	}
	return o, nil
}

func buildOperationWhere(f Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.CommandName != "" {
		conditions = append(conditions, "command_name = ?")
		args = append(args, f.CommandName)
	}
	if f.Type != "" {
		conditions = append(conditions, "operation_type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, f.Status)
	}
	if f.User != "" {
		conditions = append(conditions, "username = ?")
		args = append(args, f.User)
	}
	if f.Since != nil {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		conditions = append(conditions, "start_time <= ?")
		args = append(args, *f.Until)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func chunkIDs(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]string
	for size < len(ids) {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	return append(chunks, ids)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableJSON(data json.RawMessage) sql.NullString {
	if data == nil || string(data) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}
