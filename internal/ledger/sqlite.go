package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gantry-dev/gantry/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable ledger. WAL mode is enabled for concurrent
// reads; all writes go through a single mutex so per-item serialization
// holds regardless of driver connection pooling.
type SQLiteStore struct {
	conn  *sql.DB
	path  string
	guard EdgeGuard
	mu    sync.Mutex
}

// DefaultDBPath returns the project-local ledger database path.
func DefaultDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".gantry", "ledger.db")
}

// OpenSQLite opens (and migrates) the ledger database at the given path,
// creating parent directories as needed.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &SQLiteStore{conn: conn, path: path}
	if err := store.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// SetEdgeGuard installs the dependency-edge guard.
func (s *SQLiteStore) SetEdgeGuard(guard EdgeGuard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = guard
}

// migrate applies pending schema migrations.
func (s *SQLiteStore) migrate() error {
	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Items},
		{2, migrationV2SyncPoints},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Items = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	owner_role TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	blocked_by TEXT NOT NULL DEFAULT '[]',
	resource_claims TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 0,
	payload TEXT,
	failure_reason TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
CREATE INDEX IF NOT EXISTS idx_items_owner_role ON items(owner_role);
`

const migrationV2SyncPoints = `
CREATE TABLE IF NOT EXISTS sync_points (
	gate_item_id TEXT PRIMARY KEY,
	downstream TEXT NOT NULL DEFAULT '[]',
	released INTEGER NOT NULL DEFAULT 0
);
`

// Create stores a new item.
func (s *SQLiteStore) Create(item *models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := item.Clone()
	if stored.Status == "" {
		stored.Status = models.StatusPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.UpdatedAt = time.Now()

	blockedBy, claims, err := encodeLists(stored)
	if err != nil {
		return err
	}

	_, err = s.conn.Exec(`
		INSERT INTO items (id, title, owner_role, status, blocked_by, resource_claims,
			priority, payload, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Title, stored.OwnerRole, string(stored.Status),
		blockedBy, claims, stored.Priority, stored.Payload, stored.FailureReason,
		stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create item %s: %w", stored.ID, ErrDuplicateID)
		}
		return fmt.Errorf("create item %s: %w", stored.ID, err)
	}
	return nil
}

// Get returns a copy of the item.
func (s *SQLiteStore) Get(id string) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.conn, id)
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getLocked(q querier, id string) (*models.WorkItem, error) {
	row := q.QueryRow(`
		SELECT id, title, owner_role, status, blocked_by, resource_claims,
			priority, payload, failure_reason, created_at, updated_at
		FROM items WHERE id = ?`, id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("get item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

// Update overwrites the stored snapshot after validating the transition.
func (s *SQLiteStore) Update(id string, snapshot *models.WorkItem) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getLocked(s.conn, id)
	if err != nil {
		return nil, err
	}

	stored := snapshot.Clone()
	// A zero status means "leave the status alone", not "clear it".
	if stored.Status == "" {
		stored.Status = current.Status
	}
	if !validTransition(current.Status, stored.Status) {
		return nil, fmt.Errorf("update item %s: %s -> %s: %w",
			id, current.Status, stored.Status, ErrInvalidTransition)
	}
	stored.ID = id
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = time.Now()

	blockedBy, claims, err := encodeLists(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.conn.Exec(`
		UPDATE items SET title = ?, owner_role = ?, status = ?, blocked_by = ?,
			resource_claims = ?, priority = ?, payload = ?, failure_reason = ?,
			updated_at = ?
		WHERE id = ?`,
		stored.Title, stored.OwnerRole, string(stored.Status), blockedBy, claims,
		stored.Priority, stored.Payload, stored.FailureReason, stored.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update item %s: %w", id, err)
	}
	return stored, nil
}

// Claim atomically transitions pending -> in_progress. The write itself is
// a compare-and-swap on status, so exactly one racing caller wins.
func (s *SQLiteStore) Claim(id string) (*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim item %s: %w", id, err)
	}
	defer tx.Rollback()

	current, err := s.getLocked(tx, id)
	if err != nil {
		return nil, err
	}
	for _, depID := range current.BlockedBy {
		dep, depErr := s.getLocked(tx, depID)
		if depErr != nil || dep.Status != models.StatusCompleted {
			return nil, fmt.Errorf("claim item %s: dependency %s unresolved: %w",
				id, depID, ErrInvalidTransition)
		}
	}

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE items SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.StatusInProgress), now, id, string(models.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim item %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim item %s: %w", id, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("claim item %s: status %s: %w", id, current.Status, ErrAlreadyClaimed)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim item %s: %w", id, err)
	}

	current.Status = models.StatusInProgress
	current.UpdatedAt = now
	return current, nil
}

// List returns all items matching the filter, ordered by created_at then id.
func (s *SQLiteStore) List(filter Filter) ([]*models.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(`
		SELECT id, title, owner_role, status, blocked_by, resource_claims,
			priority, payload, failure_reason, created_at, updated_at
		FROM items ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var result []*models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list items: %w", err)
		}
		if filter.matches(item) {
			result = append(result, item)
		}
	}
	return result, rows.Err()
}

// AddDependency inserts a blocked-by edge after consulting the guard.
func (s *SQLiteStore) AddDependency(itemID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.getLocked(s.conn, itemID)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	if _, err := s.getLocked(s.conn, dependsOn); err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	if item.BlockedOn(dependsOn) {
		return nil
	}

	if s.guard != nil {
		all, err := s.listAllLocked()
		if err != nil {
			return fmt.Errorf("add dependency: %w", err)
		}
		if err := s.guard.ValidateEdge(all, itemID, dependsOn); err != nil {
			return fmt.Errorf("add dependency %s -> %s: %w", itemID, dependsOn, err)
		}
	}

	item.BlockedBy = append(item.BlockedBy, dependsOn)
	blockedBy, err := json.Marshal(item.BlockedBy)
	if err != nil {
		return fmt.Errorf("add dependency: %w", err)
	}
	_, err = s.conn.Exec(`UPDATE items SET blocked_by = ?, updated_at = ? WHERE id = ?`,
		string(blockedBy), time.Now(), itemID)
	if err != nil {
		return fmt.Errorf("add dependency %s -> %s: %w", itemID, dependsOn, err)
	}
	return nil
}

// CreateSyncPoint registers a barrier and blocks its downstream items
// in one transaction.
func (s *SQLiteStore) CreateSyncPoint(sp *models.SyncPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("create sync point %s: %w", sp.GateItemID, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM sync_points WHERE gate_item_id = ?",
		sp.GateItemID).Scan(&exists); err != nil {
		return fmt.Errorf("create sync point %s: %w", sp.GateItemID, err)
	}
	if exists > 0 {
		return fmt.Errorf("sync point %s: %w", sp.GateItemID, ErrDuplicateID)
	}
	if _, err := s.getLocked(tx, sp.GateItemID); err != nil {
		return fmt.Errorf("sync point gate: %w", err)
	}

	for _, downID := range sp.Downstream {
		item, err := s.getLocked(tx, downID)
		if err != nil {
			return fmt.Errorf("sync point downstream: %w", err)
		}
		if item.BlockedOn(sp.GateItemID) {
			continue
		}
		item.BlockedBy = append(item.BlockedBy, sp.GateItemID)
		blockedBy, err := json.Marshal(item.BlockedBy)
		if err != nil {
			return fmt.Errorf("sync point downstream %s: %w", downID, err)
		}
		if _, err := tx.Exec(`UPDATE items SET blocked_by = ?, updated_at = ? WHERE id = ?`,
			string(blockedBy), time.Now(), downID); err != nil {
			return fmt.Errorf("sync point downstream %s: %w", downID, err)
		}
	}

	downstream, err := json.Marshal(sp.Downstream)
	if err != nil {
		return fmt.Errorf("create sync point %s: %w", sp.GateItemID, err)
	}
	if _, err := tx.Exec(`INSERT INTO sync_points (gate_item_id, downstream) VALUES (?, ?)`,
		sp.GateItemID, string(downstream)); err != nil {
		return fmt.Errorf("create sync point %s: %w", sp.GateItemID, err)
	}
	return tx.Commit()
}

// GetSyncPoint returns the barrier gated by the given item.
func (s *SQLiteStore) GetSyncPoint(gateItemID string) (*models.SyncPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var downstream string
	err := s.conn.QueryRow("SELECT downstream FROM sync_points WHERE gate_item_id = ?",
		gateItemID).Scan(&downstream)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync point %s: %w", gateItemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sync point %s: %w", gateItemID, err)
	}

	sp := &models.SyncPoint{GateItemID: gateItemID}
	if err := json.Unmarshal([]byte(downstream), &sp.Downstream); err != nil {
		return nil, fmt.Errorf("sync point %s: %w", gateItemID, err)
	}
	return sp, nil
}

// ReleaseSyncPoint unblocks every downstream item in a single transaction,
// so observers never see a partial release.
func (s *SQLiteStore) ReleaseSyncPoint(gateItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("release sync point %s: %w", gateItemID, err)
	}
	defer tx.Rollback()

	var downstream string
	var released int
	err = tx.QueryRow("SELECT downstream, released FROM sync_points WHERE gate_item_id = ?",
		gateItemID).Scan(&downstream, &released)
	if err == sql.ErrNoRows {
		return fmt.Errorf("release sync point %s: %w", gateItemID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("release sync point %s: %w", gateItemID, err)
	}
	if released != 0 {
		return nil
	}

	var downIDs []string
	if err := json.Unmarshal([]byte(downstream), &downIDs); err != nil {
		return fmt.Errorf("release sync point %s: %w", gateItemID, err)
	}

	for _, downID := range downIDs {
		item, err := s.getLocked(tx, downID)
		if err != nil {
			continue
		}
		remaining := make([]string, 0, len(item.BlockedBy))
		for _, dep := range item.BlockedBy {
			if dep != gateItemID {
				remaining = append(remaining, dep)
			}
		}
		blockedBy, err := json.Marshal(remaining)
		if err != nil {
			return fmt.Errorf("release sync point %s: %w", gateItemID, err)
		}
		if _, err := tx.Exec(`UPDATE items SET blocked_by = ?, updated_at = ? WHERE id = ?`,
			string(blockedBy), time.Now(), downID); err != nil {
			return fmt.Errorf("release sync point %s: %w", gateItemID, err)
		}
	}

	if _, err := tx.Exec("UPDATE sync_points SET released = 1 WHERE gate_item_id = ?",
		gateItemID); err != nil {
		return fmt.Errorf("release sync point %s: %w", gateItemID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) listAllLocked() ([]*models.WorkItem, error) {
	rows, err := s.conn.Query(`
		SELECT id, title, owner_role, status, blocked_by, resource_claims,
			priority, payload, failure_reason, created_at, updated_at
		FROM items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*models.WorkItem, error) {
	var item models.WorkItem
	var status, blockedBy, claims string
	var payload, failureReason sql.NullString

	err := row.Scan(&item.ID, &item.Title, &item.OwnerRole, &status, &blockedBy,
		&claims, &item.Priority, &payload, &failureReason, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	item.Status = models.ItemStatus(status)
	item.Payload = payload.String
	item.FailureReason = failureReason.String
	if err := json.Unmarshal([]byte(blockedBy), &item.BlockedBy); err != nil {
		return nil, fmt.Errorf("decode blocked_by: %w", err)
	}
	if err := json.Unmarshal([]byte(claims), &item.ResourceClaims); err != nil {
		return nil, fmt.Errorf("decode resource_claims: %w", err)
	}
	return &item, nil
}

func encodeLists(item *models.WorkItem) (blockedBy, claims string, err error) {
	if item.BlockedBy == nil {
		item.BlockedBy = []string{}
	}
	if item.ResourceClaims == nil {
		item.ResourceClaims = []models.ResourceKey{}
	}
	b, err := json.Marshal(item.BlockedBy)
	if err != nil {
		return "", "", fmt.Errorf("encode blocked_by: %w", err)
	}
	c, err := json.Marshal(item.ResourceClaims)
	if err != nil {
		return "", "", fmt.Errorf("encode resource_claims: %w", err)
	}
	return string(b), string(c), nil
}

// isUniqueViolation reports whether the error is a primary-key collision.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
