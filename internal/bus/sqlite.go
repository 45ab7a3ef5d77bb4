package bus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gantry-dev/gantry/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteJournal is the durable message log. It shares the ledger's
// storage directory but keeps its own file: the message log is owned by
// the bus, not the ledger.
type SQLiteJournal struct {
	conn *sql.DB
	path string
}

// DefaultJournalPath returns the project-local message log path.
func DefaultJournalPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".gantry", "messages.db")
}

// OpenSQLiteJournal opens (and migrates) the journal at the given path,
// creating parent directories as needed.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			ref TEXT,
			body TEXT NOT NULL,
			published_at DATETIME NOT NULL
		)
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &SQLiteJournal{conn: conn, path: path}, nil
}

// Path returns the path to the journal file.
func (j *SQLiteJournal) Path() string {
	return j.path
}

// Append durably records one message. The full message is stored as
// JSON; seq, type, and ref are lifted into columns for scans.
func (j *SQLiteJournal) Append(msg models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %d: %w", msg.Seq, err)
	}
	_, err = j.conn.Exec(`
		INSERT INTO messages (seq, type, ref, body, published_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.Seq, string(msg.Type), msg.Ref, string(body), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("append message %d: %w", msg.Seq, err)
	}
	return nil
}

// Replay returns all recorded messages with seq >= fromSeq, in order.
func (j *SQLiteJournal) Replay(fromSeq uint64) ([]models.Message, error) {
	rows, err := j.conn.Query(
		"SELECT body FROM messages WHERE seq >= ? ORDER BY seq", fromSeq)
	if err != nil {
		return nil, fmt.Errorf("replay from %d: %w", fromSeq, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("replay from %d: %w", fromSeq, err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Close releases the journal.
func (j *SQLiteJournal) Close() error {
	return j.conn.Close()
}

// Compile-time verification.
var _ Journal = (*SQLiteJournal)(nil)
