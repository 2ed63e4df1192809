// Package history records code execution results in sqlite so they can be
// inspected after the fact. Room and document state stay in memory; this is
// an audit log of Execution Proxy results only.
package history

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

type Execution struct {
	ID        int       `json:"id"`
	RoomID    string    `json:"room_id"`
	Language  string    `json:"language"`
	Version   string    `json:"version"`
	CodeSize  int       `json:"code_size"`
	Output    string    `json:"output"`
	OK        bool      `json:"ok"`
	CreatedAt time.Time `json:"created_at"`
}

func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		language TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		code_size INTEGER NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT '',
		ok BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_room_id ON executions(room_id);
	CREATE INDEX IF NOT EXISTS idx_executions_room_created ON executions(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores one completed execution.
func (s *Store) Record(roomID, language, version string, codeSize int, output string, ok bool) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (room_id, language, version, code_size, output, ok)
		VALUES (?, ?, ?, ?, ?, ?)
	`, roomID, language, version, codeSize, output, ok)
	return err
}

// ListByRoom returns a room's executions, newest first.
func (s *Store) ListByRoom(roomID string, limit, offset int) ([]Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, room_id, language, version, code_size, output, ok, created_at
		FROM executions
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Language, &e.Version, &e.CodeSize, &e.Output, &e.OK, &e.CreatedAt); err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// CountByRoom returns the number of recorded executions for a room.
func (s *Store) CountByRoom(roomID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM executions WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// RoomIDs lists rooms that have recorded executions.
func (s *Store) RoomIDs() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT room_id FROM executions ORDER BY room_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune deletes a room's oldest executions, keeping the most recent keepCount.
func (s *Store) Prune(roomID string, keepCount int) error {
	_, err := s.db.Exec(`
		DELETE FROM executions
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM executions
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	return err
}

// Stats

func (s *Store) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, err
	}
	stats["execution_count"] = total

	var failed int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM executions WHERE ok = FALSE").Scan(&failed); err != nil {
		return nil, err
	}
	stats["failed_count"] = failed

	return stats, nil
}
