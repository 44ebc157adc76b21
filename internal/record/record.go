// Package record persists observed guest events to SQLite so a monitoring
// run leaves a queryable trail.
package record

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zboralski/vigil/internal/os/windows"
)

// Store writes process events to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and prepares the schema. WAL
// mode keeps writers from blocking concurrent readers of the file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS process_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		timestamp   DATETIME NOT NULL,
		pid         INTEGER NOT NULL,
		ppid        INTEGER NOT NULL,
		create_time INTEGER NOT NULL,
		image_path  TEXT,
		cmdline     TEXT,
		object      INTEGER NOT NULL,
		vcpu        INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_session ON process_events(session_id);",
		"CREATE INDEX IF NOT EXISTS idx_events_pid ON process_events(pid);",
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON process_events(timestamp);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// RecordProcess inserts one process creation event under a session id.
func (s *Store) RecordProcess(sessionID string, ev windows.ProcessEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO process_events
		(session_id, timestamp, pid, ppid, create_time, image_path, cmdline, object, vcpu)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		ev.Time,
		ev.PID,
		ev.PPID,
		int64(ev.CreateTime),
		ev.ImagePath,
		ev.CmdLine,
		int64(ev.Object),
		ev.VCPU,
	)
	if err != nil {
		return fmt.Errorf("insert process event: %w", err)
	}
	return nil
}

// CountProcesses returns how many events a session recorded.
func (s *Store) CountProcesses(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM process_events WHERE session_id = ?", sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count process events: %w", err)
	}
	return n, nil
}

// RecentProcesses returns the newest events of a session, newest first.
func (s *Store) RecentProcesses(sessionID string, limit int) ([]windows.ProcessEvent, error) {
	rows, err := s.db.Query(`
		SELECT timestamp, pid, ppid, create_time, image_path, cmdline, object, vcpu
		FROM process_events
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query process events: %w", err)
	}
	defer rows.Close()

	var events []windows.ProcessEvent
	for rows.Next() {
		var ev windows.ProcessEvent
		var ts time.Time
		var createTime, object int64
		if err := rows.Scan(&ts, &ev.PID, &ev.PPID, &createTime,
			&ev.ImagePath, &ev.CmdLine, &object, &ev.VCPU); err != nil {
			return nil, fmt.Errorf("scan process event: %w", err)
		}
		ev.Time = ts
		ev.CreateTime = uint64(createTime)
		ev.Object = uint64(object)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
