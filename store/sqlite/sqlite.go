package sqlite

import (
	"database/sql"
	"time"

	// SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/streamcast/livecast/store"
)

// Config represents the SQLite store config structure.
type Config struct {
	Path string `koanf:"path"`
}

// SQLite represents the SQLite implementation of the Store interface.
type SQLite struct {
	cfg *Config
	db  *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	room       TEXT NOT NULL,
	sender     TEXT NOT NULL,
	text       TEXT NOT NULL,
	is_mod     INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_room ON chat_messages (room, created_at);

CREATE TABLE IF NOT EXISTS activity_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	room          TEXT NOT NULL,
	username      TEXT NOT NULL,
	activity_type TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_room ON activity_logs (room, created_at);

CREATE TABLE IF NOT EXISTS clip_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	room           TEXT NOT NULL,
	username       TEXT NOT NULL,
	clip_timestamp TIMESTAMP NOT NULL,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS stream_markers (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	room             TEXT NOT NULL,
	username         TEXT NOT NULL,
	label            TEXT,
	marker_timestamp TIMESTAMP NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
`

// New opens (creating if necessary) a SQLite store at the configured path.
func New(cfg Config) (*SQLite, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{cfg: &cfg, db: db}, nil
}

// AddMessage appends a chat message and returns its ID.
func (s *SQLite) AddMessage(m store.Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO chat_messages (room, sender, text, is_mod, created_at)
		VALUES (?, ?, ?, ?, ?)`, m.Room, m.Sender, m.Text, m.IsMod, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteMessage removes a message by ID, scoped to its room.
func (s *SQLite) DeleteMessage(id int64, room string) error {
	res, err := s.db.Exec(`DELETE FROM chat_messages WHERE id = ? AND room = ?`, id, room)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecentMessages returns the latest n messages of a room, oldest first.
func (s *SQLite) RecentMessages(room string, n int) ([]store.Message, error) {
	rows, err := s.db.Query(`SELECT id, room, sender, text, is_mod, created_at
		FROM chat_messages WHERE room = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, room, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.Sender, &m.Text, &m.IsMod, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// AddActivity appends an activity record and returns its ID.
func (s *SQLite) AddActivity(a store.Activity) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO activity_logs (room, username, activity_type, created_at)
		VALUES (?, ?, ?, ?)`, a.Room, a.Username, a.Kind, a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentActivities returns the latest n activities of a room, oldest first.
func (s *SQLite) RecentActivities(room string, n int) ([]store.Activity, error) {
	rows, err := s.db.Query(`SELECT id, room, username, activity_type, created_at
		FROM activity_logs WHERE room = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, room, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Activity
	for rows.Next() {
		var a store.Activity
		if err := rows.Scan(&a.ID, &a.Room, &a.Username, &a.Kind, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// CountMessagesSince counts a room's messages newer than since.
func (s *SQLite) CountMessagesSince(room string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE room = ? AND created_at > ?`,
		room, since).Scan(&count)
	return count, err
}

// CountActivitiesSince counts a room's activities of one kind newer than since.
func (s *SQLite) CountActivitiesSince(room, kind string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM activity_logs
		WHERE room = ? AND activity_type = ? AND created_at > ?`,
		room, kind, since).Scan(&count)
	return count, err
}

// AddClip logs a clip marker timestamp.
func (s *SQLite) AddClip(c store.Clip) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO clip_logs (room, username, clip_timestamp, created_at)
		VALUES (?, ?, ?, ?)`, c.Room, c.Username, c.ClipAt, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddMarker logs a stream marker timestamp.
func (s *SQLite) AddMarker(m store.Marker) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`INSERT INTO stream_markers (room, username, label, marker_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?)`, m.Room, m.Username, m.Label, m.MarkerAt, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
