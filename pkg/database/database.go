package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite history database
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	snowflake *Snowflake
}

// StoredMessage is one persisted chat message
type StoredMessage struct {
	ID        int64
	Kind      string
	Sender    string
	Recipient string // empty for undirected kinds
	Content   string
	CreatedAt int64 // Unix timestamp in milliseconds
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// Open opens the SQLite database at path and applies pending migrations
func Open(path string) (*DB, error) {
	if path == MemoryPath {
		return openMemory()
	}

	conn, err := openConn(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	// SQLite allows a single writer; keep exactly one connection for it
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Snowflake epoch: 2024-01-01, single worker
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	return &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}, nil
}

// openMemory opens an in-memory database on a single connection. Each
// connection to ":memory:" gets its own empty database, so reads and writes
// must share it.
func openMemory() (*DB, error) {
	conn, err := openConn(MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := runMigrations(conn, MemoryPath); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return &DB{
		conn:      conn,
		writeConn: conn,
		snowflake: NewSnowflake(epoch, 0),
	}, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// Close closes both connection pools
func (db *DB) Close() error {
	if db.conn == db.writeConn {
		return db.conn.Close()
	}
	werr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return werr
}

// NextID returns a fresh message ID
func (db *DB) NextID() int64 {
	return db.snowflake.NextID()
}

// InsertMessages stores msgs in a single transaction. Messages without an
// ID are assigned one.
func (db *DB) InsertMessages(msgs []*StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO Message (id, kind, sender, recipient, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		if msg.ID == 0 {
			msg.ID = db.NextID()
		}
		if msg.CreatedAt == 0 {
			msg.CreatedAt = nowMillis()
		}
		recipient := sql.NullString{String: msg.Recipient, Valid: msg.Recipient != ""}
		if _, err := stmt.Exec(msg.ID, msg.Kind, msg.Sender, recipient, msg.Content, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// InsertMessage stores a single message
func (db *DB) InsertMessage(msg *StoredMessage) error {
	return db.InsertMessages([]*StoredMessage{msg})
}

// RecentMessages returns up to limit of the newest messages, oldest first
func (db *DB) RecentMessages(limit int) ([]*StoredMessage, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, sender, recipient, content, created_at FROM (
			SELECT id, kind, sender, recipient, content, created_at
			FROM Message
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// CountMessages returns the number of stored messages
func (db *DB) CountMessages() (int64, error) {
	var count int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM Message").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]*StoredMessage, error) {
	var msgs []*StoredMessage
	for rows.Next() {
		var msg StoredMessage
		var recipient sql.NullString
		if err := rows.Scan(&msg.ID, &msg.Kind, &msg.Sender, &recipient, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Recipient = recipient.String
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
