package retained

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore keeps retained packets in a SQLite table. It suits single-node
// deployments that want retained values to survive restarts without a
// database server.
type SQLiteStore struct {
	db        *sql.DB
	tableName string
	ownsDB    bool
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTable sets the table name. Default: "retained_packets"
func WithSQLiteTable(name string) SQLiteOption {
	return func(s *SQLiteStore) {
		s.tableName = name
	}
}

// OpenSQLite opens (or creates) the database at path and returns a store that
// closes it on Close. Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}

	s := NewSQLiteStore(db, opts...)
	s.ownsDB = true
	if err := s.CreateTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database. The table must be created using
// CreateTable() before use.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{
		db:        db,
		tableName: "retained_packets",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQLiteStore) table() string {
	return `"` + strings.ReplaceAll(s.tableName, `"`, `""`) + `"`
}

// CreateTable creates the retained table if it doesn't exist.
func (s *SQLiteStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			topic TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`, s.table())

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteStore) StoreRetained(ctx context.Context, p Packet) error {
	act, err := classify(p)
	if err != nil {
		return err
	}

	switch act {
	case actionDelete:
		return s.Delete(ctx, p.Topic)
	case actionUpsert:
		query := fmt.Sprintf(`
			INSERT INTO %s (topic, payload, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (topic)
			DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
		`, s.table())
		_, err := s.db.ExecContext(ctx, query, p.Topic, p.Payload, time.Now().UnixNano())
		return err
	}
	return nil
}

func (s *SQLiteStore) LookupRetained(ctx context.Context, topic string) (Packet, error) {
	query := fmt.Sprintf(`SELECT payload, updated_at FROM %s WHERE topic = ?`, s.table())

	var updated int64
	p := Packet{Topic: topic, Retain: true}
	err := s.db.QueryRowContext(ctx, query, topic).Scan(&p.Payload, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Packet{}, ErrNotFound
		}
		return Packet{}, err
	}
	p.UpdatedAt = time.Unix(0, updated)
	return p, nil
}

func (s *SQLiteStore) Topics(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT topic FROM %s
		WHERE substr(topic, 1, length(?)) = ?
		ORDER BY topic
	`, s.table())

	rows, err := s.db.QueryContext(ctx, query, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := make([]string, 0)
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, topic string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE topic = ?`, s.table())
	_, err := s.db.ExecContext(ctx, query, topic)
	return err
}

// Close closes the database only if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
