package retained

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps retained packets in a PostgreSQL table keyed by topic.
type PostgresStore struct {
	pool      *pgxpool.Pool
	schema    string
	tableName string
	unlogged  bool
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithSchema sets the PostgreSQL schema for the table.
// Default: "public"
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) {
		s.schema = schema
	}
}

// WithTableName sets the table name.
// Default: "retained_packets"
func WithTableName(name string) PostgresOption {
	return func(s *PostgresStore) {
		s.tableName = name
	}
}

// WithUnlogged creates an UNLOGGED table. Writes are faster but the table is
// truncated after a crash. Default: false
func WithUnlogged(unlogged bool) PostgresOption {
	return func(s *PostgresStore) {
		s.unlogged = unlogged
	}
}

// NewPostgresStore creates a PostgreSQL-backed store.
// The table must be created using CreateTable() before use.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool:      pool,
		schema:    "public",
		tableName: "retained_packets",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, s.tableName}.Sanitize()
}

// CreateTable creates the retained table if it doesn't exist.
func (s *PostgresStore) CreateTable(ctx context.Context) error {
	unlogged := ""
	if s.unlogged {
		unlogged = "UNLOGGED"
	}

	query := fmt.Sprintf(`
		CREATE %s TABLE IF NOT EXISTS %s (
			topic TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, unlogged, s.table())

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *PostgresStore) StoreRetained(ctx context.Context, p Packet) error {
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
			VALUES ($1, $2, NOW())
			ON CONFLICT (topic)
			DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
		`, s.table())
		_, err := s.pool.Exec(ctx, query, p.Topic, p.Payload)
		return err
	}
	return nil
}

func (s *PostgresStore) LookupRetained(ctx context.Context, topic string) (Packet, error) {
	query := fmt.Sprintf(`SELECT payload, updated_at FROM %s WHERE topic = $1`, s.table())

	p := Packet{Topic: topic, Retain: true}
	err := s.pool.QueryRow(ctx, query, topic).Scan(&p.Payload, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Packet{}, ErrNotFound
		}
		return Packet{}, err
	}
	return p, nil
}

func (s *PostgresStore) Topics(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT topic FROM %s
		WHERE starts_with(topic, $1)
		ORDER BY topic
	`, s.table())

	rows, err := s.pool.Query(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Delete(ctx context.Context, topic string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE topic = $1`, s.table())
	_, err := s.pool.Exec(ctx, query, topic)
	return err
}

// Close does NOT close the pool as it may be shared with other components.
func (s *PostgresStore) Close() error {
	return nil
}
