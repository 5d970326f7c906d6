// Package postgres provides a PostgreSQL implementation of the EventStore
// backed by one append-only table per logical store, using a pgx pool.
package postgres

import (
	"context"
	"fmt"
	stdSync "sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aklyachkin/syncwire/cursor"
	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/storage"
)

const (
	opAppend    = "postgres.Append"
	opReadRange = "postgres.ReadRange"
	opHead      = "postgres.Head"
	opReset     = "postgres.Reset"

	component = "storage/postgres"

	// Rows per INSERT batch. Postgres has no practical parameter limit at
	// this size; chunking keeps statements bounded and mirrors the sqlite
	// backend's behavior.
	insertChunkSize = 100
)

// Config holds configuration options for the Store.
type Config struct {
	// DatabaseURL is the postgres connection string.
	DatabaseURL string

	// FormatVersion prefixes every per-store table name.
	FormatVersion int

	// Pool settings.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.FormatVersion == 0 {
		c.FormatVersion = 7
	}
	if c.MaxConns == 0 {
		c.MaxConns = 20
	}
	if c.MinConns == 0 {
		c.MinConns = 5
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 10 * time.Minute
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
}

// Store implements storage.EventStore for PostgreSQL.
type Store struct {
	pool          *pgxpool.Pool
	formatVersion int
	logger        *logging.Logger

	mu     stdSync.RWMutex
	closed bool
	tables map[string]bool
}

var _ storage.EventStore = (*Store)(nil)

// New connects a pool and returns a Store.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("DatabaseURL is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = config.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Store{
		pool:          pool,
		formatVersion: config.FormatVersion,
		logger:        logging.WithComponent(component),
		tables:        make(map[string]bool),
	}, nil
}

// NewWithPool wraps an existing pool; the caller keeps ownership of it.
func NewWithPool(pool *pgxpool.Pool, formatVersion int) *Store {
	if formatVersion == 0 {
		formatVersion = 7
	}
	return &Store{
		pool:          pool,
		formatVersion: formatVersion,
		logger:        logging.WithComponent(component),
		tables:        make(map[string]bool),
	}
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrStoreClosed
	}
	return nil
}

func (s *Store) tableName(storeID string) string {
	return storage.TableName(s.formatVersion, storeID)
}

func (s *Store) ensureTable(ctx context.Context, storeID string) (string, error) {
	table := s.tableName(storeID)

	s.mu.RLock()
	known := s.tables[table]
	s.mu.RUnlock()
	if known {
		return table, nil
	}

	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        seq_num         BIGINT PRIMARY KEY,
        parent_seq_num  BIGINT NOT NULL,
        name            TEXT NOT NULL,
        args            JSONB,
        created_at      TIMESTAMPTZ NOT NULL,
        client_id       TEXT NOT NULL,
        session_id      TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%s_seq ON %s (seq_num);
    `, table, table, table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return "", syncErrors.WrapOpComponentKind(err, "postgres.ensureTable", component, syncErrors.KindStorage)
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return table, nil
}

// Append implements storage.EventStore. The head check and inserts run in
// one transaction holding an advisory lock on the table name, so concurrent
// appends to the same store are mutually exclusive across processes.
func (s *Store) Append(ctx context.Context, storeID string, batch []storage.PendingEvent, createdAt time.Time) ([]storage.EventRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(batch); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	table, err := s.ensureTable(ctx, storeID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}

	var head int64
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq_num), 0) FROM %s`, table)).Scan(&head); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}

	if batch[0].ParentSeqNum != head {
		return nil, storage.ConflictError(opAppend, batch[0].ParentSeqNum, head)
	}

	records := storage.Numbered(batch, head, createdAt)

	insertSQL := fmt.Sprintf(`INSERT INTO %s
        (seq_num, parent_seq_num, name, args, created_at, client_id, session_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`, table)

	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}

		pgBatch := &pgx.Batch{}
		for _, rec := range records[start:end] {
			var rawArgs interface{}
			if rec.Args != nil {
				rawArgs = []byte(rec.Args)
			}
			pgBatch.Queue(insertSQL, rec.SeqNum, rec.ParentSeqNum, rec.Name,
				rawArgs, rec.CreatedAt.UTC(), rec.ClientID, rec.SessionID)
		}

		if err := tx.SendBatch(ctx, pgBatch).Close(); err != nil {
			return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}

	return records, nil
}

// ReadRange implements storage.EventStore.
func (s *Store) ReadRange(ctx context.Context, storeID string, from cursor.Cursor, limit int) ([]storage.EventRecord, int64, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}

	table, err := s.ensureTable(ctx, storeID)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT seq_num, parent_seq_num, name, args, created_at, client_id, session_id
        FROM %s WHERE seq_num > $1 ORDER BY seq_num ASC`, table)
	sqlArgs := []interface{}{from.Seq}
	if limit > 0 {
		query += " LIMIT $2"
		sqlArgs = append(sqlArgs, limit)
	}

	rows, err := s.pool.Query(ctx, query, sqlArgs...)
	if err != nil {
		return nil, 0, syncErrors.WrapOpComponentKind(err, opReadRange, component, syncErrors.KindStorage)
	}
	defer rows.Close()

	var records []storage.EventRecord
	for rows.Next() {
		var rec storage.EventRecord
		var rawArgs []byte
		if err := rows.Scan(&rec.SeqNum, &rec.ParentSeqNum, &rec.Name, &rawArgs,
			&rec.CreatedAt, &rec.ClientID, &rec.SessionID); err != nil {
			return nil, 0, syncErrors.WrapOpComponentKind(err, opReadRange, component, syncErrors.KindStorage)
		}
		rec.Args = rawArgs
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, syncErrors.WrapOpComponentKind(err, opReadRange, component, syncErrors.KindStorage)
	}

	var remaining int64
	if limit > 0 && len(records) == limit {
		last := records[len(records)-1].SeqNum
		if err := s.pool.QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE seq_num > $1`, table), last).Scan(&remaining); err != nil {
			return nil, 0, syncErrors.WrapOpComponentKind(err, opReadRange, component, syncErrors.KindStorage)
		}
	}

	return records, remaining, nil
}

// Head implements storage.EventStore.
func (s *Store) Head(ctx context.Context, storeID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	table, err := s.ensureTable(ctx, storeID)
	if err != nil {
		return 0, err
	}

	var head int64
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq_num), 0) FROM %s`, table)).Scan(&head)
	if err != nil {
		return 0, syncErrors.WrapOpComponentKind(err, opHead, component, syncErrors.KindStorage)
	}
	return head, nil
}

// Reset implements storage.EventStore.
func (s *Store) Reset(ctx context.Context, storeID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	table := s.tableName(storeID)

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return syncErrors.WrapOpComponentKind(err, opReset, component, syncErrors.KindStorage)
	}

	s.mu.Lock()
	delete(s.tables, table)
	s.mu.Unlock()

	_, err := s.ensureTable(ctx, storeID)
	if err == nil {
		s.logger.Info("store reset", "store_id", storeID)
	}
	return err
}

// Close closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}
