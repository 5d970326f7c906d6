// Package sqlite provides a SQLite implementation of the EventStore backed
// by one append-only table per logical store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	stdSync "sync"
	"time"

	"github.com/aklyachkin/syncwire/cursor"
	syncErrors "github.com/aklyachkin/syncwire/errors"
	"github.com/aklyachkin/syncwire/logging"
	"github.com/aklyachkin/syncwire/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const (
	opAppend    = "sqlite.Append"
	opReadRange = "sqlite.ReadRange"
	opHead      = "sqlite.Head"
	opReset     = "sqlite.Reset"

	component = "storage/sqlite"

	// Chunk size for multi-row inserts. SQLite bounds host parameters per
	// statement; 100 rows of 7 columns stays well under the default limit.
	insertChunkSize = 100
)

// Config holds configuration options for the Store.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Recommended for production use; appended to DataSourceName when set.
	EnableWAL bool

	// FormatVersion prefixes every per-store table name. Bumping it
	// abandons old logs.
	FormatVersion int

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.FormatVersion == 0 {
		c.FormatVersion = 7
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			sep := "?"
			if strings.Contains(c.DataSourceName, "?") {
				sep = "&"
			}
			c.DataSourceName += sep + "_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements storage.EventStore for SQLite.
type Store struct {
	db            *sql.DB
	formatVersion int
	logger        *logging.Logger

	mu     stdSync.RWMutex
	closed bool

	// Append serialization. SQLite allows one writer at a time anyway; the
	// lock makes the head-check-then-insert critical section explicit and
	// keeps conflict errors deterministic.
	appendMu stdSync.Mutex
	tables   map[string]bool // tables known to exist
}

var _ storage.EventStore = (*Store)(nil)

// New creates a Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	return &Store{
		db:            db,
		formatVersion: config.FormatVersion,
		logger:        logging.WithComponent(component),
		tables:        make(map[string]bool),
	}, nil
}

// NewWithDataSource is a convenience constructor using DefaultConfig.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
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

// ensureTable creates the per-store table on first touch.
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
        seq_num         INTEGER PRIMARY KEY,
        parent_seq_num  INTEGER NOT NULL,
        name            TEXT NOT NULL,
        args            TEXT,
        created_at      TIMESTAMP NOT NULL,
        client_id       TEXT NOT NULL,
        session_id      TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%s_seq ON %s (seq_num);
    `, table, table, table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return "", syncErrors.WrapOpComponentKind(err, "sqlite.ensureTable", component, syncErrors.KindStorage)
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return table, nil
}

// Append implements storage.EventStore.
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

	// Head check and insert must be mutually exclusive per store.
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var head int64
	if err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq_num), 0) FROM %s`, table)).Scan(&head); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}

	if batch[0].ParentSeqNum != head {
		err = storage.ConflictError(opAppend, batch[0].ParentSeqNum, head)
		return nil, err
	}

	records := storage.Numbered(batch, head, createdAt)

	// Chunk the logically-single batch into multiple physical inserts; the
	// surrounding transaction keeps the append all-or-nothing.
	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}
		if err = insertChunk(ctx, tx, table, records[start:end]); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}

	return records, nil
}

func insertChunk(ctx context.Context, tx *sql.Tx, table string, records []storage.EventRecord) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (seq_num, parent_seq_num, name, args, created_at, client_id, session_id) VALUES `, table)

	args := make([]interface{}, 0, len(records)*7)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")

		var rawArgs interface{}
		if rec.Args != nil {
			rawArgs = string(rec.Args)
		}
		args = append(args, rec.SeqNum, rec.ParentSeqNum, rec.Name, rawArgs,
			rec.CreatedAt.UTC(), rec.ClientID, rec.SessionID)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return syncErrors.WrapOpComponentKind(err, opAppend, component, syncErrors.KindStorage)
	}
	return nil
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
        FROM %s WHERE seq_num > ? ORDER BY seq_num ASC`, table)
	sqlArgs := []interface{}{from.Seq}
	if limit > 0 {
		query += " LIMIT ?"
		sqlArgs = append(sqlArgs, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, sqlArgs...)
	if err != nil {
		return nil, 0, syncErrors.WrapOpComponentKind(err, opReadRange, component, syncErrors.KindStorage)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, syncErrors.WrapOpComponentKind(err, opReadRange, component, syncErrors.KindStorage)
	}

	var remaining int64
	if limit > 0 && len(records) == limit {
		last := records[len(records)-1].SeqNum
		if err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE seq_num > ?`, table), last).Scan(&remaining); err != nil {
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
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(seq_num), 0) FROM %s`, table)).Scan(&head)
	if err != nil {
		return 0, syncErrors.WrapOpComponentKind(err, opHead, component, syncErrors.KindStorage)
	}
	return head, nil
}

// Reset implements storage.EventStore. Drops and recreates the table so
// numbering restarts at 1.
func (s *Store) Reset(ctx context.Context, storeID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	table := s.tableName(storeID)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
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

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

func scanRecords(rows *sql.Rows) ([]storage.EventRecord, error) {
	var records []storage.EventRecord
	for rows.Next() {
		var rec storage.EventRecord
		var rawArgs sql.NullString
		if err := rows.Scan(&rec.SeqNum, &rec.ParentSeqNum, &rec.Name, &rawArgs,
			&rec.CreatedAt, &rec.ClientID, &rec.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if rawArgs.Valid {
			rec.Args = []byte(rawArgs.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}
