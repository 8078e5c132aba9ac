// Package sqlite implements the local store of the Horus client on top of
// an embedded SQLite database: schema migration, the entity registry,
// control records, the action log, and entity row access.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// DatabaseFile is the name of the database inside the data directory.
const DatabaseFile = "horus.db"

// Backend owns the SQLite connection. Components of the store share one
// attached Backend and fail with ErrStoreDetached once it is detached.
type Backend struct {
	mu       sync.RWMutex
	attached bool
	config   types.Config
	db       *sql.DB
	log      logrus.FieldLogger
	now      func() time.Time

	schemeMu sync.RWMutex
	schemes  map[string]types.EntityScheme
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger used by the backend and its components.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Backend) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock replaces time.Now for timestamps written by the store.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		log: logging.Discard(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach opens (or creates) the database under config.DataDir, applies
// connection pragmas, and creates the bookkeeping tables. Existing data is
// kept so the store survives restarts.
// Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}

	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(config.DataDir, DatabaseFile)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// One connection serializes writers, which keeps action ordering
	// consistent with commit order and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := setPragmas(ctx, db, b.log); err != nil {
		db.Close()
		return err
	}
	for _, stmt := range coreDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("creating core tables: %w", err)
		}
	}

	b.db = db
	b.config = config
	b.attached = true
	b.invalidateSchemes()

	b.log.WithField("path", dbPath).Debug("store attached")
	return nil
}

// setPragmas configures SQLite for WAL mode and enforced foreign keys.
func setPragmas(ctx context.Context, db *sql.DB, log logrus.FieldLogger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA busy_timeout = 5000", "busy timeout"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}
		log.WithField("pragma", p.desc).Trace("pragma set")
	}
	return nil
}

// Detach closes the database. After Detach, all operations return
// ErrStoreDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			return err
		}
		b.db = nil
	}
	b.attached = false
	b.invalidateSchemes()
	return nil
}

// Destroy detaches the backend and removes the database files. It is used
// to reset a device to a pristine state.
func (b *Backend) Destroy() error {
	b.mu.RLock()
	dir := b.config.DataDir
	b.mu.RUnlock()

	if err := b.Detach(); err != nil {
		return err
	}
	if dir == "" {
		return nil
	}
	base := filepath.Join(dir, DatabaseFile)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// Config returns the configuration the backend was attached with.
func (b *Backend) Config() types.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// Logger returns the backend logger.
func (b *Backend) Logger() logrus.FieldLogger {
	return b.log
}

// Now returns the store clock's current time.
func (b *Backend) Now() time.Time {
	return b.now()
}

// conn returns the open database or ErrStoreDetached.
func (b *Backend) conn() (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrStoreDetached
	}
	return b.db, nil
}

// withTx runs fn inside a transaction and commits when fn succeeds.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TableCount returns the number of user tables in the database, including
// bookkeeping tables.
func (b *Backend) TableCount(ctx context.Context) (int, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting tables: %w", err)
	}
	return n, nil
}

// TableColumns returns the column names of table in storage order.
func (b *Backend) TableColumns(ctx context.Context, table string) ([]string, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	return tableColumns(ctx, db, table)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func tableColumns(ctx context.Context, q querier, table string) ([]string, error) {
	if !types.IsValidIdentifier(table) {
		return nil, fmt.Errorf("%q: %w", table, types.ErrInvalidIdentifier)
	}
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning column name: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func tableExists(ctx context.Context, q querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return n > 0, nil
}

// generateUUID generates a new UUID v7 for entity IDs.
func generateUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to UUID v4 if v7 generation fails
		return uuid.New().String()
	}
	return id.String()
}
