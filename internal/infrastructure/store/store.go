// Package store persists checkpoints and training metrics in SQLite or
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavor behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectFor picks the dialect of a DSN: postgres:// and postgresql:// URLs
// use PostgreSQL, anything else is a SQLite path.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// DB is a database handle shared by the checkpoint and metrics stores.
type DB struct {
	mu      sync.RWMutex
	db      *sql.DB
	dialect Dialect
	dsn     string
}

// Open connects to dsn and creates the schema when missing.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	dialect := DialectFor(dsn)

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case DialectPostgres:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	default:
		// One connection keeps :memory: databases alive and serializes writers.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: db, dialect: dialect, dsn: dsn}
	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

//go:embed migrations/*.sql
var migrations embed.FS

func newMigrator(db *sql.DB, dialect Dialect) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	gooseDialect := goose.DialectSQLite3
	if dialect == DialectPostgres {
		gooseDialect = goose.DialectPostgres
	}
	return goose.NewProvider(gooseDialect, db, fsys)
}

// initSchema applies the embedded migrations. The column types are understood
// by both dialects.
func (d *DB) initSchema(ctx context.Context) error {
	migrator, err := newMigrator(d.db, d.dialect)
	if err != nil {
		return err
	}
	_, err = migrator.Up(ctx)
	return err
}

// SchemaVersion returns the version of the last applied migration.
func (d *DB) SchemaVersion(ctx context.Context) (int64, error) {
	db, err := d.handle()
	if err != nil {
		return 0, err
	}
	migrator, err := newMigrator(db, d.dialect)
	if err != nil {
		return 0, err
	}
	return migrator.GetDBVersion(ctx)
}

// Dialect returns the SQL flavor.
func (d *DB) Dialect() Dialect { return d.dialect }

// DSN returns the connection string the DB was opened with.
func (d *DB) DSN() string { return d.dsn }

// Rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (d *DB) Rebind(query string) string {
	return rebind(d.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) handle() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, fmt.Errorf("database is closed")
	}
	return d.db, nil
}

// Exec executes a query without returning rows.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, d.Rebind(query), args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, d.Rebind(query), args...)
}

// BeginTx starts a transaction.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	db, err := d.handle()
	if err != nil {
		return nil, err
	}
	return db.BeginTx(ctx, nil)
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		err := d.db.Close()
		d.db = nil
		return err
	}
	return nil
}
