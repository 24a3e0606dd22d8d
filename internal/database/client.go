package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/market-sync/pkg/config"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"
)

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Client is the relational store shared by every sync component
type Client struct {
	db            *sql.DB
	dialect       Dialect
	logger        *logrus.Entry
	statementRows int
}

// Open connects to the store selected by cfg.Store.Driver
func Open(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	switch cfg.Store.Driver {
	case "mysql":
		return OpenMySQL(&cfg.MySQL, cfg.Writer.StatementRows, logger)
	case "sqlite":
		return OpenSQLite(cfg.Store.Path, cfg.Writer.StatementRows, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// OpenMySQL creates a MySQL-backed client
func OpenMySQL(cfg *config.MySQLConfig, statementRows int, logger *logrus.Logger) (*Client, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&multiStatements=true",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	logger.WithField("dsn", fmt.Sprintf("%s:***@tcp(%s:%d)/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)).Debug("Connecting to MySQL")

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return newClient(db, MySQL, statementRows, logger)
}

// OpenSQLite creates an embedded SQLite-backed client at path
func OpenSQLite(path string, statementRows int, logger *logrus.Logger) (*Client, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)"
	logger.WithField("path", path).Debug("Opening SQLite store")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}

	// one writer at a time; workers queue on the pool instead of on SQLITE_BUSY
	db.SetMaxOpenConns(1)

	return newClient(db, SQLite, statementRows, logger)
}

func newClient(db *sql.DB, dialect Dialect, statementRows int, logger *logrus.Logger) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s store: %w", dialect, err)
	}

	if statementRows <= 0 {
		statementRows = 500
	}

	return &Client{
		db:            db,
		dialect:       dialect,
		logger:        logger.WithField("component", "store"),
		statementRows: statementRows,
	}, nil
}

// DB exposes the underlying handle
func (c *Client) DB() *sql.DB {
	return c.db
}

// Dialect returns the SQL dialect in use
func (c *Client) Dialect() Dialect {
	return c.dialect
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database health
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return c.db.PingContext(ctx)
}

// ExecTx executes fn within a transaction, rolling back on error or panic
func (c *Client) ExecTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
