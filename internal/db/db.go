package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DB is the sqlite handle holding sync runs and the upload outbox.
type DB struct {
	*sql.DB
	driver string
}

// Tx is a transaction opened through DB.Begin.
type Tx struct {
	*sql.Tx
	db *DB
}

// Config is the [database] table of the config file.
type Config struct {
	Driver          string        `toml:"driver"`
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time"`
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// DefaultConfig returns a file-backed SQLite configuration. SQLite allows a
// single writer, so the pool is capped at one open connection.
func DefaultConfig() Config {
	return Config{
		Driver:       "sqlite3",
		DSN:          "vitalsync.db?_busy_timeout=5000",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
}

var (
	ErrNotFound   = errors.New("db: not found")
	ErrDuplicate  = errors.New("db: duplicate key")
	ErrForeignKey = errors.New("db: foreign key violation")
)

// sqlite3 reports constraint violations only through the message text.
const (
	msgUnique     = "UNIQUE constraint failed"
	msgPrimaryKey = "PRIMARY KEY constraint failed"
	msgForeignKey = "FOREIGN KEY constraint failed"
)

// Open connects and pings. For sqlite3 it turns on foreign key enforcement
// and pins :memory: databases to one connection, since every connection
// would otherwise see its own empty database.
func Open(driver, dsn string) (*DB, error) {
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if driver == "sqlite3" {
		if strings.Contains(dsn, ":memory:") {
			conn.SetMaxOpenConns(1)
		}
		if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	return &DB{DB: conn, driver: driver}, nil
}

// OpenWithConfig opens config.DSN, applies the non-zero pool limits and
// migrates the schema unless SkipMigrations is set.
func OpenWithConfig(config Config) (*DB, error) {
	db, err := Open(config.Driver, config.DSN)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	if config.SkipMigrations {
		return db, nil
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Driver() string {
	return db.driver
}

func (db *DB) Begin() (*Tx, error) {
	tx, err := db.DB.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, db: db}, nil
}

// WithTransaction runs fn in one transaction. It commits when fn returns nil
// and rolls back when fn fails or panics; a panic is re-raised afterwards.
func (db *DB) WithTransaction(fn func(*Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsNotFound matches ErrNotFound and sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate matches ErrDuplicate and sqlite unique or primary key
// violations.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, msgUnique) || strings.Contains(msg, msgPrimaryKey)
}

// IsForeignKey matches ErrForeignKey and sqlite foreign key violations.
func IsForeignKey(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrForeignKey) || strings.Contains(err.Error(), msgForeignKey)
}
