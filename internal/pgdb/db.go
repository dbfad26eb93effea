// Package pgdb wraps the relational store: pool construction, schema
// bootstrap, and the small catalog lookups shared by the pipeline commands.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous")
)

// Config holds connection parameters. Password is read from PasswordFile if
// set, otherwise Password is used directly.
type Config struct {
	Host         string
	Port         uint16
	DBName       string
	User         string
	Password     string
	PasswordFile string
}

func (c Config) connString() (string, error) {
	password := c.Password
	if c.PasswordFile != "" {
		raw, err := os.ReadFile(c.PasswordFile)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		password = strings.TrimSpace(string(raw))
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	return u.String(), nil
}

// DB is a pgx pool plus the accessors defined in this package.
type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, cfg Config) (*DB, error) {
	connString, err := cfg.connString()
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

// EnsureSchema creates any missing tables and indexes. All statements are
// idempotent so it is safe to call on every startup.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// DeferConstraints marks the named constraints deferred for the rest of the
// transaction. Bulk loads use this so parent and child rows can land in
// either order before commit.
func DeferConstraints(ctx context.Context, tx pgx.Tx, names ...string) error {
	if len(names) == 0 {
		return nil
	}
	stmt := "SET CONSTRAINTS " + strings.Join(names, ", ") + " DEFERRED"
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("defer constraints: %w", err)
	}
	return nil
}
