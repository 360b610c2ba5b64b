package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres.go handles PostgreSQL database operations
type Postgres struct {
	db *sql.DB
}

// creates a new Postgres instance
func NewPostgres(connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an already opened handle.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(36) PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		role VARCHAR(32) NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR(36) PRIMARY KEY,
		owner_id VARCHAR(36) NOT NULL REFERENCES users(id),
		account_number VARCHAR(20) NOT NULL UNIQUE,
		type VARCHAR(32) NOT NULL,
		balance DECIMAL(20, 2) NOT NULL CHECK (balance >= 0),
		status VARCHAR(16) NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(40) PRIMARY KEY,
		requester_id VARCHAR(36) NOT NULL,
		sender_account_id VARCHAR(36) NOT NULL REFERENCES accounts(id),
		sender_account_number VARCHAR(20) NOT NULL,
		receiver_account_id VARCHAR(36) REFERENCES accounts(id),
		receiver_account_number VARCHAR(20),
		type VARCHAR(16) NOT NULL,
		amount DECIMAL(20, 2) NOT NULL CHECK (amount >= 0),
		status VARCHAR(16) NOT NULL,
		reference VARCHAR(64) UNIQUE,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (status, created_at);`,
	`CREATE INDEX IF NOT EXISTS transactions_sender_idx ON transactions (sender_account_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS transactions_receiver_idx ON transactions (receiver_account_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS transaction_authorizations (
		id VARCHAR(36) PRIMARY KEY,
		transaction_id VARCHAR(40) NOT NULL UNIQUE REFERENCES transactions(id),
		approver_id VARCHAR(36),
		status VARCHAR(16) NOT NULL,
		denial_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS account_requests (
		id VARCHAR(40) PRIMARY KEY,
		requester_id VARCHAR(36) NOT NULL,
		account_type VARCHAR(32) NOT NULL,
		initial_balance DECIMAL(20, 2) NOT NULL CHECK (initial_balance >= 0),
		reason TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		approver_id VARCHAR(36),
		decided_at TIMESTAMP,
		rejection_reason TEXT NOT NULL DEFAULT '',
		account_id VARCHAR(36),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS account_requests_status_idx ON account_requests (status, created_at);`,
	`CREATE TABLE IF NOT EXISTS profile_update_requests (
		id VARCHAR(40) PRIMARY KEY,
		requester_id VARCHAR(36) NOT NULL,
		field VARCHAR(32) NOT NULL,
		current_value TEXT NOT NULL DEFAULT '',
		requested_value TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		approver_id VARCHAR(36),
		decided_at TIMESTAMP,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS profile_update_requests_status_idx ON profile_update_requests (status, created_at);`,
	`CREATE INDEX IF NOT EXISTS transactions_requester_idx ON transactions (requester_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS account_requests_requester_idx ON account_requests (requester_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS profile_update_requests_requester_idx ON profile_update_requests (requester_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS decision_log (
		id VARCHAR(36) PRIMARY KEY,
		request_id VARCHAR(40) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		approver_id VARCHAR(36) NOT NULL,
		action VARCHAR(16) NOT NULL,
		status VARCHAR(16) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS decision_log_approver_idx ON decision_log (approver_id, created_at);`,
}

// initialize the database schema
func (p *Postgres) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a SQL transaction, committing only if fn succeeds.
func (p *Postgres) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
