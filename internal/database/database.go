// Package database defines the insertions and transactions to the database
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema is kept to the subset of DDL that both mysql and sqlite accept so
// the same statements back migrations and tests.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS user (
		id BIGINT PRIMARY KEY,
		email VARCHAR(255) NOT NULL DEFAULT '',
		credits BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS session (
		token VARCHAR(191) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credit_spend (
		id CHAR(26) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		tool VARCHAR(128) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS custom_character (
		character_uniqid VARCHAR(191) PRIMARY KEY,
		user_id BIGINT NOT NULL DEFAULT 0,
		image TEXT,
		alt_prompt TEXT,
		character_description TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS style_template (
		id VARCHAR(191) PRIMARY KEY,
		prompt TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS image_generation (
		id CHAR(26) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		prompt TEXT NOT NULL,
		model VARCHAR(128) NOT NULL,
		url TEXT NOT NULL,
		tool VARCHAR(128) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS generation_log (
		id CHAR(26) PRIMARY KEY,
		user_id BIGINT NOT NULL,
		status INT NOT NULL,
		consumed_credit BIGINT NOT NULL DEFAULT 0,
		model VARCHAR(128) NOT NULL DEFAULT '',
		tool VARCHAR(128) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS daily_spend (
		date CHAR(10) NOT NULL,
		user_id BIGINT NOT NULL,
		model VARCHAR(128) NOT NULL,
		tool VARCHAR(128) NOT NULL,
		request_count BIGINT NOT NULL DEFAULT 0,
		image_count BIGINT NOT NULL DEFAULT 0,
		total_spend BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (date, user_id, model, tool)
	)`,
}

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed migrating statement %d: %w", i, err)
		}
	}
	return nil
}

// ExecuteTransaction executes one transaction with one or multiple database executions.
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
