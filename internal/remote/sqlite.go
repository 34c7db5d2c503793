// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package remote

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	// SQLite driver for the local-dev remote backend.
	_ "github.com/mattn/go-sqlite3"

	"github.com/verselab/recall/internal/logging"
)

// SQLiteBackend implements Store and Registry over a local SQLite database.
// It reproduces the ledger semantics of the hosted table network: CREATE
// TABLE statements mint a token in the registry and the concrete table
// identifier becomes "{prefix}_{chainID}_{tokenID}"; minting and ownership
// transfers emit ordered transfer events that Recover folds to reconstruct
// a user's owned set.
//
// It is the backend for local development and for tests that need real SQL
// atomicity. Production deployments substitute a network-backed Store.
type SQLiteBackend struct {
	db      *sql.DB
	chainID int64

	// SQLite allows a single writer; batches are serialized here rather
	// than relying on driver-level busy retries.
	mu sync.Mutex
}

// createTableRe splits "CREATE TABLE prefix (cols...)" into the requested
// prefix and the column definition tail.
var createTableRe = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+([A-Za-z_][A-Za-z0-9_]*)\s*(\(.*)$`)

// OpenSQLite opens (or creates) a SQLite-backed remote store. The chainID
// scopes every minted table identifier.
func OpenSQLite(dsn string, chainID int64) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	b := &SQLiteBackend{db: db, chainID: chainID}
	if err := b.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Info().Str("dsn", dsn).Int64("chain_id", chainID).Msg("sqlite remote backend opened")
	return b, nil
}

func (b *SQLiteBackend) bootstrap() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS registry_tables (
			token_id INTEGER PRIMARY KEY AUTOINCREMENT,
			prefix TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS registry_transfers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_addr TEXT NOT NULL,
			to_addr TEXT NOT NULL,
			token_id INTEGER NOT NULL,
			block_order INTEGER NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap registry: %w", err)
		}
	}
	return nil
}

// Batch executes the statements in one SQL transaction, in insertion order.
// Any statement failure rolls the whole transaction back; no partial rows
// remain visible.
func (b *SQLiteBackend) Batch(ctx context.Context, stmts []Statement) ([]Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Unavailable("batch", err)
	}

	results := make([]Result, 0, len(stmts))
	for i, st := range stmts {
		if m := createTableRe.FindStringSubmatch(st.SQL); m != nil {
			name, err := b.mintTable(ctx, tx, m[1], m[2])
			if err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("batch statement %d: %w", i, err)
			}
			results = append(results, Result{TableName: name})
			continue
		}

		res, err := tx.ExecContext(ctx, st.SQL, st.Args...)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("batch statement %d: %w", i, err)
		}
		affected, _ := res.RowsAffected()
		results = append(results, Result{RowsAffected: affected})
	}

	if err := tx.Commit(); err != nil {
		return nil, Unavailable("batch commit", err)
	}
	return results, nil
}

// mintTable registers a new token, creates the concrete table, and emits the
// mint transfer event, all inside the batch transaction.
func (b *SQLiteBackend) mintTable(ctx context.Context, tx *sql.Tx, prefix, tail string) (string, error) {
	owner := CallerFrom(ctx)
	if owner == "" {
		return "", fmt.Errorf("create table %s: %w", prefix, ErrUnauthorized)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO registry_tables (prefix, owner) VALUES (?, ?)`, prefix, owner)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	tokenID, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("mint token id: %w", err)
	}

	name := fmt.Sprintf("%s_%d_%d", prefix, b.chainID, tokenID)
	if _, err := tx.ExecContext(ctx,
		`UPDATE registry_tables SET name = ? WHERE token_id = ?`, name, tokenID); err != nil {
		return "", fmt.Errorf("record table name: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "CREATE TABLE "+name+" "+tail); err != nil {
		return "", fmt.Errorf("create table %s: %w", name, err)
	}

	if err := b.emitTransfer(ctx, tx, ZeroAddress, owner, tokenID); err != nil {
		return "", err
	}

	logging.Debug().Str("table", name).Str("owner", owner).Msg("table minted")
	return name, nil
}

func (b *SQLiteBackend) emitTransfer(ctx context.Context, tx *sql.Tx, from, to string, tokenID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO registry_transfers (from_addr, to_addr, token_id, block_order)
		SELECT ?, ?, ?, COALESCE(MAX(block_order), 0) + 1 FROM registry_transfers`,
		from, to, tokenID)
	if err != nil {
		return fmt.Errorf("emit transfer event: %w", err)
	}
	return nil
}

// Query runs a read-only statement and returns generic rows.
func (b *SQLiteBackend) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query scan: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if bs, ok := vals[i].([]byte); ok {
				row[col] = string(bs)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	return out, nil
}

// Exists probes for a concrete table identifier with a bounded read.
func (b *SQLiteBackend) Exists(ctx context.Context, table string) error {
	var name string
	err := b.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ? LIMIT 1`,
		table).Scan(&name)
	if err == sql.ErrNoRows {
		return ErrTableNotFound
	}
	if err != nil {
		return Unavailable("exists probe", err)
	}
	return nil
}

// TransferEventsInvolving returns the transfer events where address appears
// as sender or receiver, in block order.
func (b *SQLiteBackend) TransferEventsInvolving(ctx context.Context, address string) ([]TransferEvent, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT from_addr, to_addr, token_id, block_order
		FROM registry_transfers
		WHERE from_addr = ? OR to_addr = ?
		ORDER BY block_order`, address, address)
	if err != nil {
		return nil, Unavailable("transfer events", err)
	}
	defer rows.Close()

	var events []TransferEvent
	for rows.Next() {
		var ev TransferEvent
		if err := rows.Scan(&ev.From, &ev.To, &ev.TokenID, &ev.BlockOrder); err != nil {
			return nil, fmt.Errorf("scan transfer event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("transfer events", err)
	}
	return events, nil
}

// OwnerOf returns the current owner of a token.
func (b *SQLiteBackend) OwnerOf(ctx context.Context, tokenID int64) (string, error) {
	var owner string
	err := b.db.QueryRowContext(ctx,
		`SELECT owner FROM registry_tables WHERE token_id = ?`, tokenID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("token %d: %w", tokenID, ErrTableNotFound)
	}
	if err != nil {
		return "", Unavailable("owner lookup", err)
	}
	return owner, nil
}

// TableNameOf returns the concrete table identifier minted for a token.
func (b *SQLiteBackend) TableNameOf(ctx context.Context, tokenID int64) (string, error) {
	var name string
	err := b.db.QueryRowContext(ctx,
		`SELECT name FROM registry_tables WHERE token_id = ?`, tokenID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("token %d: %w", tokenID, ErrTableNotFound)
	}
	if err != nil {
		return "", Unavailable("table name lookup", err)
	}
	return name, nil
}

// TransferTable moves a token to a new owner and emits the transfer event.
// The caller (from context) must be the current owner.
func (b *SQLiteBackend) TransferTable(ctx context.Context, tokenID int64, to string) error {
	caller := CallerFrom(ctx)
	if caller == "" {
		return ErrUnauthorized
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable("transfer", err)
	}

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT owner FROM registry_tables WHERE token_id = ?`, tokenID).Scan(&owner)
	if err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return fmt.Errorf("token %d: %w", tokenID, ErrTableNotFound)
		}
		return Unavailable("transfer", err)
	}
	if owner != caller {
		tx.Rollback()
		return fmt.Errorf("token %d owned by %s: %w", tokenID, owner, ErrUnauthorized)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE registry_tables SET owner = ? WHERE token_id = ?`, to, tokenID); err != nil {
		tx.Rollback()
		return fmt.Errorf("transfer token %d: %w", tokenID, err)
	}
	if err := b.emitTransfer(ctx, tx, owner, to, tokenID); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return Unavailable("transfer commit", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
