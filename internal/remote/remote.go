// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package remote defines the interfaces to the append-only remote relational
// store and the table-ownership registry, the error taxonomy shared by every
// component that talks to them, and two implementations: a SQLite-backed
// ledger used for local development and tests, and a circuit-breaker wrapper
// for production transports.
//
// The engine depends only on a narrow SQL surface: CREATE TABLE, INSERT,
// UPDATE, SELECT with WHERE/ORDER BY/LIMIT, and atomic multi-statement batch
// submission with a confirmable outcome.
package remote

import (
	"context"
)

// Statement is one SQL statement with bound arguments, submitted as part of
// an atomic batch.
type Statement struct {
	SQL  string
	Args []any
}

// Result is the confirmed outcome of one statement in a batch. For CREATE
// TABLE statements, TableName carries the concrete table identifier assigned
// by the remote store (the requested prefix plus chain and token suffixes).
type Result struct {
	TableName    string
	RowsAffected int64
}

// Row is a generic result row keyed by column name.
type Row map[string]any

// Store is the remote relational store. Batch is atomic across statements:
// either every statement is applied in insertion order and the whole batch is
// confirmed, or none are.
type Store interface {
	// Batch executes the statements as a single remote transaction.
	Batch(ctx context.Context, stmts []Statement) ([]Result, error)

	// Query runs a read-only statement and returns the matching rows.
	Query(ctx context.Context, query string, args ...any) ([]Row, error)

	// Exists performs a bounded existence probe against a concrete table
	// identifier. Returns ErrTableNotFound when the table does not resolve.
	Exists(ctx context.Context, table string) error
}

// TransferEvent is one ownership-transfer record from the table registry.
// A mint appears as a transfer from the zero address.
type TransferEvent struct {
	From       string
	To         string
	TokenID    int64
	BlockOrder uint64
}

// Registry is the table-ownership registry, the source of truth for which
// user owns which remote tables.
type Registry interface {
	// TransferEventsInvolving returns every transfer event where the address
	// appears as sender or receiver, ordered by block order.
	TransferEventsInvolving(ctx context.Context, address string) ([]TransferEvent, error)

	// OwnerOf returns the current owner address of a token.
	OwnerOf(ctx context.Context, tokenID int64) (string, error)

	// TableNameOf returns the concrete table identifier minted for a token.
	TableNameOf(ctx context.Context, tokenID int64) (string, error)
}

// Signer supplies the authenticated identity and authorizes remote writes.
// The engine treats signing as a black-box precondition: Authorize is called
// before any remote write batch and its failure aborts the sync attempt.
type Signer interface {
	Address() string
	Authorize(ctx context.Context) error
}

// StaticSigner is a Signer with a fixed identity that authorizes every
// write. It pairs with the SQLite backend for local development and tests;
// production hosts supply a wallet-backed implementation.
type StaticSigner struct {
	Addr string
}

// Address returns the fixed identity.
func (s StaticSigner) Address() string { return s.Addr }

// Authorize always succeeds.
func (s StaticSigner) Authorize(ctx context.Context) error { return nil }

// ZeroAddress is the mint source address in transfer events.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

type callerKey struct{}

// WithCaller annotates the context with the address on whose behalf a remote
// call is made. The SQLite backend uses it to attribute table ownership the
// way a transaction signer would on a real network.
func WithCaller(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, callerKey{}, address)
}

// CallerFrom extracts the caller address set by WithCaller, if any.
func CallerFrom(ctx context.Context) string {
	if addr, ok := ctx.Value(callerKey{}).(string); ok {
		return addr
	}
	return ""
}
