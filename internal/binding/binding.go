// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package binding resolves, for a given user, the set of remote table
// identifiers holding their data. It creates the tables on first use and,
// when the local binding is lost, reconstructs it from the ownership
// registry's transfer events.
package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/verselab/recall/internal/logging"
	"github.com/verselab/recall/internal/metrics"
	"github.com/verselab/recall/internal/remote"
	"github.com/verselab/recall/internal/store"
)

const bindingsCollection = "userTableBindings"

// Table name prefixes. A concrete remote identifier has the form
// "{prefix}_{chainID}_{tokenID}".
const (
	PrefixSessions         = "sessions"
	PrefixLineCards        = "line_cards"
	PrefixExerciseSessions = "exercise_sessions"
)

const expectedTables = 3

// Binding maps one user address to their three remote tables. Once created
// the identifiers are immutable; a binding is either fully present or absent.
type Binding struct {
	UserAddress           string    `json:"userAddress"`
	SessionsTable         string    `json:"sessionsTable"`
	LineCardsTable        string    `json:"lineCardsTable"`
	ExerciseSessionsTable string    `json:"exerciseSessionsTable"`
	ChainID               int64     `json:"chainId"`
	CreatedAt             time.Time `json:"createdAt"`
}

// complete reports whether all three identifiers are present.
func (b *Binding) complete() bool {
	return b.SessionsTable != "" && b.LineCardsTable != "" && b.ExerciseSessionsTable != ""
}

// Manager owns the userTableBindings collection and the remote DDL and
// recovery flows around it.
type Manager struct {
	bindings *store.Collection
	remote   remote.Store
	registry remote.Registry
	chainID  int64

	// probes throttles existence probes so a burst of Get calls cannot
	// hammer the remote store.
	probes *rate.Limiter

	now func() time.Time
}

// NewManager constructs a binding Manager over the given store and remote
// collaborators.
func NewManager(s *store.Store, r remote.Store, reg remote.Registry, chainID int64) *Manager {
	return &Manager{
		bindings: s.Collection(bindingsCollection),
		remote:   r,
		registry: reg,
		chainID:  chainID,
		probes:   rate.NewLimiter(rate.Every(200*time.Millisecond), expectedTables),
		now:      time.Now,
	}
}

// SetProbeLimiter replaces the existence probe rate limiter. Hosts that
// know their remote store tolerates more probe pressure can loosen it.
func (m *Manager) SetProbeLimiter(l *rate.Limiter) {
	m.probes = l
}

// Get returns the binding for a user, or nil if none exists. A locally
// persisted binding is verified with a bounded existence probe per table;
// if any table no longer resolves the stale binding is evicted and recovery
// is attempted.
func (m *Manager) Get(ctx context.Context, userAddress string) (*Binding, error) {
	var b Binding
	err := m.bindings.Get(userAddress, &b)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load binding %s: %w", userAddress, err)
	}

	// A persisted partial binding means a prior bug wrote around the
	// all-or-nothing rule. Surface it rather than repairing silently.
	if !b.complete() {
		return nil, &remote.InvariantViolationError{
			Detail: fmt.Sprintf("partial binding persisted for %s", userAddress),
		}
	}

	stale := false
	for _, table := range []string{b.SessionsTable, b.LineCardsTable, b.ExerciseSessionsTable} {
		if err := m.probe(ctx, table); err != nil {
			if errors.Is(err, remote.ErrTableNotFound) {
				stale = true
				break
			}
			return nil, err
		}
	}
	if !stale {
		return &b, nil
	}

	logging.Warn().
		Str("user", userAddress).
		Msg("persisted binding points at missing remote tables, evicting")
	if err := m.bindings.Delete(userAddress); err != nil {
		return nil, fmt.Errorf("evict stale binding %s: %w", userAddress, err)
	}

	recovered, err := m.Recover(ctx, userAddress)
	var incomplete *remote.BindingIncompleteError
	if errors.As(err, &incomplete) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return recovered, nil
}

// Create ensures the user has a binding, minting the three tables in a
// single remote DDL batch if needed. It is idempotent: an existing or
// recoverable binding is returned without issuing DDL.
func (m *Manager) Create(ctx context.Context, userAddress string) (*Binding, error) {
	existing, err := m.Get(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	recovered, err := m.Recover(ctx, userAddress)
	if err == nil {
		return recovered, nil
	}
	var incomplete *remote.BindingIncompleteError
	if !errors.As(err, &incomplete) {
		return nil, err
	}

	results, err := m.remote.Batch(ctx, []remote.Statement{
		{SQL: "CREATE TABLE " + PrefixSessions + ` (
			id TEXT PRIMARY KEY,
			song_id INTEGER,
			started_at TEXT,
			duration_seconds INTEGER,
			lines_total INTEGER,
			lines_completed INTEGER,
			accuracy REAL,
			content_hash TEXT,
			created_at TEXT
		)`},
		{SQL: "CREATE TABLE " + PrefixLineCards + ` (
			subject TEXT PRIMARY KEY,
			difficulty INTEGER,
			stability INTEGER,
			reps INTEGER,
			lapses INTEGER,
			state TEXT,
			due_at TEXT,
			updated_at TEXT
		)`},
		{SQL: "CREATE TABLE " + PrefixExerciseSessions + ` (
			id TEXT PRIMARY KEY,
			kind TEXT,
			value INTEGER,
			achieved_at TEXT,
			created_at TEXT
		)`},
	})
	if err != nil {
		return nil, fmt.Errorf("create tables for %s: %w", userAddress, err)
	}
	if len(results) != expectedTables {
		return nil, &remote.InvariantViolationError{
			Detail: fmt.Sprintf("DDL batch returned %d results, expected %d", len(results), expectedTables),
		}
	}

	b := &Binding{
		UserAddress:           userAddress,
		SessionsTable:         results[0].TableName,
		LineCardsTable:        results[1].TableName,
		ExerciseSessionsTable: results[2].TableName,
		ChainID:               m.chainID,
		CreatedAt:             m.now().UTC(),
	}
	if !b.complete() {
		return nil, &remote.InvariantViolationError{
			Detail: fmt.Sprintf("DDL batch for %s yielded empty table name", userAddress),
		}
	}

	if err := m.bindings.Put(userAddress, b); err != nil {
		return nil, fmt.Errorf("persist binding %s: %w", userAddress, err)
	}

	logging.Info().
		Str("user", userAddress).
		Str("sessions", b.SessionsTable).
		Str("line_cards", b.LineCardsTable).
		Str("exercise_sessions", b.ExerciseSessionsTable).
		Msg("binding created")
	return b, nil
}

// Recover reconstructs a lost binding from the ownership registry. It folds
// the user's transfer events chronologically into the currently-owned token
// set, resolves each owned token's table name, and accepts a binding only
// once all three expected tables are identified and probe successfully.
// Anything less fails with BindingIncompleteError and persists nothing.
func (m *Manager) Recover(ctx context.Context, userAddress string) (*Binding, error) {
	events, err := m.registry.TransferEventsInvolving(ctx, userAddress)
	if err != nil {
		metrics.RecordBindingRecovery("failed")
		return nil, fmt.Errorf("recover binding %s: %w", userAddress, err)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].BlockOrder < events[j].BlockOrder
	})

	owned := make(map[int64]bool)
	for _, ev := range events {
		if ev.To == userAddress {
			owned[ev.TokenID] = true
		}
		if ev.From == userAddress {
			delete(owned, ev.TokenID)
		}
	}

	found := make(map[string]string, expectedTables)
	for tokenID := range owned {
		name, err := m.registry.TableNameOf(ctx, tokenID)
		if errors.Is(err, remote.ErrTableNotFound) {
			continue
		}
		if err != nil {
			metrics.RecordBindingRecovery("failed")
			return nil, fmt.Errorf("recover binding %s: %w", userAddress, err)
		}

		prefix, ok := m.matchPrefix(name, tokenID)
		if !ok {
			continue
		}
		if err := m.probe(ctx, name); err != nil {
			if errors.Is(err, remote.ErrTableNotFound) {
				continue
			}
			metrics.RecordBindingRecovery("failed")
			return nil, err
		}
		found[prefix] = name
	}

	if len(found) < expectedTables {
		metrics.RecordBindingRecovery("incomplete")
		return nil, &remote.BindingIncompleteError{
			UserAddress: userAddress,
			Found:       len(found),
			Expected:    expectedTables,
		}
	}

	b := &Binding{
		UserAddress:           userAddress,
		SessionsTable:         found[PrefixSessions],
		LineCardsTable:        found[PrefixLineCards],
		ExerciseSessionsTable: found[PrefixExerciseSessions],
		ChainID:               m.chainID,
		CreatedAt:             m.now().UTC(),
	}
	if err := m.bindings.Put(userAddress, b); err != nil {
		metrics.RecordBindingRecovery("failed")
		return nil, fmt.Errorf("persist recovered binding %s: %w", userAddress, err)
	}

	metrics.RecordBindingRecovery("recovered")
	logging.Info().
		Str("user", userAddress).
		Int("events", len(events)).
		Msg("binding recovered from registry")
	return b, nil
}

// matchPrefix reports which expected naming pattern a concrete identifier
// satisfies for this chain and token.
func (m *Manager) matchPrefix(name string, tokenID int64) (string, bool) {
	for _, prefix := range []string{PrefixSessions, PrefixLineCards, PrefixExerciseSessions} {
		if name == fmt.Sprintf("%s_%d_%d", prefix, m.chainID, tokenID) {
			return prefix, true
		}
	}
	// Tokens minted by other applications share the registry; ignore them.
	return "", false
}

// probe issues a rate-limited existence check against one remote table.
func (m *Manager) probe(ctx context.Context, table string) error {
	if err := m.probes.Wait(ctx); err != nil {
		return fmt.Errorf("probe wait: %w", err)
	}
	return m.remote.Exists(ctx, table)
}
