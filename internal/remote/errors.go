// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrTableNotFound is returned by existence probes when a table does not
	// resolve on the remote store.
	ErrTableNotFound = errors.New("remote: table not found")

	// ErrUnauthorized is returned when the signer declines to authorize a write.
	ErrUnauthorized = errors.New("remote: write not authorized")
)

// UnavailableError wraps a transient network or remote-store failure.
// Operations that fail with it are retryable and must not have mutated local
// authoritative state beyond marking queue entries failed.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("remote unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an UnavailableError for the given operation.
// A nil err returns nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// BindingIncompleteError is returned when registry-based recovery identified
// fewer than the expected number of tables. It is non-fatal: the caller falls
// back to creating a fresh binding.
type BindingIncompleteError struct {
	UserAddress string
	Found       int
	Expected    int
}

func (e *BindingIncompleteError) Error() string {
	return fmt.Sprintf("binding incomplete for %s: found %d of %d expected tables",
		e.UserAddress, e.Found, e.Expected)
}

// InvariantViolationError indicates persisted state that a prior bug must
// have produced, such as a partial table binding. It is fatal for the
// affected operation and is surfaced to the caller rather than repaired.
type InvariantViolationError struct {
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return "invariant violation: " + e.Detail
}
