// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package syncqueue persists domain events as durable queue entries and
// drains them to the remote store in per-user atomic batches. Enqueueing is
// a pure local write; SyncNow on the Coordinator is the only code path that
// performs remote I/O.
package syncqueue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/verselab/recall/internal/metrics"
	"github.com/verselab/recall/internal/store"
)

// Collection names in the durable local store.
const (
	queueCollection    = "syncQueue"
	metadataCollection = "syncMetadata"
	metadataKey        = "singleton"
)

// Kind discriminates the payload variant of a queue entry.
type Kind string

// Payload kinds.
const (
	KindSession      Kind = "session"
	KindWordProgress Kind = "word_progress"
	KindMilestone    Kind = "milestone"
)

// Status is the sync lifecycle state of a queue entry. Transitions are
// Pending -> Syncing -> {Synced | Failed}; Failed returns to Pending only
// through an explicit retry.
type Status string

// Entry statuses.
const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// Errors.
var (
	// ErrEntryNotFound is returned when an entry id does not exist.
	ErrEntryNotFound = errors.New("syncqueue: entry not found")

	// ErrBadTransition is returned when a status change would violate the
	// entry lifecycle.
	ErrBadTransition = errors.New("syncqueue: invalid status transition")
)

// Entry is one pending domain fact awaiting sync.
type Entry struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	Status      Status          `json:"status"`

	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	// SyncingSince is set while the entry is in flight; a crash that
	// strands the entry in Syncing is recovered through RequeueStale.
	SyncingSince *time.Time `json:"syncing_since,omitempty"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`
}

// Metadata is the singleton sync bookkeeping record, read and written only
// by the Coordinator.
type Metadata struct {
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	TotalSynced   int        `json:"total_synced"`
	ConflictCount int        `json:"conflict_count"`
}

// QueueStatus is the snapshot the surrounding UI renders: per-status counts
// plus the coordinator bookkeeping.
type QueueStatus struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`

	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	TotalSynced   int        `json:"total_synced"`
	ConflictCount int        `json:"conflict_count"`
}

// Queue is the durable sync queue. All methods are local writes; none of
// them touch the network.
type Queue struct {
	entries  *store.Collection
	metadata *store.Collection

	now func() time.Time
}

// NewQueue constructs a Queue over the given store.
func NewQueue(s *store.Store) *Queue {
	return &Queue{
		entries:  s.Collection(queueCollection),
		metadata: s.Collection(metadataCollection),
		now:      time.Now,
	}
}

// Enqueue hashes the payload, persists a Pending entry, and returns its id.
// Identical payloads enqueued twice produce two distinct entries; the queue
// never deduplicates.
func (q *Queue) Enqueue(kind Kind, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	sum := sha256.Sum256(data)
	entry := Entry{
		ID:          uuid.New().String(),
		Kind:        kind,
		Payload:     data,
		ContentHash: hex.EncodeToString(sum[:]),
		CreatedAt:   q.now().UTC(),
		Status:      StatusPending,
	}

	if err := q.put(&entry); err != nil {
		return "", err
	}

	metrics.RecordEnqueue(string(kind))
	q.refreshPendingGauge()
	return entry.ID, nil
}

// Get returns the entry with the given id.
func (q *Queue) Get(id string) (*Entry, error) {
	var entry Entry
	err := q.entries.Get(id, &entry)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return &entry, nil
}

// ByStatus returns all entries with the given status, ordered by creation
// time.
func (q *Queue) ByStatus(status Status) ([]Entry, error) {
	var entries []Entry
	err := q.entries.IterateIndex("status", string(status), func(key string, raw []byte) error {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("unmarshal entry %s: %w", key, err)
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByCreatedAt(entries)
	return entries, nil
}

// MarkSyncing transitions an entry from Pending to Syncing.
func (q *Queue) MarkSyncing(id string) error {
	return q.transition(id, StatusSyncing, func(e *Entry) error {
		if e.Status != StatusPending {
			return fmt.Errorf("%w: %s -> syncing", ErrBadTransition, e.Status)
		}
		now := q.now().UTC()
		e.SyncingSince = &now
		return nil
	})
}

// MarkSynced transitions an entry from Syncing to Synced.
func (q *Queue) MarkSynced(id string) error {
	return q.transition(id, StatusSynced, func(e *Entry) error {
		if e.Status != StatusSyncing {
			return fmt.Errorf("%w: %s -> synced", ErrBadTransition, e.Status)
		}
		now := q.now().UTC()
		e.SyncedAt = &now
		e.SyncingSince = nil
		e.LastError = ""
		return nil
	})
}

// MarkFailed transitions an entry from Syncing to Failed, incrementing its
// attempt counter and recording the failure.
func (q *Queue) MarkFailed(id string, cause error) error {
	return q.transition(id, StatusFailed, func(e *Entry) error {
		if e.Status != StatusSyncing {
			return fmt.Errorf("%w: %s -> failed", ErrBadTransition, e.Status)
		}
		now := q.now().UTC()
		e.Attempts++
		e.LastAttemptAt = &now
		e.SyncingSince = nil
		if cause != nil {
			e.LastError = cause.Error()
		}
		return nil
	})
}

// Retry transitions a Failed entry back to Pending. This is the only path
// out of Failed; nothing retries automatically.
func (q *Queue) Retry(id string) error {
	return q.transition(id, StatusPending, func(e *Entry) error {
		if e.Status != StatusFailed {
			return fmt.Errorf("%w: %s -> pending", ErrBadTransition, e.Status)
		}
		return nil
	})
}

// RetryAllFailed moves every Failed entry back to Pending and resets its
// attempt counter. Returns the number of entries requeued.
func (q *Queue) RetryAllFailed() (int, error) {
	failed, err := q.ByStatus(StatusFailed)
	if err != nil {
		return 0, err
	}
	for i := range failed {
		entry := failed[i]
		entry.Status = StatusPending
		entry.Attempts = 0
		entry.LastError = ""
		if err := q.put(&entry); err != nil {
			return 0, err
		}
	}
	q.refreshPendingGauge()
	return len(failed), nil
}

// RequeueStale returns entries stranded in Syncing back to Pending once
// they have been in flight longer than the timeout. A crash mid-sync would
// otherwise strand them permanently.
func (q *Queue) RequeueStale(timeout time.Duration) (int, error) {
	syncing, err := q.ByStatus(StatusSyncing)
	if err != nil {
		return 0, err
	}

	cutoff := q.now().UTC().Add(-timeout)
	requeued := 0
	for i := range syncing {
		entry := syncing[i]
		if entry.SyncingSince == nil || entry.SyncingSince.After(cutoff) {
			continue
		}
		entry.Status = StatusPending
		entry.SyncingSince = nil
		if err := q.put(&entry); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		q.refreshPendingGauge()
	}
	return requeued, nil
}

// Prune deletes Synced entries older than the retention window. Once an
// entry is Synced the remote store owns the fact; the local copy is a cache.
func (q *Queue) Prune(olderThan time.Duration) (int, error) {
	synced, err := q.ByStatus(StatusSynced)
	if err != nil {
		return 0, err
	}

	cutoff := q.now().UTC().Add(-olderThan)
	pruned := 0
	for i := range synced {
		entry := synced[i]
		if entry.SyncedAt == nil || entry.SyncedAt.After(cutoff) {
			continue
		}
		if err := q.entries.Delete(entry.ID); err != nil {
			return pruned, fmt.Errorf("prune entry %s: %w", entry.ID, err)
		}
		pruned++
	}
	return pruned, nil
}

// Status returns the per-status entry counts and the sync metadata.
func (q *Queue) Status() (*QueueStatus, error) {
	status := &QueueStatus{}
	for _, s := range []struct {
		status Status
		target *int
	}{
		{StatusPending, &status.Pending},
		{StatusSyncing, &status.Syncing},
		{StatusSynced, &status.Synced},
		{StatusFailed, &status.Failed},
	} {
		count, err := q.entries.CountIndex("status", string(s.status))
		if err != nil {
			return nil, err
		}
		*s.target = count
	}

	meta, err := q.Metadata()
	if err != nil {
		return nil, err
	}
	status.LastSyncAt = meta.LastSyncAt
	status.TotalSynced = meta.TotalSynced
	status.ConflictCount = meta.ConflictCount
	return status, nil
}

// Metadata returns the singleton sync bookkeeping record.
func (q *Queue) Metadata() (*Metadata, error) {
	var meta Metadata
	err := q.metadata.Get(metadataKey, &meta)
	if errors.Is(err, store.ErrKeyNotFound) {
		return &Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync metadata: %w", err)
	}
	return &meta, nil
}

// UpdateMetadata applies fn to the singleton metadata record and persists
// the result.
func (q *Queue) UpdateMetadata(fn func(*Metadata)) error {
	meta, err := q.Metadata()
	if err != nil {
		return err
	}
	fn(meta)
	if err := q.metadata.Put(metadataKey, meta); err != nil {
		return fmt.Errorf("persist sync metadata: %w", err)
	}
	return nil
}

func (q *Queue) transition(id string, to Status, apply func(*Entry) error) error {
	entry, err := q.Get(id)
	if err != nil {
		return err
	}
	if err := apply(entry); err != nil {
		return err
	}
	entry.Status = to
	if err := q.put(entry); err != nil {
		return err
	}
	q.refreshPendingGauge()
	return nil
}

func (q *Queue) put(entry *Entry) error {
	idx := map[string]string{
		"status": string(entry.Status),
		"kind":   string(entry.Kind),
	}
	if err := q.entries.PutIndexed(entry.ID, entry, idx); err != nil {
		return fmt.Errorf("persist entry %s: %w", entry.ID, err)
	}
	return nil
}

func (q *Queue) refreshPendingGauge() {
	if count, err := q.entries.CountIndex("status", string(StatusPending)); err == nil {
		metrics.UpdateQueuePending(count)
	}
}

func sortByCreatedAt(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
