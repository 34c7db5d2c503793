// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package recall is the embedding surface of the engine. A host application
// constructs one Engine at process start, feeds it grading results and
// completed sessions, and triggers synchronization explicitly ("save
// progress"); nothing syncs in the background.
//
// The engine owns a durable local store; everything enqueued survives
// restarts and syncs to the user's remote tables on the next explicit
// SyncNow.
package recall

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/verselab/recall/internal/binding"
	"github.com/verselab/recall/internal/config"
	"github.com/verselab/recall/internal/logging"
	"github.com/verselab/recall/internal/models"
	"github.com/verselab/recall/internal/remote"
	"github.com/verselab/recall/internal/scheduler"
	"github.com/verselab/recall/internal/store"
	"github.com/verselab/recall/internal/syncqueue"
	"github.com/verselab/recall/internal/tracker"
)

// Re-exported types so hosts can name everything the Engine accepts and
// returns without reaching into internal packages.
type (
	Config = config.Config

	Session      = models.Session
	LineResult   = models.LineResult
	WordProgress = models.WordProgress
	Milestone    = models.Milestone
	LineScore    = models.LineScore

	Rating = scheduler.Rating
	Card   = scheduler.Card

	DueWord        = tracker.DueWord
	ProblemWord    = tracker.ProblemWord
	MistakeContext = tracker.MistakeContext

	Report      = syncqueue.Report
	QueueStatus = syncqueue.QueueStatus

	RemoteStore  = remote.Store
	Registry     = remote.Registry
	Signer       = remote.Signer
	StaticSigner = remote.StaticSigner
)

// Review ratings, worst to best recall.
const (
	RatingAgain = scheduler.Again
	RatingHard  = scheduler.Hard
	RatingGood  = scheduler.Good
	RatingEasy  = scheduler.Easy
)

// Deps carries the remote collaborators. Leave Remote and Registry nil to
// run against the built-in SQLite ledger backend configured by
// Config.Remote.SQLitePath. Signer is always required.
type Deps struct {
	Remote   remote.Store
	Registry remote.Registry
	Signer   remote.Signer
}

// Engine wires the durable store, tracker, queue, coordinator, and binding
// manager into one handle. All methods are safe for concurrent use.
type Engine struct {
	cfg *config.Config

	store       *store.Store
	queue       *syncqueue.Queue
	coordinator *syncqueue.Coordinator
	tracker     *tracker.Tracker
	bindings    *binding.Manager

	// ownedRemote is the SQLite backend when the engine opened it itself.
	ownedRemote io.Closer
}

// New constructs the engine. A nil cfg loads configuration from the default
// sources (built-in defaults, optional YAML file, environment).
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Signer == nil {
		return nil, errors.New("recall: a Signer is required")
	}

	logging.Init(cfg.LoggingConfig())

	s, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, store: s}

	rs, registry := deps.Remote, deps.Registry
	if rs == nil {
		backend, err := remote.OpenSQLite(cfg.Remote.SQLitePath, cfg.Remote.ChainID)
		if err != nil {
			s.Close()
			return nil, err
		}
		e.ownedRemote = backend
		rs = backend
		if registry == nil {
			registry = backend
		}
	}
	if registry == nil {
		e.closePartial()
		return nil, errors.New("recall: a Registry is required when supplying a remote store")
	}
	breakered := remote.NewBreakerStore(rs)

	e.tracker = tracker.New(s)
	e.queue = syncqueue.NewQueue(s)
	e.bindings = binding.NewManager(s, breakered, registry, cfg.Remote.ChainID)

	coordinator, err := syncqueue.NewCoordinator(
		e.queue, e.bindings, breakered, deps.Signer, e.tracker, cfg.SyncQueueConfig())
	if err != nil {
		e.closePartial()
		return nil, err
	}
	e.coordinator = coordinator

	logging.Info().
		Int64("chain_id", cfg.Remote.ChainID).
		Str("store_path", cfg.Store.Path).
		Msg("engine ready")
	return e, nil
}

// EnqueueSession records a completed practice session for sync. Purely
// local; returns the queue entry id immediately.
func (e *Engine) EnqueueSession(s Session) (string, error) {
	if s.ID == "" {
		return "", errors.New("recall: session id is required")
	}
	if s.UserAddress == "" {
		return "", errors.New("recall: session user address is required")
	}
	return e.queue.Enqueue(syncqueue.KindSession, s)
}

// EnqueueWordProgress records a word scheduling snapshot for sync.
func (e *Engine) EnqueueWordProgress(p WordProgress) (string, error) {
	if p.UserAddress == "" || p.Word == "" {
		return "", errors.New("recall: word progress needs a user address and a word")
	}
	return e.queue.Enqueue(syncqueue.KindWordProgress, p)
}

// EnqueueMilestone records a practice achievement for sync.
func (e *Engine) EnqueueMilestone(m Milestone) (string, error) {
	if m.UserAddress == "" {
		return "", errors.New("recall: milestone user address is required")
	}
	return e.queue.Enqueue(syncqueue.KindMilestone, m)
}

// SyncNow drains the queue to the remote store. Concurrent calls collapse
// into one running sync; the losing call returns a Skipped report.
func (e *Engine) SyncNow(ctx context.Context) (*Report, error) {
	return e.coordinator.SyncNow(ctx)
}

// SyncStatus returns the pending/syncing/synced/failed counts and sync
// bookkeeping for the host UI.
func (e *Engine) SyncStatus() (*QueueStatus, error) {
	return e.queue.Status()
}

// RetryFailed returns every Failed entry to Pending with a fresh attempt
// budget. This is the manual retry action behind the host's "try again"
// button; nothing retries exhausted entries automatically.
func (e *Engine) RetryFailed() (int, error) {
	return e.queue.RetryAllFailed()
}

// PruneSynced deletes Synced queue entries older than the configured
// retention window. The remote store owns those facts; the local copies are
// cache.
func (e *Engine) PruneSynced() (int, error) {
	return e.queue.Prune(e.cfg.Sync.RetentionWindow)
}

// ProcessLineResult feeds one graded line into the word mistake tracker,
// updating mistake history and per-word review cards.
func (e *Engine) ProcessLineResult(subjectID string, lineIndex int, expectedText, transcribedText string, songID int64) error {
	return e.tracker.ProcessLineResult(subjectID, lineIndex, expectedText, transcribedText, songID)
}

// ScheduleLine upserts the review card for a song line with the given
// rating and returns the new card state.
func (e *Engine) ScheduleLine(songID int64, lineIndex int, rating Rating) (Card, error) {
	return e.tracker.ScheduleLine(songID, lineIndex, rating)
}

// DueWords returns up to limit words due for practice, most overdue first.
func (e *Engine) DueWords(limit int) ([]DueWord, error) {
	return e.tracker.DueWords(limit)
}

// ProblemWords returns the words mistaken at least minMistakes times,
// sorted by mistake count descending.
func (e *Engine) ProblemWords(minMistakes int) ([]ProblemWord, error) {
	return e.tracker.ProblemWords(minMistakes)
}

// Close releases the durable store and, when the engine owns it, the
// built-in remote backend.
func (e *Engine) Close() error {
	var errs []error
	if e.ownedRemote != nil {
		if err := e.ownedRemote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote backend: %w", err))
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) closePartial() {
	if e.ownedRemote != nil {
		e.ownedRemote.Close()
	}
	e.store.Close()
}
