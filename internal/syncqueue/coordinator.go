// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package syncqueue

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/verselab/recall/internal/binding"
	"github.com/verselab/recall/internal/logging"
	"github.com/verselab/recall/internal/metrics"
	"github.com/verselab/recall/internal/models"
	"github.com/verselab/recall/internal/remote"
	"github.com/verselab/recall/internal/scheduler"
	"github.com/verselab/recall/internal/tracker"
)

// Config tunes the Coordinator's retry behavior.
type Config struct {
	// BackoffBase is the base delay before resubmitting a previously
	// failed entry; attempt n waits BackoffBase * n.
	BackoffBase time.Duration

	// MaxAttempts is the retry ceiling. Entries that have failed this many
	// times stay Failed until explicitly retried.
	MaxAttempts int

	// InFlightTimeout bounds how long an entry may sit in Syncing before a
	// subsequent sync treats it as stranded and requeues it.
	InFlightTimeout time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase:     2 * time.Second,
		MaxAttempts:     5,
		InFlightTimeout: 5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BackoffBase < 0 {
		return fmt.Errorf("syncqueue config: BackoffBase must not be negative")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("syncqueue config: MaxAttempts must be at least 1")
	}
	if c.InFlightTimeout <= 0 {
		return fmt.Errorf("syncqueue config: InFlightTimeout must be positive")
	}
	return nil
}

// CardSource supplies the current review card for a subject so session
// batches can carry card upserts. A nil card means the subject has never
// been scheduled locally.
type CardSource interface {
	Card(subject string) (*scheduler.Card, error)
}

// Report summarizes one SyncNow run. I/O and conflict errors are folded
// into its counts rather than returned as errors; callers inspect the
// report.
type Report struct {
	// Skipped is true when another sync was already in flight and this
	// call was a no-op.
	Skipped bool `json:"skipped"`

	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`

	// Exhausted counts Failed entries beyond the attempt ceiling that
	// were left untouched.
	Exhausted int `json:"exhausted"`

	Errors []string `json:"errors,omitempty"`
}

// Coordinator drains the queue to the remote store. SyncNow is the only
// entry point that performs remote I/O and is guarded so that concurrent
// calls collapse into one running sync.
type Coordinator struct {
	queue    *Queue
	bindings *binding.Manager
	remote   remote.Store
	signer   remote.Signer
	cards    CardSource
	cfg      Config

	inFlight atomic.Bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(q *Queue, b *binding.Manager, r remote.Store, signer remote.Signer, cards CardSource, cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		queue:    q,
		bindings: b,
		remote:   r,
		signer:   signer,
		cards:    cards,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SyncNow drains the queue. A call while another sync is in flight returns
// immediately with a Skipped report. Remote failures are recorded on the
// affected entries and in the report; only local store failures and a
// declined signer surface as errors.
func (c *Coordinator) SyncNow(ctx context.Context) (*Report, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return &Report{Skipped: true}, nil
	}
	defer c.inFlight.Store(false)

	metrics.RecordSyncRun()
	report := &Report{}

	if _, err := c.queue.RequeueStale(c.cfg.InFlightTimeout); err != nil {
		return nil, err
	}

	pending, err := c.queue.ByStatus(StatusPending)
	if err != nil {
		return nil, err
	}

	// Failed entries below the retry ceiling ride along on every explicit
	// sync; beyond it they stay Failed and are only counted.
	failed, err := c.queue.ByStatus(StatusFailed)
	if err != nil {
		return nil, err
	}
	for i := range failed {
		if failed[i].Attempts >= c.cfg.MaxAttempts {
			report.Exhausted++
			continue
		}
		if err := c.queue.Retry(failed[i].ID); err != nil {
			return nil, err
		}
		failed[i].Status = StatusPending
		pending = append(pending, failed[i])
	}
	sortByCreatedAt(pending)

	if len(pending) == 0 {
		c.finishRun(report)
		return report, nil
	}

	if err := c.signer.Authorize(ctx); err != nil {
		return nil, fmt.Errorf("authorize sync: %w", err)
	}
	ctx = remote.WithCaller(ctx, c.signer.Address())

	sessions, singles := c.partition(pending, report)

	users := make([]string, 0, len(sessions))
	for user := range sessions {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		c.syncUserSessions(ctx, user, sessions[user], report)
	}

	for _, se := range singles {
		c.syncSingle(ctx, se, report)
	}

	c.finishRun(report)
	logging.Info().
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("conflicts", report.Conflicts).
		Int("exhausted", report.Exhausted).
		Msg("sync run complete")
	return report, nil
}

// sessionEntry pairs a queue entry with its decoded Session payload.
type sessionEntry struct {
	entry   Entry
	session models.Session
}

// singleEntry pairs a queue entry with either a WordProgress or a Milestone
// payload; these sync individually as idempotent writes.
type singleEntry struct {
	entry     Entry
	progress  *models.WordProgress
	milestone *models.Milestone
}

// partition decodes payloads and splits the pending set: Session entries
// grouped by user address, everything else as individual writes. Entries
// with undecodable payloads are failed immediately.
func (c *Coordinator) partition(pending []Entry, report *Report) (map[string][]sessionEntry, []singleEntry) {
	sessions := make(map[string][]sessionEntry)
	var singles []singleEntry

	for _, entry := range pending {
		switch entry.Kind {
		case KindSession:
			var s models.Session
			if err := json.Unmarshal(entry.Payload, &s); err != nil {
				c.failEntry(entry.ID, fmt.Errorf("decode session payload: %w", err), report)
				continue
			}
			sessions[s.UserAddress] = append(sessions[s.UserAddress], sessionEntry{entry: entry, session: s})
		case KindWordProgress:
			var p models.WordProgress
			if err := json.Unmarshal(entry.Payload, &p); err != nil {
				c.failEntry(entry.ID, fmt.Errorf("decode word progress payload: %w", err), report)
				continue
			}
			singles = append(singles, singleEntry{entry: entry, progress: &p})
		case KindMilestone:
			var m models.Milestone
			if err := json.Unmarshal(entry.Payload, &m); err != nil {
				c.failEntry(entry.ID, fmt.Errorf("decode milestone payload: %w", err), report)
				continue
			}
			singles = append(singles, singleEntry{entry: entry, milestone: &m})
		default:
			c.failEntry(entry.ID, fmt.Errorf("unknown entry kind %q", entry.Kind), report)
		}
	}
	return sessions, singles
}

// syncUserSessions submits one atomic batch for a user: session writes
// first, then one upsert per affected review card. Conflicted entries that
// lose last-write-wins are marked Synced without a remote write.
func (c *Coordinator) syncUserSessions(ctx context.Context, user string, group []sessionEntry, report *Report) {
	ids := make([]string, 0, len(group))
	maxAttempts := 0
	for _, se := range group {
		ids = append(ids, se.entry.ID)
		if se.entry.Attempts > maxAttempts {
			maxAttempts = se.entry.Attempts
		}
	}
	if err := c.markSyncing(ids); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}

	if err := c.backoff(ctx, maxAttempts); err != nil {
		c.failEntries(ids, err, report)
		return
	}

	b, err := c.bindings.Create(ctx, user)
	if err != nil {
		c.failEntries(ids, err, report)
		return
	}

	var stmts []remote.Statement
	var contributing []string
	active := append([]string(nil), ids...)

	for _, se := range group {
		write, err := c.resolveConflict(ctx, b, se, report)
		if err != nil {
			c.failEntries(active, err, report)
			return
		}
		if write == nil {
			// Already satisfied remotely; terminal without a write.
			active = removeID(active, se.entry.ID)
			continue
		}
		stmts = append(stmts, *write)
		contributing = append(contributing, se.entry.ID)
	}

	cardStmts, err := c.cardUpserts(ctx, b, group, len(contributing) > 0)
	if err != nil {
		c.failEntries(contributing, err, report)
		return
	}
	stmts = append(stmts, cardStmts...)

	if len(contributing) == 0 {
		return
	}

	start := time.Now()
	_, err = c.remote.Batch(ctx, stmts)
	metrics.RecordBatchLatency(time.Since(start).Seconds())
	if err != nil {
		c.failEntries(contributing, err, report)
		return
	}

	for _, id := range contributing {
		if err := c.queue.MarkSynced(id); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Synced++
	}
	metrics.RecordEntrySynced(len(contributing))
}

// resolveConflict checks the remote sessions table for a record with the
// same id. It returns the statement to include in the batch, or nil when
// the entry is already satisfied remotely (same content, or remote copy is
// newer under last-write-wins).
func (c *Coordinator) resolveConflict(ctx context.Context, b *binding.Binding, se sessionEntry, report *Report) (*remote.Statement, error) {
	rows, err := c.remote.Query(ctx,
		"SELECT content_hash, created_at FROM "+b.SessionsTable+" WHERE id = ?", se.session.ID)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		stmt := insertSession(b.SessionsTable, se)
		return &stmt, nil
	}

	remoteHash, _ := rows[0]["content_hash"].(string)
	if remoteHash == se.entry.ContentHash {
		// Same fact already remote (a retried batch that confirmed, or the
		// same session synced from another device). Terminal, no conflict.
		return nil, c.markSatisfied(se.entry.ID, report)
	}

	remoteCreated := parseTime(rows[0]["created_at"])
	metrics.RecordConflict()
	report.Conflicts++
	if err := c.queue.UpdateMetadata(func(m *Metadata) { m.ConflictCount++ }); err != nil {
		return nil, err
	}

	if !se.entry.CreatedAt.After(remoteCreated) {
		// Remote copy is newer: discard the local entry as satisfied.
		logging.Warn().
			Str("session_id", se.session.ID).
			Time("local_created", se.entry.CreatedAt).
			Time("remote_created", remoteCreated).
			Msg("conflict resolved in favor of remote copy")
		return nil, c.markSatisfied(se.entry.ID, report)
	}

	logging.Warn().
		Str("session_id", se.session.ID).
		Time("local_created", se.entry.CreatedAt).
		Time("remote_created", remoteCreated).
		Msg("conflict resolved in favor of local copy, overwriting remote")
	stmt := updateSession(b.SessionsTable, se)
	return &stmt, nil
}

// markSatisfied terminates an in-flight entry as Synced without a remote
// write.
func (c *Coordinator) markSatisfied(id string, report *Report) error {
	if err := c.queue.MarkSynced(id); err != nil {
		return err
	}
	report.Synced++
	metrics.RecordEntrySynced(1)
	return nil
}

// cardUpserts builds one insert-or-update per review card affected by the
// group's sessions. Cards missing locally are recomputed deterministically
// from the line result.
func (c *Coordinator) cardUpserts(ctx context.Context, b *binding.Binding, group []sessionEntry, haveWrites bool) ([]remote.Statement, error) {
	if !haveWrites {
		return nil, nil
	}

	type cardRow struct {
		subject string
		card    scheduler.Card
	}
	var rows []cardRow
	seen := make(map[string]int)

	for _, se := range group {
		for _, lr := range se.session.LineResults {
			subject := tracker.LineSubject(se.session.SongID, lr.LineIndex)

			card, err := c.cards.Card(subject)
			if err != nil {
				return nil, err
			}
			if card == nil {
				recomputed := scheduler.Schedule(nil, lineRating(lr), se.session.StartedAt)
				recomputed.Subject = subject
				card = &recomputed
			}

			if i, ok := seen[subject]; ok {
				rows[i].card = *card
				continue
			}
			seen[subject] = len(rows)
			rows = append(rows, cardRow{subject: subject, card: *card})
		}
	}

	stmts := make([]remote.Statement, 0, len(rows))
	for _, r := range rows {
		existing, err := c.remote.Query(ctx,
			"SELECT subject FROM "+b.LineCardsTable+" WHERE subject = ?", r.subject)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			stmts = append(stmts, updateCard(b.LineCardsTable, r.subject, r.card, c.now()))
		} else {
			stmts = append(stmts, insertCard(b.LineCardsTable, r.subject, r.card, c.now()))
		}
	}
	return stmts, nil
}

// syncSingle submits one WordProgress or Milestone entry as its own small
// batch. These are idempotent append-style writes, not subject to per-entity
// conflict detection.
func (c *Coordinator) syncSingle(ctx context.Context, se singleEntry, report *Report) {
	id := se.entry.ID
	if err := c.markSyncing([]string{id}); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}

	if err := c.backoff(ctx, se.entry.Attempts); err != nil {
		c.failEntries([]string{id}, err, report)
		return
	}

	b, err := c.bindings.Create(ctx, singleUser(se))
	if err != nil {
		c.failEntries([]string{id}, err, report)
		return
	}

	var stmts []remote.Statement
	switch {
	case se.progress != nil:
		stmts, err = c.wordProgressStatements(ctx, b, *se.progress)
	case se.milestone != nil:
		stmts = []remote.Statement{insertMilestone(b.ExerciseSessionsTable, id, *se.milestone, c.now())}
	}
	if err != nil {
		c.failEntries([]string{id}, err, report)
		return
	}

	start := time.Now()
	_, err = c.remote.Batch(ctx, stmts)
	metrics.RecordBatchLatency(time.Since(start).Seconds())
	if err != nil {
		c.failEntries([]string{id}, err, report)
		return
	}

	if err := c.queue.MarkSynced(id); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	report.Synced++
	metrics.RecordEntrySynced(1)
}

// wordProgressStatements builds the upsert for a word's card snapshot in
// the line cards table.
func (c *Coordinator) wordProgressStatements(ctx context.Context, b *binding.Binding, p models.WordProgress) ([]remote.Statement, error) {
	subject := tracker.WordSubject(p.Word)
	existing, err := c.remote.Query(ctx,
		"SELECT subject FROM "+b.LineCardsTable+" WHERE subject = ?", subject)
	if err != nil {
		return nil, err
	}

	card := scheduler.Card{
		Subject:    subject,
		Difficulty: p.Difficulty,
		Stability:  p.Stability,
		Reps:       p.Reps,
		Lapses:     p.Lapses,
		DueAt:      p.DueAt,
	}
	if len(existing) > 0 {
		return []remote.Statement{updateCard(b.LineCardsTable, subject, card, c.now())}, nil
	}
	return []remote.Statement{insertCard(b.LineCardsTable, subject, card, c.now())}, nil
}

// backoff waits BackoffBase * attempts before a resubmission.
func (c *Coordinator) backoff(ctx context.Context, attempts int) error {
	if attempts == 0 {
		return nil
	}
	return c.sleep(ctx, c.cfg.BackoffBase*time.Duration(attempts))
}

func (c *Coordinator) markSyncing(ids []string) error {
	for _, id := range ids {
		if err := c.queue.MarkSyncing(id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) failEntries(ids []string, cause error, report *Report) {
	for _, id := range ids {
		if err := c.queue.MarkFailed(id, cause); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Failed++
	}
	metrics.RecordEntryFailed(len(ids))
	report.Errors = append(report.Errors, cause.Error())
	logging.Warn().Err(cause).Int("entries", len(ids)).Msg("sync batch failed")
}

// failEntry fails a single entry that never reached Syncing.
func (c *Coordinator) failEntry(id string, cause error, report *Report) {
	if err := c.queue.MarkSyncing(id); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	c.failEntries([]string{id}, cause, report)
}

func (c *Coordinator) finishRun(report *Report) {
	err := c.queue.UpdateMetadata(func(m *Metadata) {
		now := c.now().UTC()
		m.LastSyncAt = &now
		m.TotalSynced += report.Synced
	})
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
}

// singleUser extracts the owning user from a decoded single entry.
func singleUser(se singleEntry) string {
	switch {
	case se.progress != nil:
		return se.progress.UserAddress
	case se.milestone != nil:
		return se.milestone.UserAddress
	default:
		return ""
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// lineRating maps a graded line result to a scheduler rating, defaulting to
// Good when the grader did not supply one.
func lineRating(lr models.LineResult) scheduler.Rating {
	r := scheduler.Rating(lr.Rating)
	if r < scheduler.Again || r > scheduler.Easy {
		return scheduler.Good
	}
	return r
}

func insertSession(table string, se sessionEntry) remote.Statement {
	s := se.session
	return remote.Statement{
		SQL: "INSERT INTO " + table + ` (id, song_id, started_at, duration_seconds,
			lines_total, lines_completed, accuracy, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			s.ID, s.SongID, formatTime(s.StartedAt), s.Duration,
			s.LinesTotal, s.LinesCompleted, s.Accuracy,
			se.entry.ContentHash, formatTime(se.entry.CreatedAt),
		},
	}
}

func updateSession(table string, se sessionEntry) remote.Statement {
	s := se.session
	return remote.Statement{
		SQL: "UPDATE " + table + ` SET song_id = ?, started_at = ?,
			duration_seconds = ?, lines_total = ?, lines_completed = ?,
			accuracy = ?, content_hash = ?, created_at = ? WHERE id = ?`,
		Args: []any{
			s.SongID, formatTime(s.StartedAt), s.Duration,
			s.LinesTotal, s.LinesCompleted, s.Accuracy,
			se.entry.ContentHash, formatTime(se.entry.CreatedAt), s.ID,
		},
	}
}

func insertCard(table, subject string, card scheduler.Card, now time.Time) remote.Statement {
	return remote.Statement{
		SQL: "INSERT INTO " + table + ` (subject, difficulty, stability, reps,
			lapses, state, due_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			subject, card.Difficulty, card.Stability, card.Reps,
			card.Lapses, card.State.String(), formatTime(card.DueAt), formatTime(now),
		},
	}
}

func updateCard(table, subject string, card scheduler.Card, now time.Time) remote.Statement {
	return remote.Statement{
		SQL: "UPDATE " + table + ` SET difficulty = ?, stability = ?, reps = ?,
			lapses = ?, state = ?, due_at = ?, updated_at = ? WHERE subject = ?`,
		Args: []any{
			card.Difficulty, card.Stability, card.Reps, card.Lapses,
			card.State.String(), formatTime(card.DueAt), formatTime(now), subject,
		},
	}
}

func insertMilestone(table, id string, m models.Milestone, now time.Time) remote.Statement {
	return remote.Statement{
		SQL: "INSERT INTO " + table + ` (id, kind, value, achieved_at, created_at)
			VALUES (?, ?, ?, ?, ?)`,
		Args: []any{id, m.Kind, m.Value, formatTime(m.AchievedAt), formatTime(now)},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
