// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package tracker consumes line-level grading results, aligns expected
// against transcribed tokens, records per-word mistake history, and drives
// the review scheduler per word. It produces the prioritized practice lists
// the surrounding application renders.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/verselab/recall/internal/logging"
	"github.com/verselab/recall/internal/scheduler"
	"github.com/verselab/recall/internal/store"
)

// Collection names in the durable local store.
const (
	cardsCollection    = "reviewCards"
	mistakesCollection = "wordMistakes"
)

// Card subject prefixes. Word and line cards share the reviewCards
// collection; the prefix keeps their key ranges apart.
const (
	wordSubjectPrefix = "word:"
	lineSubjectPrefix = "line:"
)

// Bounds on what query operations return per word.
const (
	maxExampleContexts   = 3
	maxRecentTranscripts = 5
)

// MistakeContext records one occurrence of a substitution, in the line where
// it happened.
type MistakeContext struct {
	SubjectID string    `json:"subjectId"`
	LineText  string    `json:"lineText"`
	LineIndex int       `json:"lineIndex"`
	Timestamp time.Time `json:"timestamp"`
}

// MistakeRecord is the append-only history for one exact substitution,
// keyed by (expected word, transcribed word). Count always equals
// len(Contexts).
type MistakeRecord struct {
	ExpectedWord    string           `json:"expectedWord"`
	TranscribedWord string           `json:"transcribedWord"`
	Count           int              `json:"count"`
	Contexts        []MistakeContext `json:"contexts"`
}

// DueWord is one entry of the due-practice list.
type DueWord struct {
	Word string `json:"word"`

	Card scheduler.Card `json:"card"`

	// Contexts holds up to three distinct example lines where the word
	// was mistaken.
	Contexts []MistakeContext `json:"contexts"`

	// RecentTranscriptions holds the most recent mistaken transcriptions
	// of the word, newest last, bounded to a small rolling window.
	RecentTranscriptions []string `json:"recentTranscriptions"`
}

// ProblemWord is one entry of the aggregate problem-word list.
type ProblemWord struct {
	Word        string  `json:"word"`
	Mistakes    int     `json:"mistakes"`
	SuccessRate float64 `json:"successRate"`
}

// Tracker maintains per-word mistake history and review cards.
type Tracker struct {
	cards    *store.Collection
	mistakes *store.Collection

	now func() time.Time
}

// New constructs a Tracker over the given store.
func New(s *store.Store) *Tracker {
	return &Tracker{
		cards:    s.Collection(cardsCollection),
		mistakes: s.Collection(mistakesCollection),
		now:      time.Now,
	}
}

// WordSubject returns the review-card subject for a normalized word.
func WordSubject(word string) string {
	return wordSubjectPrefix + word
}

// LineSubject returns the review-card subject for a song line.
func LineSubject(songID int64, lineIndex int) string {
	return fmt.Sprintf("%s%d:%d", lineSubjectPrefix, songID, lineIndex)
}

// ProcessLineResult aligns the expected and transcribed texts token by token
// and updates mistake history and review cards for every expected word in
// the aligned span.
//
// Alignment is positional: token i of the expected text is compared against
// token i of the transcribed text. Positions present on only one side are
// not penalized; only the aligned span is scored. An edit-distance alignment
// would catch insertions and deletions, but positional comparison is the
// contract the grading pipeline was built against.
func (t *Tracker) ProcessLineResult(subjectID string, lineIndex int, expectedText, transcribedText string, songID int64) error {
	expected := tokenize(expectedText)
	transcribed := tokenize(transcribedText)

	span := len(expected)
	if len(transcribed) < span {
		span = len(transcribed)
	}

	now := t.now()
	for i := 0; i < span; i++ {
		if expected[i] == transcribed[i] {
			if _, err := t.scheduleWord(expected[i], scheduler.Easy, now); err != nil {
				return err
			}
			continue
		}

		if err := t.recordMistake(expected[i], transcribed[i], MistakeContext{
			SubjectID: subjectID,
			LineText:  expectedText,
			LineIndex: lineIndex,
			Timestamp: now,
		}); err != nil {
			return err
		}
		if _, err := t.scheduleWord(expected[i], scheduler.Again, now); err != nil {
			return err
		}
	}

	logging.Debug().
		Str("subject_id", subjectID).
		Int("line_index", lineIndex).
		Int64("song_id", songID).
		Int("aligned_span", span).
		Msg("line result processed")
	return nil
}

// ScheduleLine upserts the review card for a song line with the given
// rating. The session flow calls this once per completed line so line-level
// cards accumulate alongside word-level ones.
func (t *Tracker) ScheduleLine(songID int64, lineIndex int, rating scheduler.Rating) (scheduler.Card, error) {
	subject := LineSubject(songID, lineIndex)
	card, err := t.loadCard(subject)
	if err != nil {
		return scheduler.Card{}, err
	}

	next := scheduler.Schedule(card, rating, t.now())
	next.Subject = subject
	if err := t.cards.PutIndexed(subject, next, map[string]string{"kind": "line"}); err != nil {
		return scheduler.Card{}, fmt.Errorf("put line card %s: %w", subject, err)
	}
	return next, nil
}

// Card returns the review card for a subject, or nil if the subject has
// never been graded.
func (t *Tracker) Card(subject string) (*scheduler.Card, error) {
	return t.loadCard(subject)
}

func (t *Tracker) scheduleWord(word string, rating scheduler.Rating, now time.Time) (scheduler.Card, error) {
	subject := WordSubject(word)
	card, err := t.loadCard(subject)
	if err != nil {
		return scheduler.Card{}, err
	}

	next := scheduler.Schedule(card, rating, now)
	next.Subject = subject
	if err := t.cards.PutIndexed(subject, next, map[string]string{"kind": "word"}); err != nil {
		return scheduler.Card{}, fmt.Errorf("put word card %s: %w", subject, err)
	}
	return next, nil
}

func (t *Tracker) loadCard(subject string) (*scheduler.Card, error) {
	var card scheduler.Card
	err := t.cards.Get(subject, &card)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load card %s: %w", subject, err)
	}
	return &card, nil
}

func (t *Tracker) recordMistake(expected, transcribed string, ctx MistakeContext) error {
	key := expected + "|" + transcribed

	var rec MistakeRecord
	err := t.mistakes.Get(key, &rec)
	if errors.Is(err, store.ErrKeyNotFound) {
		rec = MistakeRecord{ExpectedWord: expected, TranscribedWord: transcribed}
	} else if err != nil {
		return fmt.Errorf("load mistake %s: %w", key, err)
	}

	rec.Contexts = append(rec.Contexts, ctx)
	rec.Count = len(rec.Contexts)

	if err := t.mistakes.PutIndexed(key, rec, map[string]string{"word": expected}); err != nil {
		return fmt.Errorf("put mistake %s: %w", key, err)
	}
	return nil
}

// DueWords returns up to limit words whose review card is due, ordered by
// due time (most overdue first). Each entry carries up to three distinct
// example contexts and the most recent mistaken transcriptions.
func (t *Tracker) DueWords(limit int) ([]DueWord, error) {
	now := t.now()

	var due []DueWord
	err := t.cards.IterateIndex("kind", "word", func(key string, raw []byte) error {
		var card scheduler.Card
		if err := json.Unmarshal(raw, &card); err != nil {
			return fmt.Errorf("unmarshal card %s: %w", key, err)
		}
		if !card.Due(now) {
			return nil
		}
		due = append(due, DueWord{
			Word: strings.TrimPrefix(key, wordSubjectPrefix),
			Card: card,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Card.DueAt.Equal(due[j].Card.DueAt) {
			return due[i].Word < due[j].Word
		}
		return due[i].Card.DueAt.Before(due[j].Card.DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		contexts, transcripts, err := t.mistakeHistory(due[i].Word)
		if err != nil {
			return nil, err
		}
		due[i].Contexts = contexts
		due[i].RecentTranscriptions = transcripts
	}
	return due, nil
}

// mistakeHistory aggregates the mistake records for one expected word into
// bounded example contexts and a rolling window of recent transcriptions.
func (t *Tracker) mistakeHistory(word string) ([]MistakeContext, []string, error) {
	type miss struct {
		transcribed string
		ctx         MistakeContext
	}
	var misses []miss

	err := t.mistakes.IterateIndex("word", word, func(key string, raw []byte) error {
		var rec MistakeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal mistake %s: %w", key, err)
		}
		for _, ctx := range rec.Contexts {
			misses = append(misses, miss{transcribed: rec.TranscribedWord, ctx: ctx})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(misses, func(i, j int) bool {
		return misses[i].ctx.Timestamp.Before(misses[j].ctx.Timestamp)
	})

	var contexts []MistakeContext
	seen := make(map[string]bool)
	for _, m := range misses {
		if len(contexts) == maxExampleContexts {
			break
		}
		lineKey := m.ctx.SubjectID + "|" + m.ctx.LineText
		if seen[lineKey] {
			continue
		}
		seen[lineKey] = true
		contexts = append(contexts, m.ctx)
	}

	start := len(misses) - maxRecentTranscripts
	if start < 0 {
		start = 0
	}
	var transcripts []string
	for _, m := range misses[start:] {
		transcripts = append(transcripts, m.transcribed)
	}
	return contexts, transcripts, nil
}

// ProblemWords returns the words whose aggregate mistake count meets the
// threshold, sorted descending by count, with the success rate derived from
// each word's card history.
func (t *Tracker) ProblemWords(minMistakes int) ([]ProblemWord, error) {
	counts := make(map[string]int)
	err := t.mistakes.ForEach(func(key string, raw []byte) error {
		var rec MistakeRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal mistake %s: %w", key, err)
		}
		counts[rec.ExpectedWord] += rec.Count
		return nil
	})
	if err != nil {
		return nil, err
	}

	var words []ProblemWord
	for word, count := range counts {
		if count < minMistakes {
			continue
		}

		rate := 0.0
		card, err := t.loadCard(WordSubject(word))
		if err != nil {
			return nil, err
		}
		if card != nil {
			rate = card.SuccessRate()
		}

		words = append(words, ProblemWord{Word: word, Mistakes: count, SuccessRate: rate})
	}

	sort.Slice(words, func(i, j int) bool {
		if words[i].Mistakes == words[j].Mistakes {
			return words[i].Word < words[j].Word
		}
		return words[i].Mistakes > words[j].Mistakes
	})
	return words, nil
}

// tokenize splits a line on whitespace and lower-cases every token.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}
