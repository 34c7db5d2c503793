// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package scheduler implements the spaced-repetition review card model.
//
// Schedule is a pure function: given the same (card, rating, now) it always
// produces the same result, byte for byte. This is required both for
// reproducible tests and for recomputation during sync conflict resolution.
// Callers persist the returned card; the scheduler performs no I/O.
//
// The model is a simplified stability/difficulty scheme in the FSRS family:
// stability governs interval growth and is halved on a lapse, difficulty
// drifts within fixed bounds based on rating history.
package scheduler

import (
	"time"
)

// Rating is the user's self-assessment (or the grader's assessment) of a review.
type Rating int

// Ratings ordered from worst to best recall.
const (
	Again Rating = iota + 1
	Hard
	Good
	Easy
)

// String returns the lowercase rating name.
func (r Rating) String() string {
	switch r {
	case Again:
		return "again"
	case Hard:
		return "hard"
	case Good:
		return "good"
	case Easy:
		return "easy"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a review card.
type State int

// Card lifecycle states.
const (
	StateNew State = iota
	StateLearning
	StateReview
	StateRelearning
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLearning:
		return "learning"
	case StateReview:
		return "review"
	case StateRelearning:
		return "relearning"
	default:
		return "unknown"
	}
}

// Card is the scheduling state for one subject (a song line or a word).
// Stability is stored as integer hundredths of a day so the card serializes
// identically everywhere; 250 means 2.5 days.
type Card struct {
	Subject       string     `json:"subject"`
	Difficulty    int        `json:"difficulty"`
	Stability     int        `json:"stability"`
	ElapsedDays   int        `json:"elapsed_days"`
	ScheduledDays int        `json:"scheduled_days"`
	Reps          int        `json:"reps"`
	Lapses        int        `json:"lapses"`
	State         State      `json:"state"`
	LastReviewAt  *time.Time `json:"last_review_at,omitempty"`
	DueAt         time.Time  `json:"due_at"`
}

// Due reports whether the card is eligible for review at the given time.
func (c *Card) Due(now time.Time) bool {
	return !c.DueAt.After(now)
}

// SuccessRate derives the fraction of successful reviews from the card's
// repetition history. A card with no reviews has a rate of 0.
func (c *Card) SuccessRate() float64 {
	if c.Reps == 0 {
		return 0
	}
	rate := float64(c.Reps-c.Lapses) / float64(c.Reps)
	if rate < 0 {
		return 0
	}
	return rate
}

// Tuning constants. These are fixed rather than configurable: the scheduler
// must produce identical results on every device for conflict recomputation.
const (
	minDifficulty     = 1
	maxDifficulty     = 10
	initialDifficulty = 5

	// Stability in hundredths of a day.
	stabilityFloor = 50    // half a day
	maxStability   = 10000 // 100 days

	relearnHorizon = 10 * time.Minute
	learnHorizon   = 1 * time.Hour
)

// Initial stability by first rating, hundredths of a day.
var initialStability = map[Rating]int{
	Again: stabilityFloor,
	Hard:  100,
	Good:  250,
	Easy:  400,
}

// Multiplicative stability growth per rating, applied on review.
// Expressed in percent to stay in integer arithmetic.
var growthPercent = map[Rating]int{
	Hard: 115,
	Good: 180,
	Easy: 250,
}

// Difficulty drift per rating. Harder ratings push difficulty up,
// Easy pulls it down.
var difficultyDrift = map[Rating]int{
	Again: 2,
	Hard:  1,
	Good:  0,
	Easy:  -1,
}

// Schedule computes the next state of a card after a review.
//
// A nil card means first exposure: the result is a new card in StateNew with
// Reps = 1. On Again the stability is halved (not below the floor), the lapse
// counter increments, and the card is due again within minutes. On Good and
// Easy the stability grows multiplicatively up to the cap and the due date
// moves out proportionally.
func Schedule(card *Card, rating Rating, now time.Time) Card {
	now = now.UTC()
	if card == nil {
		return newCard(rating, now)
	}

	next := *card
	next.Reps++
	next.ElapsedDays = elapsedDays(card, now)
	reviewedAt := now
	next.LastReviewAt = &reviewedAt

	switch rating {
	case Again:
		next.Lapses++
		next.Stability = max(next.Stability/2, stabilityFloor)
		next.State = StateRelearning
		next.ScheduledDays = 0
		next.DueAt = now.Add(relearnHorizon)
	case Hard, Good, Easy:
		next.Stability = grow(next.Stability, rating)
		next.State = StateReview
		next.ScheduledDays = intervalDays(next.Stability)
		next.DueAt = now.AddDate(0, 0, next.ScheduledDays)
	}

	next.Difficulty = clampDifficulty(next.Difficulty + difficultyDrift[rating])
	return next
}

// newCard builds the card for a subject's first exposure.
func newCard(rating Rating, now time.Time) Card {
	card := Card{
		Difficulty:   clampDifficulty(initialDifficulty + difficultyDrift[rating]),
		Stability:    initialStability[rating],
		Reps:         1,
		State:        StateNew,
		LastReviewAt: &now,
	}
	if rating == Again {
		card.Lapses = 1
		card.DueAt = now.Add(relearnHorizon)
	} else {
		card.ScheduledDays = intervalDays(card.Stability)
		if card.ScheduledDays == 0 {
			card.DueAt = now.Add(learnHorizon)
		} else {
			card.DueAt = now.AddDate(0, 0, card.ScheduledDays)
		}
	}
	return card
}

// grow applies the multiplicative growth factor for the rating, capped.
func grow(stability int, rating Rating) int {
	pct, ok := growthPercent[rating]
	if !ok {
		return stability
	}
	grown := stability * pct / 100
	if grown < stabilityFloor {
		grown = stabilityFloor
	}
	if grown > maxStability {
		grown = maxStability
	}
	return grown
}

// intervalDays converts stability to a whole-day review interval, at least one.
func intervalDays(stability int) int {
	days := stability / 100
	if days < 1 {
		days = 1
	}
	return days
}

func elapsedDays(card *Card, now time.Time) int {
	if card.LastReviewAt == nil {
		return 0
	}
	days := int(now.Sub(*card.LastReviewAt).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func clampDifficulty(d int) int {
	if d < minDifficulty {
		return minDifficulty
	}
	if d > maxDifficulty {
		return maxDifficulty
	}
	return d
}
