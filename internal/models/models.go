// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package models defines the closed set of domain payloads that flow through
// the sync queue, plus the boundary types for the grading service. Payloads
// are fixed structured records discriminated by the queue entry kind; there
// are no dynamically-typed payloads.
package models

import "time"

// Session is one completed practice session. It is the unit of sync for the
// per-user sessions table, and the source of the review card upserts that
// travel in the same remote batch.
type Session struct {
	ID             string       `json:"id"`
	UserAddress    string       `json:"user_address"`
	SongID         int64        `json:"song_id"`
	StartedAt      time.Time    `json:"started_at"`
	Duration       int          `json:"duration_seconds"`
	LinesTotal     int          `json:"lines_total"`
	LinesCompleted int          `json:"lines_completed"`
	Accuracy       float64      `json:"accuracy"`
	LineResults    []LineResult `json:"line_results,omitempty"`
}

// LineResult is the graded outcome for a single line within a session.
type LineResult struct {
	LineIndex       int     `json:"line_index"`
	ExpectedText    string  `json:"expected_text"`
	TranscribedText string  `json:"transcribed_text"`
	Accuracy        float64 `json:"accuracy"`
	Rating          int     `json:"rating"`
}

// WordProgress is an append-style snapshot of one word's scheduling state.
// Snapshots are idempotent upserts keyed by (user, word) and are not subject
// to per-entity conflict detection.
type WordProgress struct {
	UserAddress string    `json:"user_address"`
	Word        string    `json:"word"`
	Reps        int       `json:"reps"`
	Lapses      int       `json:"lapses"`
	Stability   int       `json:"stability"`
	Difficulty  int       `json:"difficulty"`
	DueAt       time.Time `json:"due_at"`
}

// Milestone records a practice achievement (streak reached, song completed).
// Milestones land in the per-user exercise sessions table.
type Milestone struct {
	UserAddress string    `json:"user_address"`
	Kind        string    `json:"kind"`
	Value       int64     `json:"value"`
	AchievedAt  time.Time `json:"achieved_at"`
}

// LineScore is the output of the external grading service for one line:
// the transcript of what was spoken and an accuracy score in [0, 1].
// The engine consumes this; it never produces it.
type LineScore struct {
	Transcript string  `json:"transcript"`
	Accuracy   float64 `json:"accuracy"`
}
