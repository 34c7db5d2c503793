// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package scheduler

import (
	"reflect"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func TestFirstExposureCreatesNewCard(t *testing.T) {
	card := Schedule(nil, Good, testNow)

	if card.State != StateNew {
		t.Errorf("State = %v, want %v", card.State, StateNew)
	}
	if card.Reps != 1 {
		t.Errorf("Reps = %d, want 1", card.Reps)
	}
	if card.Lapses != 0 {
		t.Errorf("Lapses = %d, want 0", card.Lapses)
	}
	if card.DueAt.IsZero() {
		t.Error("DueAt must be set on first exposure")
	}
	if !card.DueAt.After(testNow) {
		t.Errorf("DueAt %v should be in the future", card.DueAt)
	}
}

func TestFirstExposureAgainIsDueSoon(t *testing.T) {
	card := Schedule(nil, Again, testNow)

	if card.Lapses != 1 {
		t.Errorf("Lapses = %d, want 1", card.Lapses)
	}
	if card.DueAt.Sub(testNow) > time.Hour {
		t.Errorf("Again due horizon too far out: %v", card.DueAt.Sub(testNow))
	}
	if card.Stability != stabilityFloor {
		t.Errorf("Stability = %d, want floor %d", card.Stability, stabilityFloor)
	}
}

func TestDeterminism(t *testing.T) {
	base := Schedule(nil, Good, testNow)
	later := testNow.AddDate(0, 0, 3)

	for _, rating := range []Rating{Again, Hard, Good, Easy} {
		a := Schedule(&base, rating, later)
		b := Schedule(&base, rating, later)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("Schedule not deterministic for %v: %+v vs %+v", rating, a, b)
		}
	}
}

func TestScheduleDoesNotMutateInput(t *testing.T) {
	base := Schedule(nil, Good, testNow)
	snapshot := base

	_ = Schedule(&base, Again, testNow.AddDate(0, 0, 1))

	if !reflect.DeepEqual(base, snapshot) {
		t.Errorf("Input card mutated: %+v vs %+v", base, snapshot)
	}
}

func TestAgainTransitionsToRelearning(t *testing.T) {
	card := Schedule(nil, Good, testNow)
	card = Schedule(&card, Good, testNow.AddDate(0, 0, 2))
	stabilityBefore := card.Stability

	reviewAt := card.DueAt
	next := Schedule(&card, Again, reviewAt)

	if next.State != StateRelearning {
		t.Errorf("State = %v, want %v", next.State, StateRelearning)
	}
	if next.Lapses != card.Lapses+1 {
		t.Errorf("Lapses = %d, want %d", next.Lapses, card.Lapses+1)
	}
	if next.Stability >= stabilityBefore {
		t.Errorf("Stability should shrink on Again: %d -> %d", stabilityBefore, next.Stability)
	}
	if next.DueAt.Sub(reviewAt) > time.Hour {
		t.Errorf("Relearning due horizon too far out: %v", next.DueAt.Sub(reviewAt))
	}
}

func TestStabilityFloor(t *testing.T) {
	card := Schedule(nil, Again, testNow)
	for i := 0; i < 10; i++ {
		card = Schedule(&card, Again, testNow.Add(time.Duration(i+1)*time.Hour))
	}
	if card.Stability < stabilityFloor {
		t.Errorf("Stability %d fell below floor %d", card.Stability, stabilityFloor)
	}
}

func TestMonotonicDueDates(t *testing.T) {
	card := Schedule(nil, Good, testNow)

	for i := 0; i < 15; i++ {
		reviewAt := card.DueAt
		next := Schedule(&card, Good, reviewAt)
		if !next.DueAt.After(card.DueAt) {
			t.Fatalf("Review %d: DueAt did not advance: %v -> %v", i, card.DueAt, next.DueAt)
		}
		card = next
	}
}

func TestEasyGrowsFasterThanGood(t *testing.T) {
	base := Schedule(nil, Good, testNow)
	reviewAt := base.DueAt

	good := Schedule(&base, Good, reviewAt)
	easy := Schedule(&base, Easy, reviewAt)

	if easy.Stability <= good.Stability {
		t.Errorf("Easy stability %d should exceed Good stability %d", easy.Stability, good.Stability)
	}
	if !easy.DueAt.After(good.DueAt) {
		t.Errorf("Easy due %v should be after Good due %v", easy.DueAt, good.DueAt)
	}
}

func TestStabilityCap(t *testing.T) {
	card := Schedule(nil, Easy, testNow)
	at := testNow
	for i := 0; i < 30; i++ {
		at = card.DueAt
		card = Schedule(&card, Easy, at)
	}
	if card.Stability > maxStability {
		t.Errorf("Stability %d exceeds cap %d", card.Stability, maxStability)
	}
	if card.ScheduledDays > maxStability/100 {
		t.Errorf("ScheduledDays %d exceeds cap equivalent", card.ScheduledDays)
	}
}

func TestDifficultyBounds(t *testing.T) {
	card := Schedule(nil, Again, testNow)
	for i := 0; i < 20; i++ {
		card = Schedule(&card, Again, testNow.Add(time.Duration(i+1)*time.Hour))
	}
	if card.Difficulty > maxDifficulty {
		t.Errorf("Difficulty %d exceeds max %d", card.Difficulty, maxDifficulty)
	}

	for i := 0; i < 20; i++ {
		card = Schedule(&card, Easy, card.DueAt)
	}
	if card.Difficulty < minDifficulty {
		t.Errorf("Difficulty %d below min %d", card.Difficulty, minDifficulty)
	}
}

func TestRepsAndElapsedDays(t *testing.T) {
	card := Schedule(nil, Good, testNow)
	next := Schedule(&card, Good, testNow.AddDate(0, 0, 3))

	if next.Reps != 2 {
		t.Errorf("Reps = %d, want 2", next.Reps)
	}
	if next.ElapsedDays != 3 {
		t.Errorf("ElapsedDays = %d, want 3", next.ElapsedDays)
	}
	if next.State != StateReview {
		t.Errorf("State = %v, want %v", next.State, StateReview)
	}
}

func TestSuccessRate(t *testing.T) {
	card := Card{Reps: 10, Lapses: 3}
	if got := card.SuccessRate(); got != 0.7 {
		t.Errorf("SuccessRate = %v, want 0.7", got)
	}

	empty := Card{}
	if got := empty.SuccessRate(); got != 0 {
		t.Errorf("SuccessRate of unreviewed card = %v, want 0", got)
	}
}

func TestDue(t *testing.T) {
	card := Card{DueAt: testNow}
	if !card.Due(testNow) {
		t.Error("Card due exactly now should be due")
	}
	if card.Due(testNow.Add(-time.Second)) {
		t.Error("Card should not be due before DueAt")
	}
}

func TestRatingAndStateStrings(t *testing.T) {
	if Again.String() != "again" || Easy.String() != "easy" {
		t.Error("Rating strings wrong")
	}
	if StateRelearning.String() != "relearning" || StateNew.String() != "new" {
		t.Error("State strings wrong")
	}
}
