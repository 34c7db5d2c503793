// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

type testRecord struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func createTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:             filepath.Join(t.TempDir(), "store"),
		SyncWrites:       false, // Faster tests without fsync
		MemTableSize:     16 * 1024 * 1024,
		ValueLogFileSize: 16 * 1024 * 1024,
		NumCompactors:    2,
		CloseTimeout:     10 * time.Second,
	}
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(createTestConfig(t))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}

	cfg.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty path")
	}

	cfg = DefaultConfig()
	cfg.NumCompactors = 1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for too few compactors")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setupStore(t)
	col := s.Collection("cards")

	in := testRecord{Name: "world", Status: "due", Count: 3}
	if err := col.Put("w1", &in); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out testRecord
	if err := col.Get("w1", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out != in {
		t.Errorf("Got %+v, want %+v", out, in)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := setupStore(t)
	var out testRecord
	err := s.Collection("cards").Get("missing", &out)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	s := setupStore(t)
	a := s.Collection("a")
	b := s.Collection("b")

	if err := a.Put("k", &testRecord{Name: "in-a"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out testRecord
	if err := b.Get("k", &out); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound from other collection, got %v", err)
	}

	n, err := b.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected empty collection b, got %d values", n)
	}
}

func TestDelete(t *testing.T) {
	s := setupStore(t)
	col := s.Collection("cards")

	if err := col.Put("k", &testRecord{Name: "x"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := col.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var out testRecord
	if err := col.Get("k", &out); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}

	// Deleting a missing key is not an error.
	if err := col.Delete("never-existed"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestIndexIteration(t *testing.T) {
	s := setupStore(t)
	col := s.Collection("entries")

	for i, status := range []string{"pending", "pending", "synced"} {
		key := string(rune('a' + i))
		rec := testRecord{Name: key, Status: status}
		if err := col.PutIndexed(key, &rec, map[string]string{"status": status}); err != nil {
			t.Fatalf("PutIndexed failed: %v", err)
		}
	}

	var pending []string
	err := col.IterateIndex("status", "pending", func(key string, raw []byte) error {
		pending = append(pending, key)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateIndex failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending entries, got %d (%v)", len(pending), pending)
	}

	n, err := col.CountIndex("status", "synced")
	if err != nil {
		t.Fatalf("CountIndex failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 synced entry, got %d", n)
	}
}

func TestIndexUpdateRemovesStaleEntries(t *testing.T) {
	s := setupStore(t)
	col := s.Collection("entries")

	rec := testRecord{Name: "e", Status: "pending"}
	if err := col.PutIndexed("e", &rec, map[string]string{"status": "pending"}); err != nil {
		t.Fatalf("PutIndexed failed: %v", err)
	}

	rec.Status = "synced"
	if err := col.PutIndexed("e", &rec, map[string]string{"status": "synced"}); err != nil {
		t.Fatalf("PutIndexed update failed: %v", err)
	}

	n, err := col.CountIndex("status", "pending")
	if err != nil {
		t.Fatalf("CountIndex failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Stale index entry left behind: %d pending", n)
	}

	n, err = col.CountIndex("status", "synced")
	if err != nil {
		t.Fatalf("CountIndex failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 synced index entry, got %d", n)
	}
}

func TestDeleteRemovesIndexEntries(t *testing.T) {
	s := setupStore(t)
	col := s.Collection("entries")

	rec := testRecord{Name: "e", Status: "pending"}
	if err := col.PutIndexed("e", &rec, map[string]string{"status": "pending", "kind": "session"}); err != nil {
		t.Fatalf("PutIndexed failed: %v", err)
	}
	if err := col.Delete("e"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, idx := range [][2]string{{"status", "pending"}, {"kind", "session"}} {
		n, err := col.CountIndex(idx[0], idx[1])
		if err != nil {
			t.Fatalf("CountIndex failed: %v", err)
		}
		if n != 0 {
			t.Errorf("Index %s=%s still has %d entries after delete", idx[0], idx[1], n)
		}
	}
}

func TestForEach(t *testing.T) {
	s := setupStore(t)
	col := s.Collection("entries")

	for _, key := range []string{"b", "a", "c"} {
		if err := col.Put(key, &testRecord{Name: key}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var keys []string
	err := col.ForEach(func(key string, raw []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("Expected 3 keys, got %v", keys)
	}
	// Badger iterates in byte order.
	for i, want := range []string{"a", "b", "c"} {
		if keys[i] != want {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want)
		}
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	cfg := createTestConfig(t)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Collection("cards").Put("k", &testRecord{Name: "survives"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s2.Close()

	var out testRecord
	if err := s2.Collection("cards").Get("k", &out); err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if out.Name != "survives" {
		t.Errorf("Got %q, want %q", out.Name, "survives")
	}
}
