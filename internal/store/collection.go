// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key prefixes. Values, index entries, and index bookkeeping live in separate
// keyspaces so a prefix scan over one never sees the others.
const (
	prefixValue = "c:"
	prefixIndex = "i:"
	prefixMeta  = "m:"
)

// Errors
var (
	// ErrKeyNotFound is returned when a key does not exist in a collection.
	ErrKeyNotFound = errors.New("store: key not found")
)

// Collection is a named keyspace within the Store. Values are JSON-encoded.
// Secondary indexes are maintained transactionally with the value write: a
// PutIndexed call replaces the value, removes stale index entries, and writes
// the new ones in a single BadgerDB transaction.
type Collection struct {
	store *Store
	name  string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) valueKey(key string) []byte {
	return []byte(prefixValue + c.name + ":" + key)
}

func (c *Collection) metaKey(key string) []byte {
	return []byte(prefixMeta + c.name + ":" + key)
}

func (c *Collection) indexKey(field, value, key string) []byte {
	return []byte(prefixIndex + c.name + ":" + field + ":" + value + ":" + key)
}

func (c *Collection) indexPrefix(field, value string) []byte {
	return []byte(prefixIndex + c.name + ":" + field + ":" + value + ":")
}

// Get retrieves the value stored under key and unmarshals it into v.
// Returns ErrKeyNotFound if the key does not exist.
func (c *Collection) Get(key string, v any) error {
	return c.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.valueKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrKeyNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s/%s: %w", c.name, key, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// Put stores v under key with no secondary index terms.
func (c *Collection) Put(key string, v any) error {
	return c.PutIndexed(key, v, nil)
}

// PutIndexed stores v under key and replaces its secondary index terms.
// idx maps index field names to the indexed value, e.g. {"status": "pending"}.
// Stale index entries from a previous write are removed in the same
// transaction, so an index scan never observes a half-updated record.
func (c *Collection) PutIndexed(key string, v any, idx map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", c.name, key, err)
	}

	return c.store.db.Update(func(txn *badger.Txn) error {
		if err := c.clearIndexEntries(txn, key); err != nil {
			return err
		}

		if err := txn.Set(c.valueKey(key), data); err != nil {
			return fmt.Errorf("set value: %w", err)
		}

		if len(idx) == 0 {
			return txn.Delete(c.metaKey(key))
		}

		for field, value := range idx {
			if err := txn.Set(c.indexKey(field, value, key), []byte(key)); err != nil {
				return fmt.Errorf("set index %s=%s: %w", field, value, err)
			}
		}

		meta, err := json.Marshal(idx)
		if err != nil {
			return fmt.Errorf("marshal index terms: %w", err)
		}
		return txn.Set(c.metaKey(key), meta)
	})
}

// Delete removes the value and all of its index entries.
// Deleting a missing key is not an error.
func (c *Collection) Delete(key string) error {
	return c.store.db.Update(func(txn *badger.Txn) error {
		if err := c.clearIndexEntries(txn, key); err != nil {
			return err
		}
		if err := txn.Delete(c.metaKey(key)); err != nil {
			return fmt.Errorf("delete index terms: %w", err)
		}
		if err := txn.Delete(c.valueKey(key)); err != nil {
			return fmt.Errorf("delete value: %w", err)
		}
		return nil
	})
}

// clearIndexEntries removes the index entries recorded for key, if any.
func (c *Collection) clearIndexEntries(txn *badger.Txn, key string) error {
	item, err := txn.Get(c.metaKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get index terms: %w", err)
	}

	var old map[string]string
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &old)
	}); err != nil {
		return fmt.Errorf("unmarshal index terms: %w", err)
	}

	for field, value := range old {
		if err := txn.Delete(c.indexKey(field, value, key)); err != nil {
			return fmt.Errorf("delete index %s=%s: %w", field, value, err)
		}
	}
	return nil
}

// ForEach iterates over every value in the collection in key order.
// The raw bytes are valid only for the duration of the callback.
// Returning an error from fn stops the iteration and propagates the error.
func (c *Collection) ForEach(fn func(key string, raw []byte) error) error {
	prefix := []byte(prefixValue + c.name + ":")
	return c.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), string(prefix))
			err := item.Value(func(val []byte) error {
				return fn(key, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// IterateIndex performs a range iteration over the values whose index entry
// for field equals value. Values are read back through the primary keyspace
// inside the same snapshot transaction, so the view is consistent.
func (c *Collection) IterateIndex(field, value string, fn func(key string, raw []byte) error) error {
	prefix := c.indexPrefix(field, value)
	return c.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var key string
			if err := it.Item().Value(func(val []byte) error {
				key = string(val)
				return nil
			}); err != nil {
				return fmt.Errorf("read index entry: %w", err)
			}

			item, err := txn.Get(c.valueKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Index entry outlived its value; skip rather than fail the scan.
				continue
			}
			if err != nil {
				return fmt.Errorf("get indexed value %s: %w", key, err)
			}
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of values in the collection.
func (c *Collection) Count() (int, error) {
	prefix := []byte(prefixValue + c.name + ":")
	return c.countPrefix(prefix)
}

// CountIndex returns the number of values whose index entry for field equals value.
func (c *Collection) CountIndex(field, value string) (int, error) {
	return c.countPrefix(c.indexPrefix(field, value))
}

func (c *Collection) countPrefix(prefix []byte) (int, error) {
	count := 0
	err := c.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
