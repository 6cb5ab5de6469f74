// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package bunt implements internal/store.Store on top of tidwall/buntdb, an
// embedded, indexed key/value store. Documents are stored as JSON values
// keyed "<collection>:<id>"; unique-field lookups are served by per-field
// buntdb JSON-path indexes rather than hand-rolled secondary index maps.
package bunt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/buntdb"

	"github.com/yvespollah/coordinator/internal/store"
)

// Store adapts a *buntdb.DB to the store.Store contract.
type Store struct {
	db *buntdb.DB

	mu      sync.Mutex
	indexed map[string]bool // "<collection>:<field>" already has a buntdb index
}

// Open creates or opens the database at path ("" or ":memory:" for a
// purely in-memory instance, matching buntdb's own convention).
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store/bunt: opening %s: %w", path, err)
	}
	return &Store{db: db, indexed: make(map[string]bool)}, nil
}

func docKey(collection, id string) string {
	return collection + ":" + id
}

func (s *Store) ensureIndex(collection, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := collection + ":" + field
	if s.indexed[key] {
		return nil
	}
	name := indexName(collection, field)
	pattern := collection + ":*"
	if err := s.db.CreateIndex(name, pattern, buntdb.IndexJSON(field)); err != nil && err != buntdb.ErrIndexExists {
		return fmt.Errorf("store/bunt: creating index %s: %w", name, err)
	}
	s.indexed[key] = true
	return nil
}

func indexName(collection, field string) string {
	return collection + "__" + field
}

// pivotFor builds the AscendEqual pivot document for an exact-match lookup
// on field, matching the same JSON shape buntdb's IndexJSON comparator reads
// from stored documents.
func pivotFor(field string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`{%q:%s}`, field, raw), nil
}

// Insert implements store.Store.
func (s *Store) Insert(collection, id string, doc any, uniqueFields ...string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store/bunt: marshaling document: %w", err)
	}

	for _, field := range uniqueFields {
		if err := s.ensureIndex(collection, field); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *buntdb.Tx) error {
		for _, field := range uniqueFields {
			fv, err := fieldValue(raw, field)
			if err != nil {
				return err
			}
			if dup, err := s.hasField(tx, collection, field, fv, ""); err != nil {
				return err
			} else if dup {
				return &store.DuplicateFieldError{Field: field}
			}
		}
		_, _, err := tx.Set(docKey(collection, id), string(raw), nil)
		return err
	})
}

// hasField reports whether collection already contains a document (other
// than excludeID, used by UpdateByID) whose field equals value.
func (s *Store) hasField(tx *buntdb.Tx, collection, field string, value any, excludeID string) (bool, error) {
	pivot, err := pivotFor(field, value)
	if err != nil {
		return false, err
	}
	found := false
	iterErr := tx.AscendEqual(indexName(collection, field), pivot, func(key, val string) bool {
		id := strings.TrimPrefix(key, collection+":")
		if id == excludeID {
			return true // keep scanning; this is the document being updated
		}
		found = true
		return false
	})
	if iterErr != nil && iterErr != buntdb.ErrNotFound {
		return false, iterErr
	}
	return found, nil
}

func fieldValue(raw []byte, field string) (any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m[field], nil
}

// FindByField implements store.Store.
func (s *Store) FindByField(collection, field string, value any, out any) error {
	if err := s.ensureIndex(collection, field); err != nil {
		return err
	}
	pivot, err := pivotFor(field, value)
	if err != nil {
		return err
	}

	var matches []json.RawMessage
	err = s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual(indexName(collection, field), pivot, func(key, val string) bool {
			matches = append(matches, json.RawMessage(val))
			return true
		})
	})
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}

	combined, err := json.Marshal(matches)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, out)
}

// FindOne implements store.Store.
func (s *Store) FindOne(collection, field string, value any, out any) error {
	var raw []json.RawMessage
	if err := s.FindByField(collection, field, value, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		return store.ErrNotFound
	}
	return json.Unmarshal(raw[0], out)
}

// UpdateByID implements store.Store.
func (s *Store) UpdateByID(collection, id string, doc any, uniqueFields ...string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	for _, field := range uniqueFields {
		if err := s.ensureIndex(collection, field); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(docKey(collection, id)); err != nil {
			if err == buntdb.ErrNotFound {
				return store.ErrNotFound
			}
			return err
		}
		for _, field := range uniqueFields {
			fv, err := fieldValue(raw, field)
			if err != nil {
				return err
			}
			if dup, err := s.hasField(tx, collection, field, fv, id); err != nil {
				return err
			} else if dup {
				return &store.DuplicateFieldError{Field: field}
			}
		}
		_, _, err := tx.Set(docKey(collection, id), string(raw), nil)
		return err
	})
}

// DeleteByID implements store.Store.
func (s *Store) DeleteByID(collection, id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(docKey(collection, id))
		if err == buntdb.ErrNotFound {
			return store.ErrNotFound
		}
		return err
	})
}

// CountByField implements store.Store.
func (s *Store) CountByField(collection, field string, value any) (int, error) {
	if err := s.ensureIndex(collection, field); err != nil {
		return 0, err
	}
	pivot, err := pivotFor(field, value)
	if err != nil {
		return 0, err
	}

	count := 0
	err = s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual(indexName(collection, field), pivot, func(key, val string) bool {
			count++
			return true
		})
	})
	if err != nil && err != buntdb.ErrNotFound {
		return 0, err
	}
	return count, nil
}

// FindAll implements store.Store.
func (s *Store) FindAll(collection string, out any) error {
	prefix := collection + ":"
	var matches []json.RawMessage
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, val string) bool {
			matches = append(matches, json.RawMessage(val))
			return true
		})
	})
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	combined, err := json.Marshal(matches)
	if err != nil {
		return err
	}
	return json.Unmarshal(combined, out)
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
